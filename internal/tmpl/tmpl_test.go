package tmpl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandDateAndFilename(t *testing.T) {
	ctx := NewContext().
		WithDate(time.Date(2024, 3, 10, 4, 30, 0, 0, time.UTC)).
		WithFile("/data/incoming/norad.tle")

	out, err := Expand("{year}{month}{day}.{filename}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "20240310.norad.tle", out)

	out, err = Expand("{parent_dir}/{file_stem}{file_suffix}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "/data/incoming/norad.tle", out)
}

func TestExpandJulianDay(t *testing.T) {
	ctx := NewContext().WithDate(time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC))
	out, err := Expand("{year}_{month}_{day}_{julian_day}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "2024_01_09_009", out)
}

func TestExpandUnknownFieldFails(t *testing.T) {
	ctx := NewContext().WithDate(time.Now().UTC())
	_, err := Expand("{year}/{satellite}", ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "satellite")
}

func TestExpandEscapes(t *testing.T) {
	ctx := NewContext()
	ctx.Set("name", "x")
	out, err := Expand("{{literal}} {name}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "{literal} x", out)
}

func TestExpandMalformed(t *testing.T) {
	ctx := NewContext()
	_, err := Expand("{unclosed", ctx)
	assert.Error(t, err)
	_, err = Expand("stray } brace", ctx)
	assert.Error(t, err)
	_, err = Expand("{bad name}", ctx)
	assert.Error(t, err)
}

func TestFields(t *testing.T) {
	fields, err := Fields("{year}/{month}/{year}-{filename}")
	require.NoError(t, err)
	assert.Equal(t, []string{"year", "month", "filename"}, fields)
}

func TestContextLayering(t *testing.T) {
	ctx := NewContext().WithDate(time.Date(2014, 10, 28, 0, 0, 0, 0, time.UTC))
	ctx.Set("year", "1999") // later layer shadows

	v, ok := ctx.Get("year")
	require.True(t, ok)
	assert.Equal(t, "1999", v)
	// insertion order preserved, no duplicate key
	assert.Equal(t, []string{"year", "month", "day", "julian_day"}, ctx.Keys())
}

func TestCloneIsIndependent(t *testing.T) {
	base := NewContext().WithDate(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC))
	c := base.Clone()
	c.Set("filename", "a.txt")

	_, ok := base.Get("filename")
	assert.False(t, ok)
}
