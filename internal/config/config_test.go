package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fetchd/internal/source"
	"fetchd/internal/transform"
)

func parse(t *testing.T, text string) (*Config, error) {
	t.Helper()
	return Parse([]byte(text), zerolog.Nop())
}

func fullExample(dir string) string {
	return fmt.Sprintf(`directory: %s
max_concurrent: 4
notify:
  email: [ops@example.org]
rules:
  - name: LS8 BPF
    schedule: "15 * * * *"
    source: !http-directory
      url: https://landsat.example/pub/
      target_dir: /data/BPF/{year}/{month}
      name_pattern: 'L[TO]8BPF.*'
    filename_transform: !regexp-extract
      pattern: 'L[TO]8BPF(?P<year>[0-9]{4})(?P<month>[0-9]{2})'
  - name: norad tle
    schedule: "30 2 * * *"
    source: !http-files
      url: https://celestrak.example/norad.tle
      target_dir: /data/tle
    filename_transform: !date-pattern "{year}{month}{day}.{filename}"
    process: !shell
      command: "gzip -k {parent_dir}/{filename}"
      expect_file: "{parent_dir}/{filename}.gz"
`, dir)
}

func TestParseFullConfiguration(t *testing.T) {
	dir := t.TempDir()
	cfg, err := parse(t, fullExample(dir))
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.Directory)
	assert.Equal(t, 4, cfg.MaxConcurrent)
	assert.Equal(t, []string{"ops@example.org"}, cfg.Notify.Email)
	require.Len(t, cfg.Rules, 2)

	bpf := cfg.Rules[0]
	assert.Equal(t, "LS8 BPF", bpf.Name)
	assert.IsType(t, &source.HTTPDirectory{}, bpf.Source)
	assert.IsType(t, &transform.RegexpExtract{}, bpf.Transform)
	assert.Nil(t, bpf.Step)

	tle := cfg.Rules[1]
	assert.IsType(t, &source.HTTPFiles{}, tle.Source)
	assert.IsType(t, &transform.DatePattern{}, tle.Transform)
	require.NotNil(t, tle.Step)

	// "30 2 * * *" fires once a day at 02:30.
	after := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 10, 2, 30, 0, 0, time.UTC), tle.Cron.Next(after))
}

func TestParseMissingTransformMeansIdentity(t *testing.T) {
	cfg, err := parse(t, fmt.Sprintf(`directory: %s
rules:
  - name: r
    schedule: "* * * * *"
    source: !http-files {url: "http://h/a", target_dir: /tmp}
`, t.TempDir()))
	require.NoError(t, err)
	assert.IsType(t, transform.Identity{}, cfg.Rules[0].Transform)
}

func TestParseRejections(t *testing.T) {
	dir := t.TempDir()
	rule := func(body string) string {
		return fmt.Sprintf("directory: %s\nrules:\n%s", dir, body)
	}
	for name, text := range map[string]string{
		"missing directory": "rules: []\n",
		"directory is a file": func() string {
			f := filepath.Join(dir, "plain")
			os.WriteFile(f, []byte("x"), 0o644)
			return "directory: " + f + "\nrules: []\n"
		}(),
		"negative max_concurrent": fmt.Sprintf("directory: %s\nmax_concurrent: -1\n", dir),
		"bad email":               fmt.Sprintf("directory: %s\nnotify: {email: ['not an address']}\n", dir),
		"rule without name":       rule("  - schedule: '* * * * *'\n    source: !http-files {url: 'http://h/a', target_dir: /t}\n"),
		"rule without schedule":   rule("  - name: r\n    source: !http-files {url: 'http://h/a', target_dir: /t}\n"),
		"six-field schedule":      rule("  - name: r\n    schedule: '0 15 * * * *'\n    source: !http-files {url: 'http://h/a', target_dir: /t}\n"),
		"rule without source":     rule("  - name: r\n    schedule: '* * * * *'\n"),
		"unknown source tag":      rule("  - name: r\n    schedule: '* * * * *'\n    source: !carrier-pigeon {url: 'http://h'}\n"),
		"unknown transform tag":   rule("  - name: r\n    schedule: '* * * * *'\n    source: !http-files {url: 'http://h/a', target_dir: /t}\n    filename_transform: !upper-case 'x'\n"),
		"bad capture pattern":     rule("  - name: r\n    schedule: '* * * * *'\n    source: !http-files {url: 'http://h/a', target_dir: /t}\n    filename_transform: !regexp-extract {pattern: '['}\n"),
		"unknown process tag":     rule("  - name: r\n    schedule: '* * * * *'\n    source: !http-files {url: 'http://h/a', target_dir: /t}\n    process: !python {script: x.py}\n"),
		"shell without command":   rule("  - name: r\n    schedule: '* * * * *'\n    source: !http-files {url: 'http://h/a', target_dir: /t}\n    process: !shell {expect_file: /t/x}\n"),
		"duplicate rule names": rule("  - name: r\n    schedule: '* * * * *'\n    source: !http-files {url: 'http://h/a', target_dir: /t}\n" +
			"  - name: r\n    schedule: '* * * * *'\n    source: !http-files {url: 'http://h/b', target_dir: /t}\n"),
	} {
		_, err := parse(t, text)
		assert.Error(t, err, name)
	}
}

func TestLoadWrapsErrorsWithPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), zerolog.Nop())
	require.Error(t, err)
	var cerr *Error
	assert.ErrorAs(t, err, &cerr)
}

func TestLoadReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fetchd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullExample(dir)), 0o644))

	cfg, err := Load(path, zerolog.Nop())
	require.NoError(t, err)
	assert.Len(t, cfg.Rules, 2)
}
