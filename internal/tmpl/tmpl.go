// Package tmpl implements the {field} template strings used throughout rule
// configuration: target directories, output filenames, shell commands and
// expected-output paths.
//
// A Context is an ordered field map built up in layers (date fields, then
// filename-derived fields, then regexp captures). Later layers may shadow
// earlier ones; expansion always sees the latest value.
package tmpl

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Context holds the fields available to Expand.
//
// Insertion order is preserved so diagnostics can list fields in the order
// they were derived.
type Context struct {
	keys []string
	vals map[string]string
}

func NewContext() *Context {
	return &Context{vals: map[string]string{}}
}

// Set adds or replaces a field.
func (c *Context) Set(key, value string) {
	if _, ok := c.vals[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.vals[key] = value
}

func (c *Context) Get(key string) (string, bool) {
	v, ok := c.vals[key]
	return v, ok
}

// Keys returns field names in insertion order.
func (c *Context) Keys() []string {
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// Clone returns an independent copy. Used when one base context fans out to
// several files within a rule run.
func (c *Context) Clone() *Context {
	n := NewContext()
	for _, k := range c.keys {
		n.Set(k, c.vals[k])
	}
	return n
}

// WithDate sets the standard date fields from t (UTC is the caller's
// responsibility). julian_day is the 1-366 day-of-year ordinal.
func (c *Context) WithDate(t time.Time) *Context {
	c.Set("year", fmt.Sprintf("%04d", t.Year()))
	c.Set("month", fmt.Sprintf("%02d", int(t.Month())))
	c.Set("day", fmt.Sprintf("%02d", t.Day()))
	c.Set("julian_day", fmt.Sprintf("%03d", t.YearDay()))
	return c
}

// WithFile sets the filename-derived fields from a file path.
//
// file_suffix keeps the leading dot ('.txt'), matching what shell commands
// typically splice back together.
func (c *Context) WithFile(path string) *Context {
	name := filepath.Base(path)
	suffix := filepath.Ext(name)
	c.Set("filename", name)
	c.Set("file_stem", strings.TrimSuffix(name, suffix))
	c.Set("file_suffix", suffix)
	c.Set("parent_dir", filepath.Dir(path))
	return c
}

// Expand substitutes every {field} in pattern from the context.
//
// Referencing a field that is not present is an error, never a silently
// emitted literal. '{{' and '}}' escape literal braces.
func Expand(pattern string, ctx *Context) (string, error) {
	var b strings.Builder
	b.Grow(len(pattern))
	err := scan(pattern, func(literal string) {
		b.WriteString(literal)
	}, func(field string) error {
		if ctx == nil {
			return fmt.Errorf("no value for field %q", field)
		}
		v, ok := ctx.Get(field)
		if !ok {
			return fmt.Errorf("no value for field %q (have %s)", field, strings.Join(ctx.Keys(), ", "))
		}
		b.WriteString(v)
		return nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// Fields returns the field names referenced by pattern, in order of first
// appearance. Used at configuration load to reject templates that reference
// fields no layer can provide.
func Fields(pattern string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	err := scan(pattern, func(string) {}, func(field string) error {
		if !seen[field] {
			seen[field] = true
			out = append(out, field)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scan(pattern string, literal func(string), field func(string) error) error {
	for i := 0; i < len(pattern); {
		c := pattern[i]
		switch {
		case c == '{' && i+1 < len(pattern) && pattern[i+1] == '{':
			literal("{")
			i += 2
		case c == '}' && i+1 < len(pattern) && pattern[i+1] == '}':
			literal("}")
			i += 2
		case c == '{':
			end := strings.IndexByte(pattern[i:], '}')
			if end < 0 {
				return fmt.Errorf("unterminated field at offset %d in %q", i, pattern)
			}
			name := pattern[i+1 : i+end]
			if name == "" || strings.ContainsAny(name, "{ \t") {
				return fmt.Errorf("invalid field name %q in %q", name, pattern)
			}
			if err := field(name); err != nil {
				return err
			}
			i += end + 1
		case c == '}':
			return fmt.Errorf("unmatched '}' at offset %d in %q", i, pattern)
		default:
			next := strings.IndexAny(pattern[i:], "{}")
			if next < 0 {
				literal(pattern[i:])
				return nil
			}
			literal(pattern[i : i+next])
			i += next
		}
	}
	return nil
}
