// Package transform maps a downloaded file's context to its output
// directory and filename.
//
// Variants are selected by configuration tag: !date-pattern renames files
// using the current date, !regexp-extract routes files into templated
// directories using fields captured from the filename. The zero transform
// (Identity) passes both through verbatim.
package transform

import (
	"errors"
	"fmt"
	"regexp"

	"fetchd/internal/tmpl"
)

// ErrNoMatch reports that a filename did not match a RegexpExtract pattern.
// The file is skipped; the rule run continues. A directory listing may
// legitimately contain files outside the expected naming convention.
var ErrNoMatch = errors.New("filename does not match pattern")

// Transform derives the landing directory and filename for one fetched file.
//
// targetDir is the rule's configured target directory (possibly a template),
// originalName the filename as the source produced it, and base the rule
// run's context (date fields already set). The returned context is base
// extended with whatever fields the transform derived (filename fields,
// regexp captures); it travels with the file so post-processing templates
// see the same values the transform saw.
type Transform interface {
	Apply(targetDir, originalName string, base *tmpl.Context) (dir, name string, fctx *tmpl.Context, err error)
}

// Identity passes the configured target directory and original filename
// through untouched.
type Identity struct{}

func (Identity) Apply(targetDir, originalName string, base *tmpl.Context) (string, string, *tmpl.Context, error) {
	return targetDir, originalName, base, nil
}

// DatePattern renames files with a date-stamped template, e.g.
// "{year}{month}{day}.{filename}" to prefix each download with its fetch
// date. The target directory is used verbatim.
type DatePattern struct {
	format string
}

func NewDatePattern(format string) (*DatePattern, error) {
	fields, err := tmpl.Fields(format)
	if err != nil {
		return nil, fmt.Errorf("date-pattern: %w", err)
	}
	for _, f := range fields {
		if !dateOrFileField(f) {
			return nil, fmt.Errorf("date-pattern: field %q is not a date or filename field", f)
		}
	}
	return &DatePattern{format: format}, nil
}

func (d *DatePattern) Apply(targetDir, originalName string, base *tmpl.Context) (string, string, *tmpl.Context, error) {
	ctx := base.Clone().WithFile(originalName)
	name, err := tmpl.Expand(d.format, ctx)
	if err != nil {
		return "", "", nil, fmt.Errorf("date-pattern: %w", err)
	}
	return targetDir, name, ctx, nil
}

// RegexpExtract matches the original filename against a pattern and makes
// its named capture groups available to the target directory template.
//
//	pattern:   L[TO]8BPF(?P<year>[0-9]{4})(?P<month>[0-9]{2})...
//	targetDir: /data/BPF/{year}/{month}
type RegexpExtract struct {
	re *regexp.Regexp
}

func NewRegexpExtract(pattern string) (*RegexpExtract, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("regexp-extract: %w", err)
	}
	return &RegexpExtract{re: re}, nil
}

// CaptureFields returns the named groups the pattern provides. Used at
// configuration load to verify target directory templates are resolvable.
func (r *RegexpExtract) CaptureFields() []string {
	var out []string
	for _, n := range r.re.SubexpNames() {
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

func (r *RegexpExtract) Apply(targetDir, originalName string, base *tmpl.Context) (string, string, *tmpl.Context, error) {
	m := r.re.FindStringSubmatch(originalName)
	if m == nil {
		return "", "", nil, fmt.Errorf("%q: %w", originalName, ErrNoMatch)
	}
	ctx := base.Clone().WithFile(originalName)
	for i, n := range r.re.SubexpNames() {
		if n != "" && i < len(m) {
			ctx.Set(n, m[i])
		}
	}
	dir, err := tmpl.Expand(targetDir, ctx)
	if err != nil {
		return "", "", nil, fmt.Errorf("regexp-extract: %w", err)
	}
	return dir, originalName, ctx, nil
}

// Captures returns the named groups from matching name, for callers (the
// shell post-processor) that splice captures into their own templates.
func (r *RegexpExtract) Captures(name string) (map[string]string, bool) {
	m := r.re.FindStringSubmatch(name)
	if m == nil {
		return nil, false
	}
	out := map[string]string{}
	for i, n := range r.re.SubexpNames() {
		if n != "" && i < len(m) {
			out[n] = m[i]
		}
	}
	return out, true
}

func dateOrFileField(f string) bool {
	switch f {
	case "year", "month", "day", "julian_day",
		"filename", "file_stem", "file_suffix", "parent_dir":
		return true
	}
	return false
}
