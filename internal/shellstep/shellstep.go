// Package shellstep runs the optional post-download processing step: a
// templated shell command gated on sidecar-file preconditions, verified by
// the presence of a templated expected-output path.
package shellstep

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"

	"github.com/rs/zerolog"

	"fetchd/internal/tmpl"
)

// Outcome of one Run.
type Outcome int

const (
	// Ran: the command executed and the expected output exists.
	Ran Outcome = iota
	// Deferred: a required sidecar file is not on disk yet. Not an error;
	// the precondition is re-evaluated on the next run of the rule.
	Deferred
)

// RequiredFiles is the step's precondition: pattern is applied to the fetched
// file's full path, and each template is formatted with the resulting named
// captures to produce sidecar paths that must all exist.
type RequiredFiles struct {
	pattern   *regexp.Regexp
	templates []string
}

func NewRequiredFiles(pattern string, templates []string) (*RequiredFiles, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("required-files pattern: %w", err)
	}
	if len(templates) == 0 {
		return nil, errors.New("required-files: no file templates given")
	}
	return &RequiredFiles{pattern: re, templates: templates}, nil
}

// Step executes a shell command for each fetched file.
//
// Correctness is defined by artifact presence: a zero exit status without the
// expected output file is still a failure.
type Step struct {
	command      string
	expectFile   string
	required     *RequiredFiles
	deferMissing bool
	log          zerolog.Logger
}

// New builds a step. deferMissing selects the policy for unmet sidecar
// preconditions: true (the default in config) skips the step quietly so a
// later rule run can retry once the sidecar has arrived; false turns a
// missing sidecar into a per-file failure.
func New(command, expectFile string, required *RequiredFiles, deferMissing bool, log zerolog.Logger) (*Step, error) {
	if command == "" {
		return nil, errors.New("shell step: no command given")
	}
	if expectFile == "" {
		return nil, errors.New("shell step: no expect_file given")
	}
	return &Step{
		command:      command,
		expectFile:   expectFile,
		required:     required,
		deferMissing: deferMissing,
		log:          log,
	}, nil
}

// Run processes one landed file. base carries the rule run's date fields and
// any capture fields from the filename transform; Run adds the filename
// fields derived from path.
func (s *Step) Run(ctx context.Context, path string, base *tmpl.Context) (Outcome, error) {
	fctx := base.Clone().WithFile(path)

	if s.required != nil {
		ok, err := s.checkRequired(path, fctx)
		if err != nil {
			return Deferred, err
		}
		if !ok {
			if s.deferMissing {
				return Deferred, nil
			}
			return Deferred, fmt.Errorf("required sidecar files missing for %q", path)
		}
	}

	command, err := tmpl.Expand(s.command, fctx)
	if err != nil {
		return Deferred, fmt.Errorf("format command: %w", err)
	}
	expected, err := tmpl.Expand(s.expectFile, fctx)
	if err != nil {
		return Deferred, fmt.Errorf("format expect_file: %w", err)
	}

	s.log.Info().Str("command", command).Msg("running shell step")
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return Ran, fmt.Errorf("command %q: %w (output: %s)", command, err, out)
	}

	if _, err := os.Stat(expected); err != nil {
		return Ran, fmt.Errorf("expected output %q not found after command %q", expected, command)
	}
	s.log.Debug().Str("path", expected).Msg("shell step output available")
	return Ran, nil
}

// checkRequired reports whether every sidecar exists. The extraction pattern
// not matching the path counts as an unmet precondition, not an error.
func (s *Step) checkRequired(path string, fctx *tmpl.Context) (bool, error) {
	m := s.required.pattern.FindStringSubmatch(path)
	if m == nil {
		s.log.Debug().Str("path", path).Msg("required-files pattern does not match; deferring")
		return false, nil
	}
	ctx := fctx.Clone()
	for i, n := range s.required.pattern.SubexpNames() {
		if n != "" && i < len(m) {
			ctx.Set(n, m[i])
		}
	}
	for _, t := range s.required.templates {
		p, err := tmpl.Expand(t, ctx)
		if err != nil {
			return false, fmt.Errorf("format required file %q: %w", t, err)
		}
		if _, err := os.Stat(p); err != nil {
			s.log.Debug().Str("path", p).Msg("sidecar not present yet")
			return false, nil
		}
	}
	return true, nil
}
