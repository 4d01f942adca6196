// Package config loads and validates the rule configuration file.
//
// The file is YAML; the polymorphic pieces (download source, filename
// transform, post-processing step) are selected by local tags and built
// through per-extension-point constructor tables, so adding a variant never
// touches this package's parsing loop.
package config

import (
	"fmt"
	"net/mail"
	"os"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.yaml.in/yaml/v3"

	"fetchd/internal/shellstep"
	"fetchd/internal/source"
	"fetchd/internal/transform"
)

// Error is a fatal configuration problem. The daemon refuses to start on one;
// a live reload that produces one keeps the previous configuration.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("config %s: %v", e.Path, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Config is the validated daemon configuration.
type Config struct {
	// Directory is the daemon's working directory; the lock directory lives
	// under it.
	Directory string
	// MaxConcurrent caps simultaneous rule runs. Zero means unlimited.
	MaxConcurrent int
	Notify        Notify
	Rules         []*Rule
}

// Notify carries failure-notification settings. Addresses are validated at
// load; the delivery transport is the notify package's concern.
type Notify struct {
	Email []string
}

// Rule is one scheduled fetch: when to run, where to fetch from, how to name
// the results and what to do with them afterwards.
type Rule struct {
	Name     string
	Schedule string
	Cron     cron.Schedule
	Source   source.Source
	// Transform is never nil; rules without a filename_transform get the
	// identity transform.
	Transform transform.Transform
	// Step is nil when the rule has no process block.
	Step *shellstep.Step
}

// Standard 5-field crontab specs, minute through day-of-week.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

type rawConfig struct {
	Directory     string `yaml:"directory"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	Notify        struct {
		Email []string `yaml:"email"`
	} `yaml:"notify"`
	Rules []rawRule `yaml:"rules"`
}

type rawRule struct {
	Name              string    `yaml:"name"`
	Schedule          string    `yaml:"schedule"`
	Source            yaml.Node `yaml:"source"`
	FilenameTransform yaml.Node `yaml:"filename_transform"`
	Process           yaml.Node `yaml:"process"`
}

// Load reads and validates the file at path. Every returned error is a
// *Error.
func Load(path string, log zerolog.Logger) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	cfg, err := Parse(b, log)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	return cfg, nil
}

// Parse builds a Config from raw YAML bytes.
func Parse(b []byte, log zerolog.Logger) (*Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, err
	}

	if raw.Directory == "" {
		return nil, fmt.Errorf("no working directory given")
	}
	info, err := os.Stat(raw.Directory)
	if err != nil {
		return nil, fmt.Errorf("working directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("working directory %q is not a directory", raw.Directory)
	}
	if raw.MaxConcurrent < 0 {
		return nil, fmt.Errorf("max_concurrent must not be negative")
	}
	for _, addr := range raw.Notify.Email {
		if _, err := mail.ParseAddress(addr); err != nil {
			return nil, fmt.Errorf("notify email %q: %w", addr, err)
		}
	}

	cfg := &Config{
		Directory:     raw.Directory,
		MaxConcurrent: raw.MaxConcurrent,
		Notify:        Notify{Email: raw.Notify.Email},
	}
	seen := map[string]bool{}
	for i := range raw.Rules {
		rule, err := buildRule(&raw.Rules[i], log)
		if err != nil {
			name := raw.Rules[i].Name
			if name == "" {
				name = fmt.Sprintf("#%d", i+1)
			}
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		if seen[rule.Name] {
			return nil, fmt.Errorf("duplicate rule name %q", rule.Name)
		}
		seen[rule.Name] = true
		cfg.Rules = append(cfg.Rules, rule)
	}
	if len(cfg.Rules) == 0 {
		log.Warn().Msg("configuration has no rules; nothing will be scheduled")
	}
	return cfg, nil
}

func buildRule(raw *rawRule, log zerolog.Logger) (*Rule, error) {
	if raw.Name == "" {
		return nil, fmt.Errorf("no name given")
	}
	if raw.Schedule == "" {
		return nil, fmt.Errorf("no schedule given")
	}
	sched, err := cronParser.Parse(raw.Schedule)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", raw.Schedule, err)
	}
	if raw.Source.IsZero() {
		return nil, fmt.Errorf("no source given")
	}
	src, err := source.New(&raw.Source)
	if err != nil {
		return nil, err
	}
	tr, err := newTransform(&raw.FilenameTransform)
	if err != nil {
		return nil, err
	}
	step, err := newStep(&raw.Process, log.With().Str("rule", raw.Name).Logger())
	if err != nil {
		return nil, err
	}
	return &Rule{
		Name:      raw.Name,
		Schedule:  raw.Schedule,
		Cron:      sched,
		Source:    src,
		Transform: tr,
		Step:      step,
	}, nil
}

// newTransform dispatches on the filename_transform tag. An absent block
// means identity.
func newTransform(node *yaml.Node) (transform.Transform, error) {
	if node.IsZero() {
		return transform.Identity{}, nil
	}
	switch node.Tag {
	case "!date-pattern":
		if node.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("!date-pattern takes a format string")
		}
		return transform.NewDatePattern(node.Value)
	case "!regexp-extract":
		if node.Kind == yaml.ScalarNode {
			return transform.NewRegexpExtract(node.Value)
		}
		var spec struct {
			Pattern string `yaml:"pattern"`
		}
		if err := node.Decode(&spec); err != nil {
			return nil, err
		}
		if spec.Pattern == "" {
			return nil, fmt.Errorf("!regexp-extract: no pattern given")
		}
		return transform.NewRegexpExtract(spec.Pattern)
	}
	return nil, fmt.Errorf("unknown filename transform %q (supports !date-pattern, !regexp-extract)", node.Tag)
}

// newStep dispatches on the process tag. An absent block means no
// post-processing.
func newStep(node *yaml.Node, log zerolog.Logger) (*shellstep.Step, error) {
	if node.IsZero() {
		return nil, nil
	}
	if node.Tag != "!shell" {
		return nil, fmt.Errorf("unknown process type %q (supports !shell)", node.Tag)
	}
	var spec struct {
		Command       string `yaml:"command"`
		ExpectFile    string `yaml:"expect_file"`
		RequiredFiles *struct {
			Pattern string   `yaml:"pattern"`
			Files   []string `yaml:"files"`
		} `yaml:"required_files"`
		DeferMissing *bool `yaml:"defer_missing"`
	}
	if err := node.Decode(&spec); err != nil {
		return nil, err
	}
	var required *shellstep.RequiredFiles
	if spec.RequiredFiles != nil {
		var err error
		required, err = shellstep.NewRequiredFiles(spec.RequiredFiles.Pattern, spec.RequiredFiles.Files)
		if err != nil {
			return nil, err
		}
	}
	deferMissing := true
	if spec.DeferMissing != nil {
		deferMissing = *spec.DeferMissing
	}
	return shellstep.New(spec.Command, spec.ExpectFile, required, deferMissing, log)
}
