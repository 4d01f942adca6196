// Package executor runs a single rule invocation end to end: acquire the
// rule's lock, drive the source, post-process each landed file, release.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fetchd/internal/config"
	"fetchd/internal/notify"
	"fetchd/internal/rulelock"
	"fetchd/internal/shellstep"
	"fetchd/internal/source"
	"fetchd/internal/tmpl"
)

// Outcome classifies one rule run.
type Outcome int

const (
	// Success: the source invocation completed. Per-file errors may still
	// have occurred; they are counted, not fatal.
	Success Outcome = iota
	// Skipped: the run did not start (rule already running elsewhere).
	Skipped
	// Failed: the lock could not be inspected or the source aborted.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Result summarizes one rule run.
type Result struct {
	Rule    string
	RunID   string
	Started time.Time
	Ended   time.Time
	Outcome Outcome
	// Reason is set for Skipped outcomes.
	Reason string
	// Err is set for Failed outcomes.
	Err error
	// Files are the paths landed, in production order.
	Files []string
	// FileErrors counts per-file transfer/processing failures that did not
	// abort the run.
	FileErrors int
}

// Executor runs rules. It is safe for concurrent use; each Run is
// independent.
type Executor struct {
	locks  rulelock.Locker
	notify notify.Notifier
	log    zerolog.Logger

	now func() time.Time
}

func New(locks rulelock.Locker, n notify.Notifier, log zerolog.Logger) *Executor {
	return &Executor{locks: locks, notify: n, log: log, now: time.Now}
}

// Run executes one rule. It never panics across the lock boundary: the lock
// is released on every path once acquired.
func (e *Executor) Run(ctx context.Context, rule *config.Rule) Result {
	runID := uuid.NewString()
	log := e.log.With().Str("rule", rule.Name).Str("run", runID).Logger()
	res := Result{Rule: rule.Name, RunID: runID, Started: e.now().UTC()}

	lock, err := e.locks.TryAcquire(rule.Name)
	if err != nil {
		res.Ended = e.now().UTC()
		if errors.Is(err, rulelock.ErrBusy) {
			res.Outcome = Skipped
			res.Reason = "already running"
			log.Info().Msg("rule is already running; skipping this invocation")
			return res
		}
		res.Outcome = Failed
		res.Err = err
		log.Error().Err(err).Msg("could not acquire rule lock")
		e.notify.RunFailed(rule.Name, runID, err)
		return res
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn().Err(err).Msg("lock release failed")
		}
	}()

	log.Info().Msg("rule run starting")
	base := tmpl.NewContext().WithDate(e.now().UTC())
	rep := &runReporter{
		ctx:    ctx,
		rule:   rule,
		log:    log,
		notify: e.notify,
		res:    &res,
	}
	d := &source.Delivery{
		Transform: rule.Transform,
		Base:      base,
		Reporter:  rep,
		Log:       log,
	}

	err = rule.Source.Fetch(ctx, d)
	res.Ended = e.now().UTC()
	if err != nil {
		res.Outcome = Failed
		res.Err = err
		log.Error().Err(err).Int("files", len(res.Files)).Msg("rule run failed")
		e.notify.RunFailed(rule.Name, runID, err)
		return res
	}
	res.Outcome = Success
	log.Info().
		Int("files", len(res.Files)).
		Int("file_errors", res.FileErrors).
		Dur("elapsed", res.Ended.Sub(res.Started)).
		Msg("rule run complete")
	return res
}

// runReporter receives per-file events from the source and applies the
// rule's post-processing step as files land.
type runReporter struct {
	ctx    context.Context
	rule   *config.Rule
	log    zerolog.Logger
	notify notify.Notifier
	res    *Result
}

func (r *runReporter) FileComplete(f source.DownloadedFile) {
	r.res.Files = append(r.res.Files, f.LocalPath)
	r.log.Info().Str("path", f.LocalPath).Str("uri", f.SourceURI).Msg("file fetched")

	if r.rule.Step == nil {
		return
	}
	// f.Context carries the fields the transform resolved for this file
	// (per-day dates, regexp captures), not the run-start snapshot.
	outcome, err := r.rule.Step.Run(r.ctx, f.LocalPath, f.Context)
	switch {
	case err != nil:
		r.res.FileErrors++
		r.log.Error().Err(err).Str("path", f.LocalPath).Msg("processing failed")
		r.notify.FileFailed(r.rule.Name, f.SourceURI, err)
	case outcome == shellstep.Deferred:
		r.log.Info().Str("path", f.LocalPath).Msg("processing deferred until sidecar files arrive")
	}
}

func (r *runReporter) FileError(uri string, err error) {
	r.res.FileErrors++
	r.notify.FileFailed(r.rule.Name, uri, err)
}

func (r *runReporter) FileSkipped(uri string, reason string) {
	r.log.Debug().Str("uri", uri).Str("reason", reason).Msg("file skipped")
}
