// Package scheduler decides which rules are due each minute and dispatches
// their runs.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"fetchd/internal/config"
)

// RunFunc executes one rule invocation. It must be safe for concurrent
// calls; per-rule mutual exclusion is the executor's lock, not the
// scheduler's.
type RunFunc func(ctx context.Context, rule *config.Rule)

// Scheduler fires rules on their cron schedules. The rule registry is
// swappable at runtime; a swap never touches runs already in flight.
type Scheduler struct {
	run   RunFunc
	log   zerolog.Logger
	rules atomic.Pointer[[]*config.Rule]
	wg    sync.WaitGroup
	// sem caps concurrent rule bodies; nil means unlimited.
	sem chan struct{}
}

func New(run RunFunc, maxConcurrent int, log zerolog.Logger) *Scheduler {
	s := &Scheduler{run: run, log: log}
	if maxConcurrent > 0 {
		s.sem = make(chan struct{}, maxConcurrent)
	}
	empty := []*config.Rule{}
	s.rules.Store(&empty)
	return s
}

// Swap atomically replaces the rule registry. Later ticks see only the new
// rules.
func (s *Scheduler) Swap(rules []*config.Rule) {
	cp := make([]*config.Rule, len(rules))
	copy(cp, rules)
	s.rules.Store(&cp)
	s.log.Info().Int("rules", len(cp)).Msg("rule registry updated")
}

// Rules returns the current registry snapshot.
func (s *Scheduler) Rules() []*config.Rule {
	return *s.rules.Load()
}

// Tick dispatches every rule whose schedule matches the minute containing
// now. Dispatch is asynchronous; a slow rule can never delay the tick.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	minute := now.Truncate(time.Minute)
	due := 0
	for _, rule := range s.Rules() {
		if !dueAt(rule, minute) {
			continue
		}
		due++
		s.wg.Add(1)
		go func(rule *config.Rule) {
			defer s.wg.Done()
			if s.sem != nil {
				select {
				case s.sem <- struct{}{}:
					defer func() { <-s.sem }()
				case <-ctx.Done():
					s.log.Info().Str("rule", rule.Name).Msg("shutdown before dispatch; dropping run")
					return
				}
			}
			// Runs already dispatched are allowed to finish during
			// shutdown; transfer timeouts bound how long that takes.
			s.run(context.WithoutCancel(ctx), rule)
		}(rule)
	}
	return due
}

// dueAt reports whether the rule's schedule includes minute. A schedule
// whose next firing after (minute - 1s) is the minute itself matches.
func dueAt(rule *config.Rule, minute time.Time) bool {
	return rule.Cron.Next(minute.Add(-time.Second)).Equal(minute)
}

// Run ticks once per minute, aligned to minute boundaries, until ctx is
// cancelled. It returns without waiting for in-flight rule runs; callers
// use Wait for that.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next := time.Now().Truncate(time.Minute).Add(time.Minute)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case now := <-timer.C:
			if n := s.Tick(ctx, now); n > 0 {
				s.log.Debug().Int("due", n).Time("minute", now.Truncate(time.Minute)).Msg("dispatched due rules")
			}
		}
	}
}

// Wait blocks until every dispatched rule run has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
