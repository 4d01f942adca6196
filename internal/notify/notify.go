// Package notify is the failure-reporting boundary. The only transport today
// is the log; configured email recipients are carried so an SMTP transport
// can slot in behind the same interface.
package notify

import (
	"github.com/rs/zerolog"
)

// Notifier receives failure events from rule runs.
type Notifier interface {
	// RunFailed reports a whole-rule failure (lock error, source abort).
	RunFailed(rule, runID string, err error)
	// FileFailed reports a per-file failure that did not abort the run.
	FileFailed(rule, uri string, err error)
}

// Log writes failure events to the logger at error level.
type Log struct {
	log        zerolog.Logger
	recipients []string
}

func NewLog(log zerolog.Logger, recipients []string) *Log {
	return &Log{log: log, recipients: recipients}
}

func (n *Log) RunFailed(rule, runID string, err error) {
	n.event().Str("rule", rule).Str("run", runID).Err(err).Msg("rule run failed")
}

func (n *Log) FileFailed(rule, uri string, err error) {
	n.event().Str("rule", rule).Str("uri", uri).Err(err).Msg("file failed")
}

func (n *Log) event() *zerolog.Event {
	e := n.log.Error()
	if len(n.recipients) > 0 {
		e = e.Strs("notify", n.recipients)
	}
	return e
}
