// Package logging configures the process-wide zerolog output. Components
// receive zerolog.Logger values and derive their own with .With().
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// New builds the root logger. Console output is the human default; jsonOut
// switches to structured lines for journald/file collection.
func New(debug, jsonOut bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	var out io.Writer = os.Stderr
	if !jsonOut {
		out = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: consoleTimeFormat,
		}
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
