// Package source implements the polymorphic downloaders: each variant
// produces a finite sequence of fetched files from a remote system.
//
// Variants are constructed from tagged YAML nodes (see registry.go) and share
// the Delivery landing path: resolve the output location through the rule's
// filename transform, download to a temporary file and rename into place.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"fetchd/internal/tmpl"
	"fetchd/internal/transform"
)

// DefaultTimeout is the per-transfer connection/read timeout when a source
// does not configure one.
const DefaultTimeout = 100 * time.Second

// DownloadedFile describes one file landed by a source, in production order.
// It is owned by the rule run that triggered the fetch and not retained
// afterwards.
type DownloadedFile struct {
	SourceURI    string
	LocalPath    string
	OriginalName string
	FetchedAt    time.Time
	// Context holds the template fields resolved for this file: the date
	// fields the transform saw (for date-range sources, the iterated day)
	// plus any regexp captures. Post-processing formats against it.
	Context *tmpl.Context
}

// Reporter receives per-file events as a source produces them. Calls are
// made synchronously from Fetch, preserving source production order.
type Reporter interface {
	// FileComplete is called once per file successfully landed.
	FileComplete(f DownloadedFile)
	// FileError is called for a per-item transfer failure that did not
	// abort the rest of the invocation.
	FileError(uri string, err error)
	// FileSkipped is called when a file was deliberately not landed
	// (already on disk, or its name did not match the transform pattern).
	FileSkipped(uri string, reason string)
}

// Source is one configured downloader. A Fetch failure means the whole
// invocation failed; per-item failures are reported through the Reporter and
// do not undo files already landed.
type Source interface {
	Fetch(ctx context.Context, d *Delivery) error
}

// FetchError is a whole-source failure (connection refused, authentication
// failure in a beforehand step, unusable feed document).
type FetchError struct {
	Summary string
	Err     error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return e.Summary
	}
	return fmt.Sprintf("%s: %v", e.Summary, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func fetchErrf(err error, format string, args ...any) *FetchError {
	return &FetchError{Summary: fmt.Sprintf(format, args...), Err: err}
}

// errEmptyFile: a transfer that produced zero bytes is treated as a failed
// transfer, not a valid ancillary file.
var errEmptyFile = errors.New("empty file returned")

// Delivery owns the landing of files during one source invocation: output
// path resolution through the rule's transform, skip-if-exists policy,
// temp-file download and atomic rename.
type Delivery struct {
	Transform transform.Transform
	Base      *tmpl.Context
	Reporter  Reporter
	Log       zerolog.Logger
}

// Land downloads one file via write and moves it into place.
//
// Transform misses and already-present targets are handled here (reported as
// skips, nil return). A non-nil return is a transfer failure; the calling
// source decides whether it aborts the invocation or only that item.
func (d *Delivery) Land(uri, targetDir, originalName string, override bool, write func(io.Writer) error) error {
	dir, name, fctx, err := d.Transform.Apply(targetDir, originalName, d.Base)
	if err != nil {
		if errors.Is(err, transform.ErrNoMatch) {
			d.Log.Info().Str("uri", uri).Msg("filename does not match transform pattern; skipping")
			d.Reporter.FileSkipped(uri, "no pattern match")
			return nil
		}
		d.Log.Warn().Err(err).Str("uri", uri).Msg("transform failed; skipping file")
		d.Reporter.FileSkipped(uri, err.Error())
		return nil
	}

	target := filepath.Join(dir, name)
	if _, err := os.Stat(target); err == nil && !override {
		d.Log.Debug().Str("path", target).Msg("target exists; skipping")
		d.Reporter.FileSkipped(uri, "already exists")
		return nil
	}

	// The transformed name can contain folder offsets, so create the
	// target's real parent rather than dir.
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".fetch-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	d.Log.Debug().Str("uri", uri).Str("target", target).Msg("fetching")
	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	info, err := os.Stat(tmpPath)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return fmt.Errorf("%q: %w", uri, errEmptyFile)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("move into place: %w", err)
	}
	d.Reporter.FileComplete(DownloadedFile{
		SourceURI:    uri,
		LocalPath:    target,
		OriginalName: originalName,
		FetchedAt:    time.Now().UTC(),
		Context:      fctx,
	})
	return nil
}

func timeoutOrDefault(secs float64) time.Duration {
	if secs <= 0 {
		return DefaultTimeout
	}
	return time.Duration(secs * float64(time.Second))
}
