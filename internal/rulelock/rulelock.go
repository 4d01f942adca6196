// Package rulelock enforces at-most-one-concurrent-execution per rule name,
// across processes.
//
// Locks are materialized as marker files under <work_directory>/locks. The
// marker records the holder's identity so a lock abandoned by a crashed
// process can be reclaimed.
//
// Staleness policy: a marker is stale when it was written by this host and
// its recorded pid is no longer alive. Markers written by other hosts are
// never reclaimed automatically (we cannot check liveness remotely); they
// must be removed by an operator.
package rulelock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ErrBusy reports that the rule is already running. Callers treat this as a
// skip, not a failure.
var ErrBusy = errors.New("rule is already running")

// Locker hands out per-rule locks. The filesystem implementation is
// DirLocker; tests inject fakes.
type Locker interface {
	TryAcquire(rule string) (*Lock, error)
}

// Lock is one held rule lock. Release is idempotent and safe to call from
// error-unwinding paths.
type Lock struct {
	Rule       string
	Holder     string
	AcquiredAt time.Time

	path    string
	once    sync.Once
	release error
}

func (l *Lock) Release() error {
	l.once.Do(func() {
		if l.path == "" {
			return
		}
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			l.release = fmt.Errorf("release lock for %q: %w", l.Rule, err)
		}
	})
	return l.release
}

// marker is the JSON content of a lock file.
type marker struct {
	Holder     string    `json:"holder"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	Rule       string    `json:"rule"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// DirLocker materializes locks as <dir>/<sanitized-rule>.lck files.
type DirLocker struct {
	dir      string
	hostname string
}

func NewDirLocker(workDir string) (*DirLocker, error) {
	dir := filepath.Join(workDir, "locks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &DirLocker{dir: dir, hostname: host}, nil
}

func (d *DirLocker) TryAcquire(rule string) (*Lock, error) {
	path := filepath.Join(d.dir, SanitizeName(rule)+".lck")

	// Two attempts: the second only runs after reclaiming a stale marker.
	for attempt := 0; attempt < 2; attempt++ {
		lock, err := d.create(path, rule)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("acquire lock for %q: %w", rule, err)
		}
		reclaimed, err := d.reclaimStale(path)
		if err != nil {
			// Marker vanished between the O_EXCL failure and our read:
			// the holder just released. Retry the create.
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("inspect lock for %q: %w", rule, err)
		}
		if !reclaimed {
			return nil, ErrBusy
		}
	}
	return nil, ErrBusy
}

// reclaimStale removes the marker at path if it is stale. The check and the
// remove run under a flock on a per-rule guard file: without it, two callers
// could both judge the same dead-pid marker stale and the slower remove
// would delete the faster caller's freshly created live marker. The kernel
// drops the flock if the reclaiming process dies, so the guard itself can
// never go stale.
func (d *DirLocker) reclaimStale(path string) (bool, error) {
	guard, err := os.OpenFile(path+".guard", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, err
	}
	defer guard.Close()
	if err := syscall.Flock(int(guard.Fd()), syscall.LOCK_EX); err != nil {
		return false, err
	}
	defer syscall.Flock(int(guard.Fd()), syscall.LOCK_UN)

	stale, err := d.isStale(path)
	if err != nil {
		return false, err
	}
	if !stale {
		return false, nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	return true, nil
}

// create writes the marker with O_EXCL so that two simultaneous callers
// (daemon tick and a one-shot run) yield exactly one winner.
func (d *DirLocker) create(path, rule string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	m := marker{
		Holder:     uuid.NewString(),
		PID:        os.Getpid(),
		Hostname:   d.hostname,
		Rule:       rule,
		AcquiredAt: time.Now().UTC(),
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&m); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, err
	}
	return &Lock{Rule: rule, Holder: m.Holder, AcquiredAt: m.AcquiredAt, path: path}, nil
}

func (d *DirLocker) isStale(path string) (bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	var m marker
	if err := json.Unmarshal(b, &m); err != nil || m.PID <= 0 {
		// An unreadable marker is treated as held: reclaiming it could
		// race a live writer mid-create.
		return false, nil
	}
	if m.Hostname != d.hostname {
		return false, nil
	}
	return !pidAlive(m.PID), nil
}

func pidAlive(pid int) bool {
	// Signal 0 performs the permission checks without delivering anything.
	// EPERM means the process exists but belongs to someone else.
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// SanitizeName maps a rule name to a safe lock/log filename component, e.g.
// "LS8 BPF" -> "ls8-bpf".
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}
