// Package daemon wires the long-running service together: configuration,
// scheduler, live reload and systemd lifecycle notifications.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"fetchd/internal/config"
	"fetchd/internal/executor"
	"fetchd/internal/notify"
	"fetchd/internal/rulelock"
	"fetchd/internal/scheduler"
)

// Options configure one daemon instance.
type Options struct {
	ConfigPath string
	// Watch reloads automatically when the config file changes, in addition
	// to SIGHUP.
	Watch bool
}

// Daemon is the running service.
type Daemon struct {
	opts  Options
	log   zerolog.Logger
	sched *scheduler.Scheduler

	mu            sync.Mutex
	exec          *executor.Executor
	workDir       string
	maxConcurrent int
}

// New loads the initial configuration and builds the service. A config error
// here is fatal; once running, errors only ever keep the previous config.
func New(opts Options, log zerolog.Logger) (*Daemon, error) {
	cfg, err := config.Load(opts.ConfigPath, log)
	if err != nil {
		return nil, err
	}
	d := &Daemon{opts: opts, log: log, maxConcurrent: cfg.MaxConcurrent}
	if err := d.apply(cfg); err != nil {
		return nil, err
	}
	d.sched = scheduler.New(d.runRule, cfg.MaxConcurrent, log)
	d.sched.Swap(cfg.Rules)
	return d, nil
}

// apply rebuilds the executor from a validated config. The scheduler keeps
// dispatching through d.runRule, so in-flight runs are never disturbed.
func (d *Daemon) apply(cfg *config.Config) error {
	locker, err := rulelock.NewDirLocker(cfg.Directory)
	if err != nil {
		return err
	}
	exec := executor.New(locker, notify.NewLog(d.log, cfg.Notify.Email), d.log)

	d.mu.Lock()
	d.exec = exec
	d.workDir = cfg.Directory
	d.mu.Unlock()
	return nil
}

func (d *Daemon) runRule(ctx context.Context, rule *config.Rule) {
	d.mu.Lock()
	exec := d.exec
	d.mu.Unlock()
	exec.Run(ctx, rule)
}

// Run blocks until ctx is cancelled, then waits for in-flight rule runs.
func (d *Daemon) Run(ctx context.Context) error {
	if _, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		d.log.Debug().Err(err).Msg("sd_notify unavailable")
	}
	d.log.Info().
		Str("config", d.opts.ConfigPath).
		Int("rules", len(d.sched.Rules())).
		Msg("daemon started")

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	changed := make(chan struct{}, 1)
	if d.opts.Watch {
		go d.watchConfig(ctx, changed)
	}

	go d.sched.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			sd.SdNotify(false, sd.SdNotifyStopping)
			d.log.Info().Msg("shutting down; waiting for in-flight runs")
			d.sched.Wait()
			d.log.Info().Msg("daemon stopped")
			return nil
		case <-hup:
			d.Reload("SIGHUP")
		case <-changed:
			d.Reload("config file changed")
		}
	}
}

// Reload re-reads the configuration. A failed load or apply keeps the
// previous rule set running untouched.
func (d *Daemon) Reload(reason string) {
	d.log.Info().Str("reason", reason).Msg("reloading configuration")
	sd.SdNotify(false, sd.SdNotifyReloading)
	defer sd.SdNotify(false, sd.SdNotifyReady)

	cfg, err := config.Load(d.opts.ConfigPath, d.log)
	if err != nil {
		d.log.Error().Err(err).Msg("reload failed; keeping previous configuration")
		return
	}
	if err := d.apply(cfg); err != nil {
		d.log.Error().Err(err).Msg("reload failed; keeping previous configuration")
		return
	}
	if cfg.MaxConcurrent != d.maxConcurrent {
		// The dispatch semaphore is sized at startup.
		d.log.Warn().
			Int("configured", cfg.MaxConcurrent).
			Int("active", d.maxConcurrent).
			Msg("max_concurrent change requires a restart")
	}
	d.sched.Swap(cfg.Rules)
	d.log.Info().Int("rules", len(cfg.Rules)).Msg("configuration reloaded")
}

// watchConfig reloads on filesystem changes to the config file. The watch is
// on the parent directory so editor rename-into-place saves are seen; events
// are debounced to let multi-step saves settle.
func (d *Daemon) watchConfig(ctx context.Context, changed chan<- struct{}) {
	dir := filepath.Dir(d.opts.ConfigPath)
	file := filepath.Base(d.opts.ConfigPath)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		d.log.Error().Err(err).Msg("config watch unavailable")
		return
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		d.log.Error().Err(err).Str("dir", dir).Msg("config watch unavailable")
		return
	}

	var timerMu sync.Mutex
	var timer *time.Timer
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			d.log.Warn().Err(err).Msg("config watch error")
		}
	}
}
