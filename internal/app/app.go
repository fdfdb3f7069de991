// Package app wires one engine process: settings, logging, the script
// backend, the message bus, the plugin registry and the change notifier.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coreos/go-systemd/v22/daemon"

	"entropy/internal/backend"
	"entropy/internal/bus"
	"entropy/internal/config"
	"entropy/internal/engine"
	"entropy/internal/plugin"
	"entropy/pkg/logx"
)

// Options override collaborators Open would otherwise build from settings.
type Options struct {
	// Plugins is required.
	Plugins *plugin.Registry

	Dialer   bus.Dialer
	Notifier config.Notifier
	// Logger replaces the logging service configured by the engine entry.
	Logger logx.Logger
	Clock  clock.Clock
	// Notify reports service state ("READY=1", "STOPPING=1"). Defaults to sd_notify.
	Notify func(state string)

	StopTimeout time.Duration
}

type App struct {
	settings config.Settings

	log  logx.Logger
	logs *logx.Service

	backend backend.Backend
	dialer  bus.Dialer
	engine  *engine.Engine

	notify      func(string)
	stopTimeout time.Duration
}

const defaultStopTimeout = 10 * time.Second

// Open resolves engine name from the registry at enginesPath and builds it.
// The engine is not started.
func Open(enginesPath, name string, opts Options) (*App, error) {
	if opts.Plugins == nil {
		return nil, errors.New("app: plugin registry is required")
	}
	mgr := config.NewManager(enginesPath)
	s, err := mgr.Settings(name)
	if err != nil {
		return nil, err
	}
	if !s.Enabled {
		return nil, fmt.Errorf("%w: %q", engine.ErrDisabled, name)
	}

	a := &App{settings: s, notify: opts.Notify, stopTimeout: opts.StopTimeout}
	if a.stopTimeout <= 0 {
		a.stopTimeout = defaultStopTimeout
	}
	if a.notify == nil {
		a.notify = sdNotify
	}

	log := opts.Logger
	if log.IsZero() {
		a.logs, log = logx.New(logx.Config{
			Level:   s.Logging.Level,
			Console: s.Logging.Console,
			File: logx.FileConfig{
				Enabled: s.Logging.File.Enabled,
				Path:    s.Logging.File.Path,
			},
			Journald: s.Logging.Journald,
		})
	}
	a.log = log.With(logx.String("comp", "app"), logx.String("engine", name))
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	a.backend, err = backend.Open(backend.Config{
		Driver:      s.BackendDriver,
		AuditCfg:    s.AuditCfg,
		RepairCfg:   s.RepairCfg,
		Path:        s.BackendPath,
		BusyTimeout: s.BackendBusyTimeout,
	}, log.With(logx.String("comp", "backend")))
	if err != nil {
		a.Close()
		return nil, err
	}

	a.dialer = opts.Dialer
	if a.dialer == nil {
		a.dialer, err = bus.Open(bus.Config{Driver: s.BusDriver, URL: s.BusURL, Prefetch: s.BusPrefetch})
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	if len(s.PluginSearchPath) > 0 {
		opts.Plugins.SetSearchPath(s.PluginSearchPath...)
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = config.NewFSNotifier(log.With(logx.String("comp", "notifier")), config.DefaultDebounce)
	}

	cfg := engine.ConfigFromSettings(s, mgr.Path(), log)
	cfg.Clock = opts.Clock
	a.engine, err = engine.New(cfg, engine.Deps{
		Backend:  a.backend,
		Plugins:  opts.Plugins,
		Dialer:   a.dialer,
		Notifier: notifier,
		Engines:  mgr,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) Engine() *engine.Engine { return a.engine }

func (a *App) Settings() config.Settings { return a.settings }

// Run starts the engine and blocks until ctx is done or the engine disables
// itself, then stops it. Resources are released before Run returns.
func (a *App) Run(ctx context.Context) (StopReason, error) {
	defer a.Close()

	if err := a.engine.Start(ctx); err != nil {
		a.log.Error("engine start failed", logx.Err(err))
		return StopStartFailed, err
	}
	a.notify(daemon.SdNotifyReady)
	a.log.Info("running", logx.String("backend", a.settings.BackendDriver), logx.String("bus", a.settings.BusDriver))

	reason := StopUnknown
	select {
	case <-ctx.Done():
		reason = StopSignal
	case <-a.engine.Done():
		reason = StopDisabled
	}
	a.notify(daemon.SdNotifyStopping)
	return reason, a.Stop(context.WithoutCancel(ctx), reason)
}

// Stop stops the engine within the configured bound.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	err := a.step(ctx, "engine", a.stopTimeout, a.engine.Stop)
	if err != nil {
		return err
	}
	snap := a.engine.Snapshot()
	a.log.Info("stopped",
		logx.String("state", snap.State),
		logx.Uint64("serializer_ticks", snap.SerializerTicks),
		logx.Int("audits", len(snap.Audits)),
	)
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. fn must honor its ctx.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			return err
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		return nil
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
		return fmt.Errorf("stop step %s: %w", name, stepCtx.Err())
	}
}

// Close releases the backend, the bus dialer and the log sinks. Safe to call twice.
func (a *App) Close() error {
	var errs []error
	if a.backend != nil {
		errs = append(errs, a.backend.Close())
		a.backend = nil
	}
	if a.dialer != nil {
		errs = append(errs, a.dialer.Close())
		a.dialer = nil
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
		a.logs = nil
	}
	return errors.Join(errs...)
}

func sdNotify(state string) {
	_, _ = daemon.SdNotify(false, state)
}
