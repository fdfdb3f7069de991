// Package engine runs one named self-healing engine: a serializer expands
// audit schedules into the run queue, a scheduler loop dispatches due audits
// to a bounded worker pool, and repair reactors consume published results.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"entropy/internal/backend"
	"entropy/internal/bus"
	"entropy/internal/config"
	"entropy/internal/plugin"
	"entropy/internal/runqueue"
	"entropy/internal/runtime/supervisor"
	"entropy/internal/task/pool"
	"entropy/pkg/logx"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
)

// State is the engine lifecycle state. Enabled -> Disabled is the only transition.
type State int32

const (
	StateEnabled State = iota
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config is everything an engine needs besides its collaborators.
type Config struct {
	Name string

	SerializerSchedule string
	// EngineTimeout bounds one idle wait of the scheduler loop.
	EngineTimeout time.Duration
	// AuditTimeout bounds one audit run unless the descriptor sets its own.
	AuditTimeout time.Duration

	MaxWorkers int
	QueueSize  int

	Exchange bus.Exchange

	// Watched files. EnginePath is the engine registry holding this engine's
	// entry; AuditCfg/RepairCfg are the script registries (file backend only).
	EnginePath string
	AuditCfg   string
	RepairCfg  string

	Logger logx.Logger
	Clock  clock.Clock
}

// EngineSource re-reads this engine's registry entry on change.
type EngineSource interface {
	Get(name string) (config.EngineConfig, error)
}

// Deps are the engine's collaborators. Backend, Plugins and Dialer are required.
type Deps struct {
	Backend  backend.Backend
	Plugins  *plugin.Registry
	Dialer   bus.Dialer
	Notifier config.Notifier
	Engines  EngineSource
}

// ConfigFromSettings maps resolved registry settings onto an engine Config.
func ConfigFromSettings(s config.Settings, enginePath string, log logx.Logger) Config {
	cfg := Config{
		Name:               s.Name,
		SerializerSchedule: s.SerializerSchedule,
		EngineTimeout:      s.EngineTimeout,
		AuditTimeout:       s.AuditTimeout,
		MaxWorkers:         s.MaxWorkers,
		QueueSize:          s.QueueSize,
		Exchange:           bus.Exchange{Name: s.ExchangeName, Kind: s.ExchangeKind},
		EnginePath:         enginePath,
		Logger:             log,
	}
	if s.BackendDriver == "file" {
		cfg.AuditCfg = s.AuditCfg
		cfg.RepairCfg = s.RepairCfg
	}
	return cfg
}

type Engine struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	clk  clock.Clock

	serializer cron.Schedule
	queue      *runqueue.Queue
	pool       *pool.Pool

	state       atomic.Int32
	disabled    chan struct{}
	disableOnce sync.Once
	started     atomic.Bool

	// loops hosts serializer, scheduler and notifier; canceled on Disable.
	loops *supervisor.Supervisor
	// repairs hosts one consumer per repair; canceled only by Stop.
	repairs *supervisor.Supervisor

	mu             sync.Mutex
	runningRepairs map[string]time.Time
	lastEngineCfg  config.EngineConfig
	audits         map[string]*auditStats
	ticks          uint64
	lastTick       time.Time
	lastTickErr    string
}

func New(cfg Config, deps Deps) (*Engine, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return nil, errors.New("engine name is required")
	}
	if deps.Backend == nil || deps.Plugins == nil || deps.Dialer == nil {
		return nil, errors.New("engine: backend, plugins and dialer are required")
	}
	if strings.TrimSpace(cfg.SerializerSchedule) == "" {
		cfg.SerializerSchedule = config.DefaultSerializerSchedule
	}
	sched, err := ParseSchedule(cfg.SerializerSchedule)
	if err != nil {
		return nil, fmt.Errorf("serializer schedule: %w", err)
	}
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = config.DefaultEngineTimeout
	}
	if cfg.AuditTimeout <= 0 {
		cfg.AuditTimeout = cfg.EngineTimeout
	}
	if cfg.Exchange.Name == "" {
		cfg.Exchange.Name = config.DefaultExchange
	}
	if cfg.Exchange.Kind == "" {
		cfg.Exchange.Kind = bus.KindFanout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	log := cfg.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("engine", cfg.Name))

	e := &Engine{
		cfg:            cfg,
		deps:           deps,
		log:            log,
		clk:            cfg.Clock,
		serializer:     sched,
		queue:          runqueue.NewWithClock(cfg.Clock),
		disabled:       make(chan struct{}),
		runningRepairs: map[string]time.Time{},
		audits:         map[string]*auditStats{},
	}
	e.pool = pool.New(pool.Config{Workers: cfg.MaxWorkers, QueueSize: cfg.QueueSize}, log.With(logx.String("comp", "pool")))
	if deps.Engines != nil {
		if cur, err := deps.Engines.Get(cfg.Name); err == nil {
			e.lastEngineCfg = cur
		}
	}
	return e, nil
}

func (e *Engine) Name() string { return e.cfg.Name }

func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) Enabled() bool { return e.State() == StateEnabled }

// Done is closed once the engine is disabled.
func (e *Engine) Done() <-chan struct{} { return e.disabled }

// Queue exposes the run queue for inspection.
func (e *Engine) Queue() *runqueue.Queue { return e.queue }

// Start lists the registries, starts repairs, the serializer, the scheduler
// and the change notifier. Backend errors propagate and abort the start.
func (e *Engine) Start(ctx context.Context) error {
	if !e.Enabled() {
		return ErrDisabled
	}
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	audits, err := e.deps.Backend.ListAudits(ctx)
	if err != nil {
		e.started.Store(false)
		return fmt.Errorf("engine %s: list audits: %w", e.cfg.Name, err)
	}
	repairs, err := e.deps.Backend.ListRepairs(ctx)
	if err != nil {
		e.started.Store(false)
		return fmt.Errorf("engine %s: list repairs: %w", e.cfg.Name, err)
	}

	e.pool.Start(ctx)
	e.repairs = supervisor.New(ctx, supervisor.WithLogger(e.log.With(logx.String("comp", "repairs"))))
	e.loops = supervisor.New(ctx, supervisor.WithLogger(e.log.With(logx.String("comp", "loops"))))

	for _, r := range repairs {
		e.startRepair(r.Name)
	}

	startAt := e.clk.Now()
	e.loops.Go("serializer", func(c context.Context) error { return e.serializerLoop(c, startAt) })
	e.loops.Go("scheduler", e.schedulerLoop)
	if e.deps.Notifier != nil {
		if cbs := e.callbacks(); len(cbs) > 0 {
			e.loops.Go("notifier", func(c context.Context) error { return e.deps.Notifier.Watch(c, cbs) })
		}
	}

	e.log.Info("engine started",
		logx.Int("audits", len(audits)),
		logx.Int("repairs", len(repairs)),
		logx.String("serializer_schedule", e.cfg.SerializerSchedule),
		logx.Duration("engine_timeout", e.cfg.EngineTimeout),
		logx.Int("max_workers", e.pool.Snapshot().Workers),
	)
	return nil
}

// Disable moves the engine to Disabled: the state flips first so the loops
// stop spawning work, then the run queue is cleared and closed, then the
// change notifier is stopped. Running repairs keep consuming until Stop.
func (e *Engine) Disable() {
	if !e.state.CompareAndSwap(int32(StateEnabled), int32(StateDisabled)) {
		return
	}
	dropped := e.queue.Close()
	if e.deps.Notifier != nil {
		e.deps.Notifier.Stop()
	}
	if e.loops != nil {
		e.loops.Cancel()
	}
	e.disableOnce.Do(func() { close(e.disabled) })
	e.log.Info("engine disabled", logx.Int("dropped_runs", dropped), logx.Time("at", e.clk.Now()))
}

// Stop disables the engine, cancels repairs and waits for loops, repairs
// and in-flight audits, bounded by ctx.
func (e *Engine) Stop(ctx context.Context) error {
	e.Disable()
	if !e.started.Load() {
		return nil
	}
	var errs []error
	if e.repairs != nil {
		if err := e.repairs.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, fmt.Errorf("repairs: %w", err))
		}
	}
	if e.loops != nil {
		if err := e.loops.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, fmt.Errorf("loops: %w", err))
		}
	}
	if err := e.pool.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pool: %w", err))
	}
	e.log.Info("engine stopped")
	return errors.Join(errs...)
}

func (e *Engine) callbacks() map[string]func() {
	cbs := map[string]func(){}
	if p := strings.TrimSpace(e.cfg.EnginePath); p != "" && e.deps.Engines != nil {
		cbs[p] = e.onEngineChange
	}
	if p := strings.TrimSpace(e.cfg.RepairCfg); p != "" {
		cbs[p] = e.onRepairsChange
	}
	if p := strings.TrimSpace(e.cfg.AuditCfg); p != "" {
		cbs[p] = e.onAuditsChange
	}
	return cbs
}

// onEngineChange re-reads this engine's registry entry.
func (e *Engine) onEngineChange() {
	cur, err := e.deps.Engines.Get(e.cfg.Name)
	if errors.Is(err, config.ErrNoSuchEngine) {
		e.log.Warn("engine entry removed from registry; disabling")
		e.Disable()
		return
	}
	if err != nil {
		e.log.Warn("engine registry reload failed", logx.Err(err))
		return
	}

	e.mu.Lock()
	prev := e.lastEngineCfg
	e.lastEngineCfg = cur
	e.mu.Unlock()

	if !cur.IsEnabled() {
		e.Disable()
		return
	}
	changed, attrs := config.SummarizeChange(prev, cur)
	if len(changed) == 0 {
		return
	}
	attrs = append(attrs, logx.Strings("changed", changed))
	if config.RequiresRestart(changed) {
		e.log.Warn("engine config changed; restart the engine to apply", attrs...)
		return
	}
	e.log.Info("engine config changed", attrs...)
}

// onRepairsChange starts repairs added since the last scan.
func (e *Engine) onRepairsChange() {
	if !e.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	repairs, err := e.deps.Backend.ListRepairs(ctx)
	if err != nil {
		e.log.Warn("repair registry reload failed", logx.Err(err))
		return
	}
	started := 0
	for _, r := range repairs {
		if e.startRepair(r.Name) {
			started++
		}
	}
	e.log.Info("repair registry changed", logx.Int("repairs", len(repairs)), logx.Int("started", started))
}

// Audits are re-read by every serializer tick; nothing to do but note it.
func (e *Engine) onAuditsChange() {
	e.log.Info("audit registry changed; applied at next serializer tick")
}
