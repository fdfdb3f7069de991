package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"entropy/internal/backend"
	"entropy/internal/config"
	"entropy/internal/engine"
	"entropy/internal/plugin"
	"entropy/pkg/logx"
)

var ErrEngineRequired = errors.New("several engines registered; pick one with --engine")

// Registrar performs the one-shot registry edits behind the CLI.
type Registrar struct {
	engines *config.Manager
	plugins *plugin.Registry
	log     logx.Logger
}

// NewRegistrar edits the engine registry at enginesPath. plugins may be nil,
// in which case script modules are not checked at registration.
func NewRegistrar(enginesPath string, plugins *plugin.Registry, log logx.Logger) *Registrar {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := config.NewManager(enginesPath)
	m.SetLogger(log.With(logx.String("comp", "config")))
	return &Registrar{engines: m, plugins: plugins, log: log}
}

// EngineInfo is one row of ListEngines.
type EngineInfo struct {
	Name    string
	Enabled bool
	Backend string
	Bus     string
}

// resolveEngine maps an empty name to the only registered engine.
func (r *Registrar) resolveEngine(name string) (config.Settings, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		names, err := r.engines.List()
		if err != nil {
			return config.Settings{}, err
		}
		if len(names) > 1 {
			return config.Settings{}, fmt.Errorf("%w (%s)", ErrEngineRequired, strings.Join(names, ", "))
		}
		name = names[0]
	}
	return r.engines.Settings(name)
}

func (r *Registrar) openBackend(engineName string) (backend.Backend, config.Settings, error) {
	s, err := r.resolveEngine(engineName)
	if err != nil {
		return nil, config.Settings{}, err
	}
	b, err := backend.Open(backend.Config{
		Driver:      s.BackendDriver,
		AuditCfg:    s.AuditCfg,
		RepairCfg:   s.RepairCfg,
		Path:        s.BackendPath,
		BusyTimeout: s.BackendBusyTimeout,
	}, r.log.With(logx.String("comp", "backend")))
	if err != nil {
		return nil, config.Settings{}, err
	}
	return b, s, nil
}

// Register validates the script's conf and appends it to the engine's
// registry. The conf path is stored absolute. A name already registered
// for kind fails with backend.ErrConflict.
func (r *Registrar) Register(ctx context.Context, engineName string, kind backend.Kind, name, conf string) error {
	name = strings.TrimSpace(name)
	if strings.TrimSpace(conf) == "" {
		return errors.New("conf path is required")
	}
	abs, err := filepath.Abs(conf)
	if err != nil {
		return err
	}
	data := map[string]any{"conf": abs}
	if err := r.validate(kind, name, data); err != nil {
		return err
	}

	b, s, err := r.openBackend(engineName)
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.AddScript(ctx, kind, name, data); err != nil {
		return err
	}
	r.log.Info("script registered",
		logx.String("engine", s.Name),
		logx.String("kind", string(kind)),
		logx.String("name", name),
		logx.String("conf", abs),
	)
	return nil
}

func (r *Registrar) validate(kind backend.Kind, name string, data map[string]any) error {
	switch kind {
	case backend.KindAudit:
		d, err := backend.DescribeAudit(name, data, "")
		if err != nil {
			return err
		}
		if _, err := engine.ParseSchedule(d.Schedule); err != nil {
			return fmt.Errorf("audit %q: %w", name, err)
		}
		if r.plugins != nil {
			if _, _, err := r.plugins.ResolveAudit(d.Module); err != nil {
				return err
			}
		}
		return nil
	case backend.KindRepair:
		d, err := backend.DescribeRepair(name, data, "")
		if err != nil {
			return err
		}
		if r.plugins != nil {
			if _, _, err := r.plugins.ResolveRepair(d.Module); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", backend.ErrUnknownKind, kind)
	}
}

// Unregister removes a script entry; running engines drop it on their next pass.
func (r *Registrar) Unregister(ctx context.Context, engineName string, kind backend.Kind, name string) error {
	b, s, err := r.openBackend(engineName)
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.RemoveScript(ctx, kind, name); err != nil {
		return err
	}
	r.log.Info("script unregistered",
		logx.String("engine", s.Name), logx.String("kind", string(kind)), logx.String("name", name))
	return nil
}

// AddEngine registers a new engine entry; it never overwrites one.
func (r *Registrar) AddEngine(name string, cfg config.EngineConfig) error {
	return r.engines.Add(name, cfg)
}

// StopEngine writes enabled: false; a running engine disables itself when
// its change notifier sees the write.
func (r *Registrar) StopEngine(name string) error {
	return r.engines.SetEnabled(name, false)
}

// EnableEngine writes enabled: true so start-engine accepts the entry again.
func (r *Registrar) EnableEngine(name string) error {
	return r.engines.SetEnabled(name, true)
}

func (r *Registrar) ListEngines() ([]EngineInfo, error) {
	names, err := r.engines.List()
	if err != nil {
		return nil, err
	}
	out := make([]EngineInfo, 0, len(names))
	for _, n := range names {
		s, err := r.engines.Settings(n)
		if err != nil {
			return nil, err
		}
		out = append(out, EngineInfo{Name: n, Enabled: s.Enabled, Backend: s.BackendDriver, Bus: s.BusDriver})
	}
	return out, nil
}

// Scripts lists the audit and repair names registered for one engine, sorted.
func (r *Registrar) Scripts(ctx context.Context, engineName string) (audits, repairs []string, err error) {
	b, _, err := r.openBackend(engineName)
	if err != nil {
		return nil, nil, err
	}
	defer b.Close()
	as, err := b.ListAudits(ctx)
	if err != nil {
		return nil, nil, err
	}
	rs, err := b.ListRepairs(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, s := range as {
		audits = append(audits, s.Name)
	}
	for _, s := range rs {
		repairs = append(repairs, s.Name)
	}
	slices.Sort(audits)
	slices.Sort(repairs)
	return audits, repairs, nil
}
