// Package systemd provides the systemd_failed audit and the systemd_restart
// repair.
package systemd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"entropy/internal/plugin"
	"entropy/pkg/logx"
	sm "entropy/pkg/systemdmanager"

	"github.com/benbjohnson/clock"
)

const (
	AuditID  = "systemd_failed"
	RepairID = "systemd_restart"
)

// Units is the slice of the systemd API the plugins use.
type Units interface {
	Status(ctx context.Context, name string) (sm.UnitStatus, error)
	Failed(ctx context.Context, names []string) ([]sm.UnitStatus, error)
	Restart(ctx context.Context, name string) error
	ResetFailed(ctx context.Context, name string) error
	Close() error
}

// Connector opens a Units session.
type Connector func(ctx context.Context) (Units, error)

// DBus connects to the system bus.
func DBus(ctx context.Context) (Units, error) {
	m, err := sm.New(ctx)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Report is the payload published by systemd_failed.
type Report struct {
	Host   string          `json:"host,omitempty"`
	Failed []sm.UnitStatus `json:"failed"`
}

type AuditOptions struct {
	// Units limits the audit to these units; empty means every unit.
	Units []string `json:"units"`
	Host  string   `json:"host"`
}

// Audit reports failed units.
type Audit struct {
	opts    AuditOptions
	connect Connector
	log     logx.Logger
}

func NewAudit(opts AuditOptions, connect Connector, log logx.Logger) *Audit {
	return &Audit{opts: opts, connect: connect, log: log}
}

func (a *Audit) Run(ctx context.Context) (any, error) {
	u, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer u.Close()

	failed, err := u.Failed(ctx, a.opts.Units)
	if err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		names := make([]string, 0, len(failed))
		for _, f := range failed {
			names = append(names, f.Name)
		}
		a.log.Warn("failed units", logx.Strings("units", names))
	}
	return Report{Host: a.opts.Host, Failed: failed}, nil
}

// Register adds systemd_failed and systemd_restart to reg. A nil connect
// uses the system bus; clk defaults to the wall clock.
func Register(reg *plugin.Registry, connect Connector, clk clock.Clock) error {
	if connect == nil {
		connect = DBus
	}
	if clk == nil {
		clk = clock.New()
	}
	err := reg.RegisterAudit(AuditID, func(d plugin.Deps) (plugin.AuditPlugin, error) {
		opts, err := plugin.DecodeOptions[AuditOptions](d.Options)
		if err != nil {
			return nil, fmt.Errorf("systemd_failed options: %w", err)
		}
		return NewAudit(opts, connect, d.Logger), nil
	})
	if err != nil {
		return err
	}
	return reg.RegisterRepair(RepairID, func(d plugin.Deps) (plugin.RepairPlugin, error) {
		opts, err := plugin.DecodeOptions[RepairOptions](d.Options)
		if err != nil {
			return nil, fmt.Errorf("systemd_restart options: %w", err)
		}
		return NewRepair(opts, connect, clk, d.Logger)
	})
}

func durationOr(field, s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s %q", field, s)
	}
	return d, nil
}
