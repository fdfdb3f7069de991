package systemd

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"entropy/internal/bus"
	"entropy/pkg/logx"
	sm "entropy/pkg/systemdmanager"

	"github.com/benbjohnson/clock"
)

type RepairOptions struct {
	// AllowUnits restricts restarts to these units; empty allows any
	// reported unit.
	AllowUnits     []string `json:"allow_units"`
	RestartTimeout string   `json:"restart_timeout"`
	BackoffBase    string   `json:"backoff_base"`
	BackoffMax     string   `json:"backoff_max"`
	// ResetFailed clears the unit's failed state before restarting it.
	ResetFailed bool `json:"reset_failed"`
}

type unitState struct {
	failStreak int
	nextTry    time.Time
	lastErr    string
}

// Repair restarts units reported failed, backing off per unit after a
// failed restart.
type Repair struct {
	allow          map[string]bool
	restartTimeout time.Duration
	backoffBase    time.Duration
	backoffMax     time.Duration
	resetFailed    bool

	connect Connector
	clk     clock.Clock
	log     logx.Logger

	mu    sync.Mutex
	state map[string]*unitState
}

func NewRepair(opts RepairOptions, connect Connector, clk clock.Clock, log logx.Logger) (*Repair, error) {
	r := &Repair{
		allow:       map[string]bool{},
		resetFailed: opts.ResetFailed,
		connect:     connect,
		clk:         clk,
		log:         log,
		state:       map[string]*unitState{},
	}
	var err error
	if r.restartTimeout, err = durationOr("restart_timeout", opts.RestartTimeout, 15*time.Second); err != nil {
		return nil, err
	}
	if r.backoffBase, err = durationOr("backoff_base", opts.BackoffBase, 5*time.Second); err != nil {
		return nil, err
	}
	if r.backoffMax, err = durationOr("backoff_max", opts.BackoffMax, 5*time.Minute); err != nil {
		return nil, err
	}
	if r.backoffMax < r.backoffBase {
		r.backoffMax = r.backoffBase
	}
	for _, u := range opts.AllowUnits {
		if u = sm.UnitName(u); u != "" {
			r.allow[u] = true
		}
	}
	return r, nil
}

func (r *Repair) React(ctx context.Context, msg bus.Message) error {
	var rep Report
	if err := msg.Decode(&rep); err != nil {
		return fmt.Errorf("systemd_restart: decode payload from %s: %w", msg.Source, err)
	}
	targets := r.targets(rep.Failed)
	if len(targets) == 0 {
		return nil
	}

	u, err := r.connect(ctx)
	if err != nil {
		return err
	}
	defer u.Close()

	var failed []string
	for _, unit := range targets {
		if err := r.recover(ctx, u, unit); err != nil {
			failed = append(failed, unit)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("systemd_restart: restart failed for %s", strings.Join(failed, ", "))
	}
	return nil
}

// targets filters reported units by the allowlist and per-unit backoff.
func (r *Repair) targets(reported []sm.UnitStatus) []string {
	now := r.clk.Now()
	seen := map[string]bool{}
	var out []string

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range reported {
		unit := sm.UnitName(st.Name)
		if unit == "" || seen[unit] || st.NotFound() {
			continue
		}
		seen[unit] = true
		if len(r.allow) > 0 && !r.allow[unit] {
			r.log.Debug("unit not in allowlist; skipped", logx.String("unit", unit))
			continue
		}
		if us := r.state[unit]; us != nil && now.Before(us.nextTry) {
			r.log.Debug("unit in backoff; skipped", logx.String("unit", unit), logx.Time("next_try", us.nextTry))
			continue
		}
		out = append(out, unit)
	}
	sort.Strings(out)
	return out
}

func (r *Repair) recover(ctx context.Context, u Units, unit string) error {
	// The report may be stale by the time it is consumed.
	if st, err := u.Status(ctx, unit); err == nil && st.Active == "active" {
		r.clear(unit)
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, r.restartTimeout)
	defer cancel()
	if r.resetFailed {
		if err := u.ResetFailed(opCtx, unit); err != nil {
			r.log.Warn("reset-failed failed", logx.String("unit", unit), logx.Err(err))
		}
	}
	err := u.Restart(opCtx, unit)
	if err == nil {
		r.clear(unit)
		r.log.Info("unit restarted", logx.String("unit", unit))
		return nil
	}

	now := r.clk.Now()
	r.mu.Lock()
	us := r.state[unit]
	if us == nil {
		us = &unitState{}
		r.state[unit] = us
	}
	us.failStreak++
	us.lastErr = err.Error()
	backoff := r.backoff(us.failStreak)
	us.nextTry = now.Add(backoff)
	streak := us.failStreak
	r.mu.Unlock()

	r.log.Warn("unit restart failed",
		logx.String("unit", unit),
		logx.Int("streak", streak),
		logx.Duration("backoff", backoff),
		logx.Err(err),
	)
	return err
}

// backoff doubles from the base per consecutive failure, capped at max,
// with 0.7..1.3 jitter.
func (r *Repair) backoff(streak int) time.Duration {
	b := r.backoffBase
	if streak > 1 {
		shift := min(streak-1, 30)
		b = r.backoffBase * time.Duration(1<<shift)
	}
	if b > r.backoffMax || b <= 0 {
		b = r.backoffMax
	}
	return time.Duration(float64(b) * (0.7 + rand.Float64()*0.6))
}

func (r *Repair) clear(unit string) {
	r.mu.Lock()
	delete(r.state, unit)
	r.mu.Unlock()
}
