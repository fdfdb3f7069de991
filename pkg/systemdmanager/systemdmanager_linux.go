//go:build linux

package systemdmanager

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager talks to the system bus.
type Manager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

// New connects to systemd over the system bus.
func New(ctx context.Context) (*Manager, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

func (m *Manager) get() (*dbus.Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return nil, ErrClosed
	}
	return m.conn, nil
}

// Status looks up one unit. A unit systemd does not know is returned with
// LoadState "not-found" rather than as an error.
func (m *Manager) Status(ctx context.Context, name string) (UnitStatus, error) {
	conn, err := m.get()
	if err != nil {
		return UnitStatus{}, err
	}
	unit := UnitName(name)

	units, err := conn.ListUnitsByPatternsContext(ctx, nil, []string{unit})
	if err == nil {
		for _, u := range units {
			if u.Name == unit {
				st := fromDBus(u)
				if !st.NotFound() && st.Active != "active" {
					if props, perr := conn.GetUnitPropertiesContext(ctx, unit); perr == nil {
						st.StateChange = parseTimestamp(props, "StateChangeTimestamp")
					}
				}
				return st, nil
			}
		}
	}

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return UnitStatus{Name: unit, Active: "unknown", SubState: "not-found", LoadState: "not-found"}, nil
		}
		return UnitStatus{}, fmt.Errorf("failed to get status for %s: %w", unit, err)
	}
	st := UnitStatus{Name: unit, StateChange: parseTimestamp(props, "StateChangeTimestamp")}
	st.Active, _ = props["ActiveState"].(string)
	st.SubState, _ = props["SubState"].(string)
	st.LoadState, _ = props["LoadState"].(string)
	st.Description, _ = props["Description"].(string)
	return st, nil
}

// Failed lists failed units. With names it only reports those units;
// without, every failed unit on the host.
func (m *Manager) Failed(ctx context.Context, names []string) ([]UnitStatus, error) {
	conn, err := m.get()
	if err != nil {
		return nil, err
	}
	var units []dbus.UnitStatus
	if len(names) == 0 {
		units, err = conn.ListUnitsFilteredContext(ctx, []string{"failed"})
	} else {
		patterns := make([]string, 0, len(names))
		for _, n := range names {
			if u := UnitName(n); u != "" {
				patterns = append(patterns, u)
			}
		}
		units, err = conn.ListUnitsByPatternsContext(ctx, []string{"failed"}, patterns)
	}
	if err != nil {
		return nil, fmt.Errorf("list failed units: %w", err)
	}
	out := make([]UnitStatus, 0, len(units))
	for _, u := range units {
		out = append(out, fromDBus(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Restart restarts a unit and waits for the job to finish or ctx to end.
func (m *Manager) Restart(ctx context.Context, name string) error {
	conn, err := m.get()
	if err != nil {
		return err
	}
	unit := UnitName(name)
	done := make(chan string, 1)
	if _, err := conn.RestartUnitContext(ctx, unit, "replace", done); err != nil {
		return fmt.Errorf("failed to restart %s: %w", unit, err)
	}
	select {
	case res := <-done:
		return jobResult(unit, "restart", res)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResetFailed clears the failed state so the unit can be started again
// after hitting its start limit.
func (m *Manager) ResetFailed(ctx context.Context, name string) error {
	conn, err := m.get()
	if err != nil {
		return err
	}
	if err := conn.ResetFailedUnitContext(ctx, UnitName(name)); err != nil && !isNoSuchUnitErr(err) {
		return fmt.Errorf("reset-failed %s: %w", name, err)
	}
	return nil
}

func fromDBus(u dbus.UnitStatus) UnitStatus {
	return UnitStatus{
		Name:        u.Name,
		Active:      u.ActiveState,
		SubState:    u.SubState,
		LoadState:   u.LoadState,
		Description: u.Description,
	}
}
