// Package systemdmanager wraps the systemd D-Bus API for the systemd audit
// and repair plugins.
package systemdmanager

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")
	ErrClosed      = errors.New("systemd connection is closed")
)

// UnitStatus is the state of one unit.
type UnitStatus struct {
	Name        string    `json:"name"`
	Active      string    `json:"active"`    // active, inactive, failed, ...
	SubState    string    `json:"sub_state"` // running, dead, ...
	LoadState   string    `json:"load_state"`
	Description string    `json:"description,omitempty"`
	StateChange time.Time `json:"state_change,omitzero"`
}

// Failed reports whether systemd considers the unit failed.
func (s UnitStatus) Failed() bool { return s.Active == "failed" }

// NotFound reports whether the unit is unknown to systemd.
func (s UnitStatus) NotFound() bool { return s.LoadState == "not-found" }

// UnitName appends ".service" unless the name already carries a unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	for _, suf := range []string{".service", ".socket", ".timer", ".mount", ".path", ".target", ".scope", ".slice"} {
		if strings.HasSuffix(name, suf) {
			return name
		}
	}
	return name + ".service"
}

func parseTimestamp(props map[string]any, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		// microseconds since the Unix epoch
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}

// jobResult maps a systemd job result string to an error.
func jobResult(unit, action, result string) error {
	if result == "done" {
		return nil
	}
	return errors.New(action + " " + unit + ": job " + result)
}
