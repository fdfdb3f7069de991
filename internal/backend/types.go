package backend

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"entropy/internal/bus"
)

var (
	// ErrConflict is returned by AddScript when the name is already registered.
	ErrConflict    = errors.New("script already registered")
	ErrNotFound    = errors.New("script not registered")
	ErrUnknownKind = errors.New("unknown script kind")
)

// Kind separates the audit and repair registries.
type Kind string

const (
	KindAudit  Kind = "audit"
	KindRepair Kind = "repair"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindAudit:
		return KindAudit, nil
	case KindRepair:
		return KindRepair, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Config configures the script registry.
//
// Driver values:
//   - "file": two append-only YAML registries (AuditCfg, RepairCfg)
//   - "sqlite": one SQLite database file (Path)
type Config struct {
	Driver      string
	AuditCfg    string
	RepairCfg   string
	Path        string
	BusyTimeout time.Duration
}

// Script is one registry entry. Data holds every key of the entry except name;
// "conf" (if present) points at a YAML file with the script's configuration.
type Script struct {
	Name string
	Data map[string]any
}

// Conf returns the entry's conf path, or "".
func (s Script) Conf() string {
	v, _ := s.Data["conf"].(string)
	return strings.TrimSpace(v)
}

// AuditDescriptor is what the engine needs to schedule and run one audit.
type AuditDescriptor struct {
	Name       string `json:"name"`
	Schedule   string `json:"schedule"`
	Module     string `json:"module"`
	RoutingKey string `json:"routing_key"`
	// Timeout bounds one run (Go duration string); empty uses the engine default.
	Timeout string `json:"timeout,omitempty"`
	bus.Credentials

	// Options carries every plugin-specific key not consumed above.
	Options map[string]any `json:"-"`
}

// RepairDescriptor is what the engine needs to start one repair reactor.
type RepairDescriptor struct {
	Name       string `json:"name"`
	Module     string `json:"module"`
	RoutingKey string `json:"routing_key"`
	// RateLimit caps handled messages per second; 0 means unlimited.
	RateLimit float64 `json:"rate_limit,omitempty"`
	bus.Credentials

	Options map[string]any `json:"-"`
}
