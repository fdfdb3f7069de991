package config

import (
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultSerializerSchedule = "*/10 * * * *"
	DefaultEngineTimeout      = 30 * time.Second
	DefaultMaxWorkers         = 8
	DefaultQueueSize          = 256
	DefaultExchange           = "entropy_exchange"
	DefaultExchangeKind       = "fanout"
)

// Registry is the on-disk engine registry: engine name -> engine config.
type Registry map[string]EngineConfig

// EngineConfig is one engine's entry in the registry.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - serializer_schedule: "*/10 * * * *"
//   - engine_timeout: "30s"
//   - max_workers: 8
//   - queue_size: 256
//   - audit_timeout: engine_timeout
//   - exchange: entropy_exchange (fanout)
//   - backend.driver: file
//   - bus.driver: memory
//
// Enabled is a pointer so we can distinguish "omitted" from an explicit false.
type EngineConfig struct {
	Enabled   *bool  `json:"enabled,omitempty"`
	AuditCfg  string `json:"audit_cfg,omitempty"`
	RepairCfg string `json:"repair_cfg,omitempty"`

	Backend BackendConfig `json:"backend,omitzero"`

	SerializerSchedule string `json:"serializer_schedule,omitempty"`
	EngineTimeout      string `json:"engine_timeout,omitempty"`
	MaxWorkers         int    `json:"max_workers,omitempty"`
	QueueSize          int    `json:"queue_size,omitempty"`
	AuditTimeout       string `json:"audit_timeout,omitempty"`

	Exchange ExchangeConfig `json:"exchange,omitzero"`
	Bus      BusConfig      `json:"bus,omitzero"`

	// PluginSearchPath lists module directories tried when resolving a
	// script's module (e.g. "audit" for "audit/vm_count").
	PluginSearchPath []string `json:"plugin_search_path,omitempty"`

	Logging LoggingConfig `json:"logging,omitzero"`
}

// IsEnabled reports the effective enabled flag (omitted means enabled).
func (c EngineConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// BackendConfig selects the script registry storage.
//
// Example:
//
//	backend: { driver: sqlite, path: ./registry.db, busy_timeout: 5s }
type BackendConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type ExchangeConfig struct {
	Name string `json:"name,omitempty"`
	Kind string `json:"kind,omitempty"`
}

// BusConfig selects the message bus. URL overrides the per-script mq_* credentials.
type BusConfig struct {
	Driver   string `json:"driver,omitempty"`
	URL      string `json:"url,omitempty"`
	Prefetch int    `json:"prefetch,omitempty"`
}

type LoggingConfig struct {
	Level    string      `json:"level,omitempty"`
	Console  bool        `json:"console,omitempty"`
	File     LoggingFile `json:"file,omitzero"`
	Journald bool        `json:"journald,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Settings is an EngineConfig with defaults applied, durations parsed and
// relative paths resolved against the registry directory.
type Settings struct {
	Name    string
	Enabled bool

	AuditCfg  string
	RepairCfg string

	BackendDriver      string
	BackendPath        string
	BackendBusyTimeout time.Duration

	SerializerSchedule string
	EngineTimeout      time.Duration
	AuditTimeout       time.Duration
	MaxWorkers         int
	QueueSize          int

	ExchangeName string
	ExchangeKind string

	BusDriver   string
	BusURL      string
	BusPrefetch int

	PluginSearchPath []string
	Logging          LoggingConfig
}

// Resolve applies defaults to c. baseDir anchors relative paths (normally the
// directory holding the engine registry).
func (c EngineConfig) Resolve(name, baseDir string) (Settings, error) {
	s := Settings{
		Name:               name,
		Enabled:            c.IsEnabled(),
		AuditCfg:           resolvePath(baseDir, c.AuditCfg),
		RepairCfg:          resolvePath(baseDir, c.RepairCfg),
		BackendDriver:      strings.ToLower(strings.TrimSpace(c.Backend.Driver)),
		BackendPath:        resolvePath(baseDir, c.Backend.Path),
		SerializerSchedule: strings.TrimSpace(c.SerializerSchedule),
		MaxWorkers:         c.MaxWorkers,
		QueueSize:          c.QueueSize,
		ExchangeName:       strings.TrimSpace(c.Exchange.Name),
		ExchangeKind:       strings.ToLower(strings.TrimSpace(c.Exchange.Kind)),
		BusDriver:          strings.ToLower(strings.TrimSpace(c.Bus.Driver)),
		BusURL:             strings.TrimSpace(c.Bus.URL),
		BusPrefetch:        c.Bus.Prefetch,
		Logging:            c.Logging,
	}
	if s.BackendDriver == "" {
		s.BackendDriver = "file"
	}
	if s.SerializerSchedule == "" {
		s.SerializerSchedule = DefaultSerializerSchedule
	}
	if s.MaxWorkers <= 0 {
		s.MaxWorkers = DefaultMaxWorkers
	}
	if s.QueueSize <= 0 {
		s.QueueSize = DefaultQueueSize
	}
	if s.ExchangeName == "" {
		s.ExchangeName = DefaultExchange
	}
	if s.ExchangeKind == "" {
		s.ExchangeKind = DefaultExchangeKind
	}
	if s.BusDriver == "" {
		s.BusDriver = "memory"
	}
	for _, p := range c.PluginSearchPath {
		if p = strings.TrimSpace(p); p != "" {
			s.PluginSearchPath = append(s.PluginSearchPath, p)
		}
	}
	if s.Logging.File.Enabled {
		s.Logging.File.Path = resolvePath(baseDir, s.Logging.File.Path)
	}

	var err error
	prefix := "engines." + name
	if s.BackendBusyTimeout, err = ParseDurationField(prefix+".backend.busy_timeout", c.Backend.BusyTimeout); err != nil {
		return Settings{}, err
	}
	if s.EngineTimeout, err = ParseDurationOrDefault(prefix+".engine_timeout", c.EngineTimeout, DefaultEngineTimeout); err != nil {
		return Settings{}, err
	}
	if s.AuditTimeout, err = ParseDurationOrDefault(prefix+".audit_timeout", c.AuditTimeout, s.EngineTimeout); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func resolvePath(baseDir, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}
