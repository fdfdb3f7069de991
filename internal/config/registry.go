package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"entropy/pkg/fileutil"
	"entropy/pkg/logx"
	"entropy/pkg/yamlx"

	yaml "go.yaml.in/yaml/v3"
)

var (
	ErrNoSuchEngine = errors.New("no such engine")
	ErrNoEngines    = errors.New("no engines registered")
	ErrEngineExists = errors.New("engine already registered")
)

// Manager reads and rewrites the engine registry file.
//
// Writes go through a temp file + rename so a change notifier watching the
// registry sees exactly one modification per write.
type Manager struct {
	path string
	log  logx.Logger

	mu sync.Mutex
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

func (m *Manager) Path() string { return m.path }

// Dir is the directory relative paths in the registry are resolved against.
func (m *Manager) Dir() string { return filepath.Dir(m.path) }

// Load parses the registry. A missing file is an empty registry.
func (m *Manager) Load() (Registry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Manager) loadLocked() (Registry, error) {
	b, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Registry{}, nil
	}
	if err != nil {
		return nil, err
	}
	return Parse(m.path, b)
}

// Parse decodes registry bytes; path selects YAML or JSON by extension.
func Parse(path string, b []byte) (Registry, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return Registry{}, nil
	}
	jb, err := yamlx.CoerceToJSON(path, b)
	if err != nil {
		return nil, err
	}
	if string(bytes.TrimSpace(jb)) == "null" {
		return Registry{}, nil
	}

	var reg Registry
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&reg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("%s: trailing data", path)
		}
		return nil, err
	}
	if reg == nil {
		reg = Registry{}
	}
	return reg, nil
}

// Get returns one engine's raw entry.
func (m *Manager) Get(name string) (EngineConfig, error) {
	reg, err := m.Load()
	if err != nil {
		return EngineConfig{}, err
	}
	cfg, ok := reg[name]
	if !ok {
		return EngineConfig{}, fmt.Errorf("%w: %q", ErrNoSuchEngine, name)
	}
	return cfg, nil
}

// Settings returns one engine's entry with defaults applied.
func (m *Manager) Settings(name string) (Settings, error) {
	cfg, err := m.Get(name)
	if err != nil {
		return Settings{}, err
	}
	return cfg.Resolve(name, m.Dir())
}

// List returns registered engine names, sorted.
func (m *Manager) List() ([]string, error) {
	reg, err := m.Load()
	if err != nil {
		return nil, err
	}
	if len(reg) == 0 {
		return nil, ErrNoEngines
	}
	names := make([]string, 0, len(reg))
	for n := range reg {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Add registers a new engine; an existing name is never overwritten.
func (m *Manager) Add(name string, cfg EngineConfig) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("engine name is required")
	}
	if _, err := cfg.Resolve(name, m.Dir()); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	reg, err := m.loadLocked()
	if err != nil {
		return err
	}
	if _, ok := reg[name]; ok {
		return fmt.Errorf("%w: %q", ErrEngineExists, name)
	}
	reg[name] = cfg
	if err := m.writeLocked(reg); err != nil {
		return err
	}
	m.log.Info("engine registered", logx.String("engine", name), logx.String("path", m.path))
	return nil
}

// SetEnabled flips one engine's enabled flag.
func (m *Manager) SetEnabled(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, err := m.loadLocked()
	if err != nil {
		return err
	}
	cfg, ok := reg[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoSuchEngine, name)
	}
	cfg.Enabled = &enabled
	reg[name] = cfg
	if err := m.writeLocked(reg); err != nil {
		return err
	}
	m.log.Info("engine enabled flag written",
		logx.String("engine", name), logx.Bool("enabled", enabled), logx.String("path", m.path))
	return nil
}

func (m *Manager) writeLocked(reg Registry) error {
	b, err := Marshal(m.path, reg)
	if err != nil {
		return err
	}
	return fileutil.WriteAtomic(m.path, b, 0o644)
}

// Marshal renders the registry as YAML or JSON depending on path's extension.
func Marshal(path string, reg Registry) ([]byte, error) {
	jb, err := json.Marshal(reg)
	if err != nil {
		return nil, err
	}
	if !yamlx.IsYAML(path) {
		var out bytes.Buffer
		if err := json.Indent(&out, jb, "", "  "); err != nil {
			return nil, err
		}
		out.WriteByte('\n')
		return out.Bytes(), nil
	}
	var v any
	if err := json.Unmarshal(jb, &v); err != nil {
		return nil, err
	}
	return yaml.Marshal(v)
}
