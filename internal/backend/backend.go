// Package backend provides the script registry used by engines.
//
// Two drivers exist: a flat-file YAML registry and an SQLite database.
// Both enforce unique names per kind and never overwrite an existing entry.
package backend

import (
	"context"
	"errors"
	"strings"

	"entropy/pkg/logx"
)

// Backend abstracts script-registry storage.
type Backend interface {
	ListAudits(ctx context.Context) ([]Script, error)
	ListRepairs(ctx context.Context) ([]Script, error)
	AuditConfig(ctx context.Context, name string) (AuditDescriptor, error)
	RepairConfig(ctx context.Context, name string) (RepairDescriptor, error)
	ScriptExists(ctx context.Context, kind Kind, name string) (bool, error)
	// AddScript fails with ErrConflict if name is already registered for kind.
	AddScript(ctx context.Context, kind Kind, name string, data map[string]any) error
	RemoveScript(ctx context.Context, kind Kind, name string) error
	Close() error
}

// Open initializes the configured backend. An empty driver means "file".
func Open(cfg Config, log logx.Logger) (Backend, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown backend driver: " + driver)
	}
}
