package backend

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"entropy/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteBackend struct {
	db      *sql.DB
	log     logx.Logger
	confDir string
}

func openSQLite(cfg Config, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite backend: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	b := &sqliteBackend{db: db, log: log, confDir: filepath.Dir(path)}
	if err := b.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *sqliteBackend) migrate(ctx context.Context) error {
	q, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, string(q))
	return err
}

func (b *sqliteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *sqliteBackend) list(ctx context.Context, kind Kind) ([]Script, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT name, data FROM scripts WHERE kind = ? ORDER BY created_at, rowid`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Script
	for rows.Next() {
		var name, data string
		if err := rows.Scan(&name, &data); err != nil {
			return nil, err
		}
		s, err := decodeRow(name, data)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *sqliteBackend) ListAudits(ctx context.Context) ([]Script, error) {
	return b.list(ctx, KindAudit)
}

func (b *sqliteBackend) ListRepairs(ctx context.Context) ([]Script, error) {
	return b.list(ctx, KindRepair)
}

func (b *sqliteBackend) get(ctx context.Context, kind Kind, name string) (Script, error) {
	var data string
	err := b.db.QueryRowContext(ctx,
		`SELECT data FROM scripts WHERE kind = ? AND name = ?`, string(kind), name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Script{}, fmt.Errorf("%s %q: %w", kind, name, ErrNotFound)
	}
	if err != nil {
		return Script{}, err
	}
	return decodeRow(name, data)
}

func (b *sqliteBackend) AuditConfig(ctx context.Context, name string) (AuditDescriptor, error) {
	s, err := b.get(ctx, KindAudit, name)
	if err != nil {
		return AuditDescriptor{}, err
	}
	raw, err := resolveScript(s, b.confDir)
	if err != nil {
		return AuditDescriptor{}, err
	}
	return decodeAudit(raw)
}

func (b *sqliteBackend) RepairConfig(ctx context.Context, name string) (RepairDescriptor, error) {
	s, err := b.get(ctx, KindRepair, name)
	if err != nil {
		return RepairDescriptor{}, err
	}
	raw, err := resolveScript(s, b.confDir)
	if err != nil {
		return RepairDescriptor{}, err
	}
	return decodeRepair(raw)
}

func (b *sqliteBackend) ScriptExists(ctx context.Context, kind Kind, name string) (bool, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return false, err
	}
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM scripts WHERE kind = ? AND name = ?`, string(kind), name).Scan(&n)
	return n > 0, err
}

func (b *sqliteBackend) AddScript(ctx context.Context, kind Kind, name string, data map[string]any) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}
	if err := validName(name); err != nil {
		return err
	}
	payload := make(map[string]any, len(data))
	for k, v := range data {
		if k != "name" {
			payload[k] = v
		}
	}
	enc, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM scripts WHERE kind = ? AND name = ?`, string(kind), name).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%s %q: %w", kind, name, ErrConflict)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO scripts(kind, name, data, created_at) VALUES(?,?,?,?)`,
		string(kind), name, string(enc), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%s %q: %w", kind, name, ErrConflict)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	b.log.Info("script registered", logx.String("kind", string(kind)), logx.String("name", name))
	return nil
}

func (b *sqliteBackend) RemoveScript(ctx context.Context, kind Kind, name string) error {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM scripts WHERE kind = ? AND name = ?`, string(kind), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %q: %w", kind, name, ErrNotFound)
	}
	b.log.Info("script removed", logx.String("kind", string(kind)), logx.String("name", name))
	return nil
}

func decodeRow(name, data string) (Script, error) {
	m := map[string]any{}
	if strings.TrimSpace(data) != "" {
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return Script{}, fmt.Errorf("script %q: corrupt data: %w", name, err)
		}
	}
	return Script{Name: name, Data: m}, nil
}
