package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"entropy/pkg/fileutil"
	"entropy/pkg/logx"
	"entropy/pkg/yamlx"
)

// fileBackend keeps one multi-document YAML file per kind.
//
// Files:
//   - <audit_cfg>   one document per audit:  {name, conf, ...}
//   - <repair_cfg>  one document per repair: {name, conf, ...}
//
// Adds are appended; removals rewrite the file via temp + rename.
type fileBackend struct {
	log logx.Logger

	mu    sync.Mutex
	paths map[Kind]string
}

func openFile(cfg Config, log logx.Logger) (Backend, error) {
	auditPath := strings.TrimSpace(cfg.AuditCfg)
	repairPath := strings.TrimSpace(cfg.RepairCfg)
	if dir := strings.TrimSpace(cfg.Path); dir != "" {
		if auditPath == "" {
			auditPath = filepath.Join(dir, "audit.yaml")
		}
		if repairPath == "" {
			repairPath = filepath.Join(dir, "repair.yaml")
		}
	}
	if auditPath == "" || repairPath == "" {
		return nil, errors.New("file backend: audit_cfg and repair_cfg are required")
	}

	for _, p := range []string{auditPath, repairPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_RDONLY, 0o644)
		if err != nil {
			return nil, err
		}
		_ = f.Close()
	}

	return &fileBackend{
		log:   log,
		paths: map[Kind]string{KindAudit: auditPath, KindRepair: repairPath},
	}, nil
}

func (b *fileBackend) path(kind Kind) (string, error) {
	p, ok := b.paths[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return p, nil
}

// readLocked parses the registry for kind. Caller holds b.mu.
func (b *fileBackend) readLocked(kind Kind) ([]Script, error) {
	p, err := b.path(kind)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	docs, err := yamlx.DecodeDocuments(data)
	if err != nil {
		return nil, fmt.Errorf("%s registry %s: %w", kind, p, err)
	}
	out := make([]Script, 0, len(docs))
	for i, doc := range docs {
		name, _ := doc["name"].(string)
		if strings.TrimSpace(name) == "" {
			b.log.Warn("registry entry without name skipped",
				logx.String("kind", string(kind)), logx.String("path", p), logx.Int("doc", i+1))
			continue
		}
		delete(doc, "name")
		out = append(out, Script{Name: name, Data: doc})
	}
	return out, nil
}

func (b *fileBackend) list(ctx context.Context, kind Kind) ([]Script, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readLocked(kind)
}

func (b *fileBackend) ListAudits(ctx context.Context) ([]Script, error) {
	return b.list(ctx, KindAudit)
}

func (b *fileBackend) ListRepairs(ctx context.Context) ([]Script, error) {
	return b.list(ctx, KindRepair)
}

func (b *fileBackend) find(ctx context.Context, kind Kind, name string) (Script, error) {
	scripts, err := b.list(ctx, kind)
	if err != nil {
		return Script{}, err
	}
	for _, s := range scripts {
		if s.Name == name {
			return s, nil
		}
	}
	return Script{}, fmt.Errorf("%s %q: %w", kind, name, ErrNotFound)
}

func (b *fileBackend) AuditConfig(ctx context.Context, name string) (AuditDescriptor, error) {
	s, err := b.find(ctx, KindAudit, name)
	if err != nil {
		return AuditDescriptor{}, err
	}
	raw, err := resolveScript(s, filepath.Dir(b.paths[KindAudit]))
	if err != nil {
		return AuditDescriptor{}, err
	}
	return decodeAudit(raw)
}

func (b *fileBackend) RepairConfig(ctx context.Context, name string) (RepairDescriptor, error) {
	s, err := b.find(ctx, KindRepair, name)
	if err != nil {
		return RepairDescriptor{}, err
	}
	raw, err := resolveScript(s, filepath.Dir(b.paths[KindRepair]))
	if err != nil {
		return RepairDescriptor{}, err
	}
	return decodeRepair(raw)
}

func (b *fileBackend) ScriptExists(ctx context.Context, kind Kind, name string) (bool, error) {
	_, err := b.find(ctx, kind, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (b *fileBackend) AddScript(ctx context.Context, kind Kind, name string, data map[string]any) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, err := b.readLocked(kind)
	if err != nil {
		return err
	}
	for _, s := range existing {
		if s.Name == name {
			return fmt.Errorf("%s %q: %w", kind, name, ErrConflict)
		}
	}

	doc, err := yamlx.EncodeDocument(entryDoc(name, data))
	if err != nil {
		return err
	}
	p := b.paths[kind]
	f, err := os.OpenFile(p, os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	// A hand-edited file may lack the final newline; the separator must start its own line.
	if st, err := f.Stat(); err == nil && st.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, st.Size()-1); err == nil && last[0] != '\n' {
			doc = append([]byte{'\n'}, doc...)
		}
	}
	if _, err := f.Write(doc); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	b.log.Info("script registered", logx.String("kind", string(kind)), logx.String("name", name), logx.String("path", p))
	return nil
}

func (b *fileBackend) RemoveScript(ctx context.Context, kind Kind, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, err := b.readLocked(kind)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	found := false
	for _, s := range existing {
		if s.Name == name {
			found = true
			continue
		}
		doc, err := yamlx.EncodeDocument(entryDoc(s.Name, s.Data))
		if err != nil {
			return err
		}
		buf.Write(doc)
	}
	if !found {
		return fmt.Errorf("%s %q: %w", kind, name, ErrNotFound)
	}

	p := b.paths[kind]
	if err := fileutil.WriteAtomic(p, buf.Bytes(), 0o644); err != nil {
		return err
	}
	b.log.Info("script removed", logx.String("kind", string(kind)), logx.String("name", name), logx.String("path", p))
	return nil
}

func (b *fileBackend) Close() error { return nil }

func entryDoc(name string, data map[string]any) map[string]any {
	doc := make(map[string]any, len(data)+1)
	for k, v := range data {
		doc[k] = v
	}
	doc["name"] = name
	return doc
}
