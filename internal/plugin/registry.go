package plugin

import (
	"context"
	"fmt"
	"path"
	"runtime/debug"
	"strings"
	"sync"

	"entropy/internal/bus"
)

// Registry maps plugin identifiers to factories.
//
// Identifiers look like module paths ("audit/vm_count"). A module is resolved
// by trying, in order: the module as written, each search-path directory
// joined with the module's base name, then the bare base name.
type Registry struct {
	mu         sync.RWMutex
	audits     map[string]AuditFactory
	repairs    map[string]RepairFactory
	searchPath []string
}

func NewRegistry(searchPath ...string) *Registry {
	r := &Registry{
		audits:  map[string]AuditFactory{},
		repairs: map[string]RepairFactory{},
	}
	r.SetSearchPath(searchPath...)
	return r
}

// SetSearchPath replaces the directories tried during resolution.
func (r *Registry) SetSearchPath(dirs ...string) {
	clean := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if d = normalizeID(d); d != "" {
			clean = append(clean, d)
		}
	}
	r.mu.Lock()
	r.searchPath = clean
	r.mu.Unlock()
}

func (r *Registry) RegisterAudit(id string, f AuditFactory) error {
	id = normalizeID(id)
	if id == "" || f == nil {
		return fmt.Errorf("register audit plugin: invalid id %q or nil factory", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.audits[id]; ok {
		return fmt.Errorf("audit plugin %q already registered", id)
	}
	r.audits[id] = f
	return nil
}

func (r *Registry) RegisterRepair(id string, f RepairFactory) error {
	id = normalizeID(id)
	if id == "" || f == nil {
		return fmt.Errorf("register repair plugin: invalid id %q or nil factory", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.repairs[id]; ok {
		return fmt.Errorf("repair plugin %q already registered", id)
	}
	r.repairs[id] = f
	return nil
}

// ResolveAudit returns the factory for module and the identifier it matched.
func (r *Registry) ResolveAudit(module string) (AuditFactory, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tried := r.candidatesLocked(module)
	for _, id := range tried {
		if f, ok := r.audits[id]; ok {
			return f, id, nil
		}
	}
	return nil, "", &ResolutionError{Kind: "audit", Module: module, Tried: tried, Err: ErrNotFound}
}

// ResolveRepair returns the factory for module and the identifier it matched.
func (r *Registry) ResolveRepair(module string) (RepairFactory, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tried := r.candidatesLocked(module)
	for _, id := range tried {
		if f, ok := r.repairs[id]; ok {
			return f, id, nil
		}
	}
	return nil, "", &ResolutionError{Kind: "repair", Module: module, Tried: tried, Err: ErrNotFound}
}

// Audits lists registered audit identifiers.
func (r *Registry) Audits() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.audits))
	for id := range r.audits {
		out = append(out, id)
	}
	return out
}

// Repairs lists registered repair identifiers.
func (r *Registry) Repairs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.repairs))
	for id := range r.repairs {
		out = append(out, id)
	}
	return out
}

func (r *Registry) candidatesLocked(module string) []string {
	id := normalizeID(module)
	if id == "" {
		return nil
	}
	base := path.Base(id)
	out := []string{id}
	seen := map[string]bool{id: true}
	add := func(c string) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, dir := range r.searchPath {
		add(dir + "/" + base)
	}
	add(base)
	return out
}

// normalizeID turns file-ish module references ("./audit/vm_count.py",
// "audit\\vm_count") into registry identifiers ("audit/vm_count").
func normalizeID(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\\", "/"))
	if s == "" {
		return ""
	}
	s = path.Clean(s)
	s = strings.TrimPrefix(s, "./")
	s = strings.TrimPrefix(s, "/")
	if ext := path.Ext(s); ext != "" && !strings.Contains(ext, "/") {
		s = strings.TrimSuffix(s, ext)
	}
	if s == "." {
		return ""
	}
	return s
}

// SafeRun invokes p.Run converting a panic into an error.
func SafeRun(ctx context.Context, p AuditPlugin) (payload any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return p.Run(ctx)
}

// SafeReact invokes p.React converting a panic into an error.
func SafeReact(ctx context.Context, p RepairPlugin, msg bus.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return p.React(ctx, msg)
}

// PanicError carries a recovered plugin panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("plugin panic: %v", e.Value) }
