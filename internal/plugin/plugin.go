// Package plugin defines the audit/repair plugin contract and the registry
// that maps a script's module identifier to a plugin factory.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"entropy/internal/bus"
	"entropy/pkg/logx"
)

// ErrNotFound is wrapped by ResolutionError when no factory matches a module.
var ErrNotFound = errors.New("plugin not found")

// AuditPlugin runs one check and returns the payload to publish.
type AuditPlugin interface {
	Run(ctx context.Context) (any, error)
}

// RepairPlugin reacts to one published audit result.
type RepairPlugin interface {
	React(ctx context.Context, msg bus.Message) error
}

// AuditFunc adapts a function to AuditPlugin.
type AuditFunc func(ctx context.Context) (any, error)

func (f AuditFunc) Run(ctx context.Context) (any, error) { return f(ctx) }

// RepairFunc adapts a function to RepairPlugin.
type RepairFunc func(ctx context.Context, msg bus.Message) error

func (f RepairFunc) React(ctx context.Context, msg bus.Message) error { return f(ctx, msg) }

// Deps is what a factory gets to build one plugin instance.
type Deps struct {
	// Script is the registry name of the audit/repair.
	Script string
	// Options are the descriptor keys the engine does not interpret itself.
	Options map[string]any
	Logger  logx.Logger
}

type AuditFactory func(deps Deps) (AuditPlugin, error)

type RepairFactory func(deps Deps) (RepairPlugin, error)

// ResolutionError reports a module that no registered plugin matches.
type ResolutionError struct {
	Kind   string
	Module string
	Tried  []string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s plugin %q (tried %s): %v", e.Kind, e.Module, strings.Join(e.Tried, ", "), e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// DecodeOptions decodes plugin options into a typed config struct.
func DecodeOptions[T any](opts map[string]any) (T, error) {
	var out T
	if len(opts) == 0 {
		return out, nil
	}
	b, err := json.Marshal(opts)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, err
	}
	return out, nil
}
