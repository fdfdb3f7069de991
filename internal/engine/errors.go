package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned by WaitNext when the run queue stayed empty for
	// the whole wait bound.
	ErrTimeout        = errors.New("no scheduled runs before timeout")
	ErrDisabled       = errors.New("engine disabled")
	ErrAlreadyStarted = errors.New("engine already started")
)

// SerializerError abandons one serializer tick.
type SerializerError struct {
	// Audit is the script whose schedule broke, if known.
	Audit string
	Err   error
}

func (e *SerializerError) Error() string {
	if e.Audit == "" {
		return fmt.Sprintf("serializer: %v", e.Err)
	}
	return fmt.Sprintf("serializer: audit %q: %v", e.Audit, e.Err)
}

func (e *SerializerError) Unwrap() error { return e.Err }

// ExecutionError wraps a failure inside one audit or repair run.
type ExecutionError struct {
	Kind   string // "audit" | "repair"
	Script string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Kind, e.Script, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
