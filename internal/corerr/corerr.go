// Package corerr defines the core's error taxonomy. Every error the core
// surfaces across a package boundary is a *Error carrying one Kind so
// callers can branch on failure category instead of parsing messages.
package corerr

import (
	"errors"
	"fmt"
)

// Kind is the abstract error category from SPEC_FULL.md §7.
type Kind string

const (
	// InvalidInput: bad id, bad path, bad version, unknown reaction event.
	InvalidInput Kind = "invalid_input"
	// NotFound: unknown session/plan/project/plugin.
	NotFound Kind = "not_found"
	// Conflict: duplicate id reservation, origin collision, invalid state
	// transition, cyclic task graph.
	Conflict Kind = "conflict"
	// PluginFailure: runtime/agent/workspace/SCM/notifier returned an error.
	PluginFailure Kind = "plugin_failure"
	// IOFailure: filesystem or subprocess failure.
	IOFailure Kind = "io_failure"
	// ContractViolation: a persisted snapshot violates a core invariant.
	ContractViolation Kind = "contract_violation"
)

// Error is the core's single error type. Op names the failing operation
// ("session.Spawn", "taskgraph.Transition", ...) for one-line diagnostics;
// Kind is the taxonomy bucket; Err, when present, is the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	prefix := e.Op
	if prefix == "" {
		prefix = string(e.Kind)
	} else {
		prefix = fmt.Sprintf("%s: %s", prefix, e.Kind)
	}
	if e.Msg == "" && e.Err == nil {
		return prefix
	}
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", prefix, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", prefix, e.Msg, e.Err)
}

// Unwrap exposes the wrapped cause so errors.Is/errors.As keep working.
func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with no wrapped cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap builds an Error that carries an underlying cause. A nil err returns
// nil, so call sites can write `return corerr.Wrap(...)` inside an `if err
// != nil` block without a redundant check.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf is Wrap with a formatted message alongside the cause.
func Wrapf(kind Kind, op string, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Kind == kind
}

// KindOf extracts the Kind from err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var ce *Error
	if !errors.As(err, &ce) {
		return ""
	}
	return ce.Kind
}
