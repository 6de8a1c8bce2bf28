// Package fault defines the error taxonomy shared by every stage of a
// simulation run. Load, configuration and geometry faults abort a run before
// it starts; guest and solver faults halt a running simulation and travel
// with the partial trace. An interrupted run was stopped by its caller, not
// by the module.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a fault.
type Kind string

const (
	KindLoad             Kind = "load"
	KindConfiguration    Kind = "configuration"
	KindGeometry         Kind = "geometry"
	KindGuest            Kind = "guest"
	KindSolverDivergence Kind = "solver_divergence"
	KindInterrupted      Kind = "interrupted"
)

// Sentinels for errors.Is. Every *Error matches the sentinel of its kind.
var (
	ErrLoad             = errors.New("load error")
	ErrConfiguration    = errors.New("configuration error")
	ErrGeometry         = errors.New("geometry error")
	ErrGuest            = errors.New("guest fault")
	ErrSolverDivergence = errors.New("solver divergence")
	ErrInterrupted      = errors.New("run interrupted")
)

// Error is a classified fault with the operation that raised it.
type Error struct {
	Kind Kind
	Op   string // e.g. "compile", "setup", "sleep_for"
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.sentinel(), e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.sentinel(), e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	return target == e.sentinel()
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindLoad:
		return ErrLoad
	case KindConfiguration:
		return ErrConfiguration
	case KindGeometry:
		return ErrGeometry
	case KindSolverDivergence:
		return ErrSolverDivergence
	case KindInterrupted:
		return ErrInterrupted
	default:
		return ErrGuest
	}
}

// Fatal reports whether the kind aborts a run before any stepping.
func (k Kind) Fatal() bool {
	return k == KindLoad || k == KindConfiguration || k == KindGeometry
}

func newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Load wraps err as a load fault.
func Load(op string, err error) *Error { return &Error{Kind: KindLoad, Op: op, Err: err} }

// Loadf builds a load fault from a format string.
func Loadf(op, format string, args ...any) *Error { return newf(KindLoad, op, format, args...) }

// Configurationf builds a configuration fault.
func Configurationf(op, format string, args ...any) *Error {
	return newf(KindConfiguration, op, format, args...)
}

// Geometryf builds a geometry fault.
func Geometryf(op, format string, args ...any) *Error {
	return newf(KindGeometry, op, format, args...)
}

// Guest wraps err as a guest fault.
func Guest(op string, err error) *Error { return &Error{Kind: KindGuest, Op: op, Err: err} }

// Guestf builds a guest fault.
func Guestf(op, format string, args ...any) *Error { return newf(KindGuest, op, format, args...) }

// Divergencef builds a solver divergence fault.
func Divergencef(op, format string, args ...any) *Error {
	return newf(KindSolverDivergence, op, format, args...)
}

// Interrupted wraps the caller's cancellation cause.
func Interrupted(op string, err error) *Error { return &Error{Kind: KindInterrupted, Op: op, Err: err} }

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}
