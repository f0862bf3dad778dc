// Package cerrors defines the error taxonomy shared by every core
// component: a small set of kinds callers can branch on with errors.Is,
// wrapping whatever backend error actually occurred.
package cerrors

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories surfaced to callers of the core.
type Kind string

const (
	NotFound           Kind = "not_found"
	InvalidArgument    Kind = "invalid_argument"
	LimitExceeded      Kind = "limit_exceeded"
	NoCapacity         Kind = "no_capacity"
	Timeout            Kind = "timeout"
	ProcessFailed      Kind = "process_failed"
	HeartbeatTimeout   Kind = "heartbeat_timeout"
	Cancelled          Kind = "cancelled"
	BackendUnavailable Kind = "backend_unavailable"
)

// Error wraps an underlying cause with a Kind and the operation that
// produced it: like fmt.Errorf("<op>: %w", err), but with a stable,
// matchable Kind attached so callers can branch on failure category
// instead of parsing error strings.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs an *Error. Op should be a short "component.Method" label.
func E(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is lets errors.Is(err, cerrors.NotFoundErr) work by comparing Kind values
// when the target is itself an *Error, such as one of the Sentinel values.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// KindOf returns the Kind of err if it (or something it wraps) is an
// *Error, and false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Sentinel marks a bare Kind so errors.Is(err, cerrors.NotFoundErr) reads
// naturally at call sites that don't need the wrapped cause.
func Sentinel(kind Kind) error { return &Error{Kind: kind} }

var (
	NotFoundErr           = Sentinel(NotFound)
	InvalidArgumentErr    = Sentinel(InvalidArgument)
	LimitExceededErr      = Sentinel(LimitExceeded)
	NoCapacityErr         = Sentinel(NoCapacity)
	TimeoutErr            = Sentinel(Timeout)
	ProcessFailedErr      = Sentinel(ProcessFailed)
	HeartbeatTimeoutErr   = Sentinel(HeartbeatTimeout)
	CancelledErr          = Sentinel(Cancelled)
	BackendUnavailableErr = Sentinel(BackendUnavailable)
)
