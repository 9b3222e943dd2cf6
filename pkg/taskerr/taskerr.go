// Package taskerr defines the error-kind taxonomy shared by the scheduler,
// worker, and handlers. Workers decide retry vs. dead-letter from Retryable
// and Fatal rather than by matching an error message string.
package taskerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error classes from the task processing design.
type Kind string

const (
	Validation    Kind = "validation"
	Transient     Kind = "transient"
	LockHeld      Kind = "lock_contention"
	Integrity     Kind = "integrity"
	Timeout       Kind = "timeout"
	TerminalFatal Kind = "terminal_fatal"
)

// Error wraps a cause with a Kind, giving the worker a retry/fatal decision
// without parsing message text.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the worker should schedule a retry (subject to
// max_attempts) rather than route straight to the dead-letter queue.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case Transient, LockHeld, Timeout:
		return true
	default:
		return false
	}
}

// Fatal reports whether the error skips retry entirely, regardless of
// remaining attempts.
func (e *Error) Fatal() bool {
	return e.Kind == Validation
}

func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

func Validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: Validation, Cause: fmt.Errorf(format, args...)}
}

func Transientf(format string, args ...interface{}) *Error {
	return &Error{Kind: Transient, Cause: fmt.Errorf(format, args...)}
}

func Integrityf(format string, args ...interface{}) *Error {
	return &Error{Kind: Integrity, Cause: fmt.Errorf(format, args...)}
}

// Retryable returns whether err should be retried, defaulting to true
// (at-least-once, transient-by-default) when err does not carry a *Error.
func Retryable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Retryable()
	}
	return true
}

// IsFatal returns whether err should skip retry and go straight to the DLQ.
func IsFatal(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Fatal()
	}
	return false
}

// KindOf extracts the Kind carried by err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
