// Package resilience holds the error taxonomy, circuit breakers and retry
// policy shared by every store accessor.
package resilience

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an accessor failure.
type Kind int

const (
	// KindUnavailable is a transient backend failure.
	KindUnavailable Kind = iota
	// KindTimeout means the call exceeded its deadline.
	KindTimeout
	// KindInvalidInput is a caller error and is never retried.
	KindInvalidInput
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindInvalidInput:
		return "invalid_input"
	default:
		return "unavailable"
	}
}

// Error is a classified failure from one store operation.
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

// InvalidInput builds a non-retryable caller error.
func InvalidInput(op string, err error) *Error {
	return &Error{Kind: KindInvalidInput, Op: op, Err: err}
}

// Timeout builds a transient deadline error.
func Timeout(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Err: err}
}

// Unavailable builds a transient backend error.
func Unavailable(op string, err error) *Error {
	return &Error{Kind: KindUnavailable, Op: op, Err: err}
}

// ErrCircuitOpen matches any CircuitOpenError via errors.Is.
var ErrCircuitOpen = errors.New("circuit open")

// ErrAllTiersFailed marks an assembly where no tier produced data.
var ErrAllTiersFailed = errors.New("all tiers failed")

// CircuitOpenError is returned without touching the store while a breaker is open.
type CircuitOpenError struct {
	Key Key
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s", e.Key)
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// Classify wraps a raw store error into the taxonomy. Already classified
// errors, circuit-open errors and caller cancellation pass through unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) || errors.Is(err, ErrCircuitOpen) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return Unavailable(op, err)
}

// KindOf reports the classified kind of err, if any.
func KindOf(err error) (Kind, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return 0, false
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	k, ok := KindOf(err)
	return ok && (k == KindTimeout || k == KindUnavailable)
}

// IsInvalidInput reports whether err is a caller error.
func IsInvalidInput(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindInvalidInput
}
