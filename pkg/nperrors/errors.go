// Package nperrors defines the engine-wide error taxonomy. Components wrap
// these sentinels so callers can branch with errors.Is without knowing which
// layer produced the failure.
package nperrors

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrValidation covers malformed user input. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrNotFound covers references to missing entities.
	ErrNotFound = errors.New("not found")
	// ErrConflict covers uniqueness and foreign-key violations.
	ErrConflict = errors.New("conflict")
	// ErrSafetyRejected covers pre-execution policy blocks. An audit row is
	// always written before this surfaces. Never retried.
	ErrSafetyRejected = errors.New("safety rejected")
	// ErrAgent covers non-zero agent exits without a cooldown signal.
	// Retriable per job policy.
	ErrAgent = errors.New("agent error")
	// ErrCooldown marks rate limiting detected on agent output. Not retried;
	// the scheduler reschedules to the cooldown deadline instead.
	ErrCooldown = errors.New("cooldown")
	// ErrTimeout marks a wall-clock cap hit. Retriable like ErrAgent but
	// distinguishable.
	ErrTimeout = errors.New("timeout")
	// ErrCancelled marks cooperative cancellation.
	ErrCancelled = errors.New("cancelled")
	// ErrStoreBusy marks transient persistence contention. Recovered locally
	// with jittered backoff; rarely escapes the store.
	ErrStoreBusy = errors.New("store busy")
	// ErrAlreadyRunning marks an invocation attempt on a job that already has
	// a live run.
	ErrAlreadyRunning = errors.New("already running")
	// ErrInternal marks invariant violations. Degrades the engine.
	ErrInternal = errors.New("internal error")
)

// Retriable reports whether the scheduler may retry the failure.
func Retriable(err error) bool {
	switch {
	case errors.Is(err, ErrAgent), errors.Is(err, ErrTimeout), errors.Is(err, ErrStoreBusy):
		return true
	default:
		return false
	}
}

// Exit codes for the host CLI.
const (
	ExitOK             = 0
	ExitUsage          = 1
	ExitSafetyRejected = 2
	ExitCooldown       = 3
	ExitAgent          = 4
	ExitInternal       = 5
	ExitCancelled      = 6
)

// ExitCode maps an error to the documented CLI exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrSafetyRejected):
		return ExitSafetyRejected
	case errors.Is(err, ErrCooldown):
		return ExitCooldown
	case errors.Is(err, ErrAgent), errors.Is(err, ErrTimeout):
		return ExitAgent
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ExitCancelled
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict):
		return ExitUsage
	default:
		return ExitInternal
	}
}

// Validationf wraps a formatted message as a validation error.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// NotFoundf wraps a formatted message as a not-found error.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}
