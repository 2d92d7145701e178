// Package errors provides error handling for foreman.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Structured details for operator-facing surfaces
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrStaleTransition) {
//	    // re-fetch and decide whether to retry
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
)

// Sentinel errors guarding orchestration invariants.
// Each maps to a specific failure mode of the job subsystem; use errors.Is()
// to check them, and errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrStaleTransition indicates a status transition lost a concurrency
	// race: the job was no longer in any of the expected source statuses.
	// Callers must re-fetch the job and decide whether to retry.
	ErrStaleTransition = New("stale transition")

	// ErrNotAwaitingInput indicates an answer was submitted for a job that
	// is not currently paused on a prompt. Surfaced to the operator as a
	// no-op error, never retried.
	ErrNotAwaitingInput = New("job is not awaiting input")

	// ErrProcessNotFound indicates no live worker process exists for a job
	// that should have one. Always resolved by forcing the job to failed;
	// never retried automatically since the work may be partially done.
	ErrProcessNotFound = New("worker process not found")

	// ErrQuotaExhausted indicates a reservation granted zero units. The
	// caller must stop issuing further work for the day; this is expected
	// daily behavior, not an operator-attention condition.
	ErrQuotaExhausted = New("daily quota exhausted")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}
