// Package errors provides error handling for the dispatch core.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
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
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
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
	UnwrapOnce    = crdb.UnwrapOnce
	UnwrapAll     = crdb.UnwrapAll
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// GetReportableStackTrace extracts the stack trace attached to an error.
var GetReportableStackTrace = crdb.GetReportableStackTrace

// GetStack is an alias for GetReportableStackTrace for convenience.
var GetStack = crdb.GetReportableStackTrace

// Sentinel errors for the stable error kinds surfaced by the dispatch core.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the kind.
var (
	// ErrNotFound indicates the referenced booking/employee/address does not exist
	ErrNotFound = New("not found")

	// ErrInvalidTransition indicates a (from, to) status pair outside the allowed table
	ErrInvalidTransition = New("invalid transition")

	// ErrConcurrentModification indicates an optimistic-lock version mismatch;
	// the caller should reload and decide
	ErrConcurrentModification = New("concurrent modification")

	// ErrBadRequest indicates a domain-rule violation (paused too long,
	// cancel inside the lock-in window, unassign from a non-assigned job)
	ErrBadRequest = New("bad request")

	// ErrForbidden indicates the actor is not permitted to perform the action
	ErrForbidden = New("forbidden")

	// ErrRateLimited indicates the request exceeds the actor's token bucket
	ErrRateLimited = New("rate limited")

	// ErrUnavailable indicates a downstream dependency failed in a way the
	// core must surface; best-effort side effects are logged instead
	ErrUnavailable = New("unavailable")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
// Also recognises string-based "not found" errors from raw SQL paths.
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, ErrNotFound) {
		return true
	}
	errMsg := err.Error()
	return len(errMsg) >= 9 && (errMsg == "not found" ||
		errMsg[len(errMsg)-9:] == "not found" ||
		len(errMsg) > 10 && errMsg[:10] == "not found:")
}

// IsInvalidTransitionError checks if an error is or wraps ErrInvalidTransition
func IsInvalidTransitionError(err error) bool {
	return err != nil && Is(err, ErrInvalidTransition)
}

// IsConcurrentModificationError checks if an error is or wraps ErrConcurrentModification
func IsConcurrentModificationError(err error) bool {
	return err != nil && Is(err, ErrConcurrentModification)
}

// IsBadRequestError checks if an error is or wraps ErrBadRequest
func IsBadRequestError(err error) bool {
	return err != nil && Is(err, ErrBadRequest)
}

// IsForbiddenError checks if an error is or wraps ErrForbidden
func IsForbiddenError(err error) bool {
	return err != nil && Is(err, ErrForbidden)
}

// IsRateLimitedError checks if an error is or wraps ErrRateLimited
func IsRateLimitedError(err error) bool {
	return err != nil && Is(err, ErrRateLimited)
}

// IsUnavailableError checks if an error is or wraps ErrUnavailable
func IsUnavailableError(err error) bool {
	return err != nil && Is(err, ErrUnavailable)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidTransitionError creates an invalid-transition error naming both statuses
func NewInvalidTransitionError(from, to string) error {
	return Wrap(ErrInvalidTransition, Newf("cannot transition from %s to %s", from, to).Error())
}

// NewBadRequestError creates a bad-request error with a formatted message
func NewBadRequestError(format string, args ...interface{}) error {
	return Wrap(ErrBadRequest, Newf(format, args...).Error())
}

// NewForbiddenError creates a forbidden error with a formatted message
func NewForbiddenError(format string, args ...interface{}) error {
	return Wrap(ErrForbidden, Newf(format, args...).Error())
}
