/*
errors.go - Centralized error types for the points engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The api package maps these to stable error codes in the response
  envelope; the engine itself never returns a partially applied state
  alongside an error.

ERROR CATEGORIES:
  1. Input errors - Malformed arguments, rejected at the boundary
  2. Domain errors - Business rule violations (funds, quota, lifecycle)
  3. Store errors - Persistence-level failures and CAS conflicts

USAGE:
  Callers branch with errors.Is / errors.As:

    if errors.Is(err, points.ErrInsufficientFunds) { ... }

    var qe *points.QuotaExceededError
    if errors.As(err, &qe) { ... qe.Exceeded ... }
*/
package points

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidArgument is returned for malformed request shapes. It is
	// recovered at the boundary and never reaches the ledger.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnknownUser is returned when an operation needs an existing balance
	// row and none exists. There is no default-user fallback.
	ErrUnknownUser = errors.New("unknown user")

	// ErrInsufficientFunds is returned when a debit would make FreePoints or
	// PaidPoints negative. Locked points are never auto-drawn-down.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrQuotaExceeded is returned when a reservation would push either the
	// daily or monthly window past its limit. No partial reservation occurs.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrInvalidStateTransition is returned when a workflow callback arrives
	// out of order or after a terminal state. Callers treat it as a no-op.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrDuplicateRequest is returned by the idempotency guard when a key
	// was already reserved. The prior result accompanies it.
	ErrDuplicateRequest = errors.New("duplicate request")

	// ErrNotFound is returned when an entity lookup misses.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentModification is returned by the store when a balance
	// write loses an optimistic-concurrency race. Safe to retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrSwapsDisabled is returned when swap creation is attempted while
	// the swap config is inactive.
	ErrSwapsDisabled = errors.New("swaps are currently disabled")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError details a balance shortage on one point type.
type InsufficientFundsError struct {
	UserID    UserID
	PointType PointType
	Available int64
	Requested int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s points: available %d, requested %d",
		strings.ToLower(string(e.PointType)), e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// QuotaExceededError reports every window a reservation would overflow.
type QuotaExceededError struct {
	UserID   UserID
	Amount   int64
	Exceeded []QuotaWindow // windows that would overflow, post-rollover state
}

func (e *QuotaExceededError) Error() string {
	names := make([]string, len(e.Exceeded))
	for i, w := range e.Exceeded {
		names[i] = fmt.Sprintf("%s (limit %d, used %d)", w.Window, w.Limit, w.Used)
	}
	return fmt.Sprintf("swap quota exceeded for %s", strings.Join(names, ", "))
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// InvalidTransitionError details a rejected workflow transition.
type InvalidTransitionError struct {
	Entity string // "purchase" or "swap"
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot transition %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidStateTransition }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input
// or a business rule the client can act on.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrSwapsDisabled)
}

// IsNotFound returns true if the error indicates a missing entity or user.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnknownUser)
}
