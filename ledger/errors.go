/*
errors.go - Error types for the ledger

ERROR CATEGORIES:
  1. Validation errors - business rule violations reported to the caller
  2. Lifecycle errors - transitions the status machine does not allow
  3. Lookup errors - missing transactions, statements, units
  4. Store errors - uniqueness and balance constraints

Insufficient credit is NOT an error: CreditAccounts.Deduct reports it through
DeductResult.Applied so callers have to check it explicitly.

USAGE:
  if errors.Is(err, ledger.ErrValidation) {
      // show err.Error() to the user
  }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is wrapped by every domain-rule violation.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition is returned when a status change is not allowed
	// from the transaction's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	ErrTransactionNotFound = errors.New("transaction not found")
	ErrStatementNotFound   = errors.New("dues statement not found")
	ErrUnitNotFound        = errors.New("unit not found")

	// ErrUnitInactive is returned for writes against a deactivated unit.
	ErrUnitInactive = errors.New("unit is inactive")

	// ErrDuplicateStatement is returned by stores when a statement for the
	// same (tenant, unit, year, month) already exists. Billing treats it as
	// an idempotent skip.
	ErrDuplicateStatement = errors.New("dues statement already exists for period")

	// ErrNegativeBalance is returned by stores when a credit write would
	// leave a negative balance. Reaching it means a caller skipped the
	// balance check.
	ErrNegativeBalance = errors.New("credit balance would become negative")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError is a caller-visible rule violation with a readable reason.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransitionError describes a rejected lifecycle change.
type TransitionError struct {
	TransactionID string
	From          TxStatus
	To            TxStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transaction %s: cannot move from %s to %s", e.TransactionID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrUnitInactive)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrStatementNotFound) ||
		errors.Is(err, ErrUnitNotFound)
}
