/*
errors.go - Centralized error taxonomy for the allocation engine

PURPOSE:
  All recoverable error conditions in one place. Callers match with
  errors.Is / errors.As; the HTTP layer maps them to status codes.

ERROR CATEGORIES:
  1. Validation errors - bad input, rejected before any mutation
  2. State errors - operations illegal for the row's current state
  3. Lookup errors - missing rows

Every error here is recoverable at the caller. Storage failures mid-run
are the only condition that triggers rollback instead of a user-facing
message, and those surface as plain wrapped errors.
*/
package credit

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned for non-positive kWh inputs.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidWeights is returned when priority weights do not sum to 1.0
	// within tolerance. The update is rejected and the old weights remain.
	ErrInvalidWeights = errors.New("invalid priority weights")

	// ErrDuplicateWaiting is returned when a beneficiary who already has a
	// WAITING entry tries to enqueue again.
	ErrDuplicateWaiting = errors.New("beneficiary already waiting")

	// ErrInvalidState is returned for edit/cancel on an entry that is not
	// WAITING, including entries a concurrent run has marked IN_DISTRIBUTION.
	ErrInvalidState = errors.New("invalid entry state")

	// ErrLotUnavailable is returned when debiting a BLOCKED or EXPIRED lot.
	ErrLotUnavailable = errors.New("lot unavailable")

	// ErrAlreadyExhausted is returned when debiting a lot with zero balance.
	ErrAlreadyExhausted = errors.New("lot already exhausted")

	// ErrNotFound is returned when a referenced lot or entry does not exist.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidAmountError reports the offending value.
type InvalidAmountError struct {
	Field  string
	Amount decimal.Decimal
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("%s must be positive, got %s", e.Field, e.Amount)
}

func (e *InvalidAmountError) Unwrap() error { return ErrInvalidAmount }

// InvalidWeightsError reports the actual sum.
type InvalidWeightsError struct {
	Sum float64
}

func (e *InvalidWeightsError) Error() string {
	return fmt.Sprintf("priority weights must sum to 1.0 (±0.01), got %.4f", e.Sum)
}

func (e *InvalidWeightsError) Unwrap() error { return ErrInvalidWeights }

// DuplicateWaitingError identifies the beneficiary and their open entry.
type DuplicateWaitingError struct {
	BeneficiaryID BeneficiaryID
	ExistingID    EntryID
}

func (e *DuplicateWaitingError) Error() string {
	return fmt.Sprintf("beneficiary %s already has waiting entry %s", e.BeneficiaryID, e.ExistingID)
}

func (e *DuplicateWaitingError) Unwrap() error { return ErrDuplicateWaiting }

// InvalidStateError reports the state that blocked the operation.
type InvalidStateError struct {
	EntryID EntryID
	Status  EntryStatus
	Op      string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s entry %s in state %s", e.Op, e.EntryID, e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// LotUnavailableError reports why a debit was refused.
type LotUnavailableError struct {
	LotID  LotID
	Status LotStatus
}

func (e *LotUnavailableError) Error() string {
	return fmt.Sprintf("lot %s is %s", e.LotID, e.Status)
}

func (e *LotUnavailableError) Unwrap() error {
	if e.Status == LotExhausted {
		return ErrAlreadyExhausted
	}
	return ErrLotUnavailable
}

// NotFoundError identifies the missing row.
type NotFoundError struct {
	Kind string // "lot", "entry", "account"
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError reports whether the error is the caller's fault and should
// surface as a user-facing message rather than a 500.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidWeights) ||
		errors.Is(err, ErrDuplicateWaiting) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrLotUnavailable) ||
		errors.Is(err, ErrAlreadyExhausted)
}

// IsNotFound reports whether the error indicates a missing row.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
