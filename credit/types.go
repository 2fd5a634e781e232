/*
Package credit provides the shared domain model for the credit allocation engine.

PURPOSE:
  This package contains the types and rules shared by every other package:
  donated credit lots, waitlist entries, allocation transactions, and the
  priority scoring formula. It has no persistence and no HTTP concerns.

KEY CONCEPTS IN THIS FILE (types.go):
  - CreditLot: a donated quantity of energy (kWh) with expiration and
    partial-consumption tracking
  - WaitlistEntry: a beneficiary's open request for an allocation
  - AllocationTransaction: an immutable record of kWh moved from a lot
    to a beneficiary
  - DistributionRun: the persisted outcome of one allocation run

DESIGN PRINCIPLES:
  1. Precision: every kWh amount is a decimal.Decimal; rounding happens
     only at final reporting, never mid-computation
  2. Type safety: strong ID types prevent mixing lot/entry/beneficiary ids
  3. Derived status: a lot's status is a pure function of its remaining
     balance and expiration, except the explicit BLOCKED override

SEE ALSO:
  - score.go: Priority score computation and weight validation
  - errors.go: Error taxonomy
  - store.go: Persistence interfaces
*/
package credit

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	LotID         string
	EntryID       string
	TransactionID string
	RunID         string

	// DonorID and BeneficiaryID are opaque foreign keys supplied by the
	// identity layer. The engine never validates their provenance.
	DonorID       string
	BeneficiaryID string
)

func NewLotID() LotID                 { return LotID(uuid.NewString()) }
func NewEntryID() EntryID             { return EntryID(uuid.NewString()) }
func NewTransactionID() TransactionID { return TransactionID(uuid.NewString()) }
func NewRunID() RunID                 { return RunID(uuid.NewString()) }

// =============================================================================
// CREDIT LOT - Donated energy with expiration and partial consumption
// =============================================================================

type LotStatus string

const (
	LotAvailable     LotStatus = "AVAILABLE"
	LotPartiallyUsed LotStatus = "PARTIALLY_USED"
	LotExhausted     LotStatus = "EXHAUSTED"
	LotExpired       LotStatus = "EXPIRED"
	LotBlocked       LotStatus = "BLOCKED"
)

// DefaultLotValidity is applied when a donation carries no expiration.
const DefaultLotValidity = 12 * 30 * 24 * time.Hour // 12 months

type CreditLot struct {
	ID           LotID
	DonorID      DonorID
	InitialKWH   decimal.Decimal // immutable, > 0
	RemainingKWH decimal.Decimal // 0 <= remaining <= initial
	ExpiresAt    *time.Time      // nil = never expires
	Status       LotStatus
	CreatedAt    time.Time
}

// ConsumedKWH returns how much of the lot has been debited so far.
func (l CreditLot) ConsumedKWH() decimal.Decimal {
	return l.InitialKWH.Sub(l.RemainingKWH)
}

// IsExpired reports whether the lot's expiration has passed as of now.
// Lots without expiration never expire.
func (l CreditLot) IsExpired(now time.Time) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

// DeriveStatus recomputes the lot's status from its balance and expiration.
// BLOCKED is an explicit operator override and is never derived here.
func (l CreditLot) DeriveStatus(now time.Time) LotStatus {
	if l.Status == LotBlocked {
		return LotBlocked
	}
	if l.RemainingKWH.IsZero() {
		return LotExhausted
	}
	if l.IsExpired(now) {
		return LotExpired
	}
	if l.RemainingKWH.LessThan(l.InitialKWH) {
		return LotPartiallyUsed
	}
	return LotAvailable
}

// Eligible reports whether the lot can supply a distribution run as of now.
func (l CreditLot) Eligible(now time.Time) bool {
	if l.Status != LotAvailable && l.Status != LotPartiallyUsed {
		return false
	}
	return l.RemainingKWH.IsPositive() && !l.IsExpired(now)
}

// =============================================================================
// WAITLIST ENTRY - A beneficiary's open allocation request
// =============================================================================

type EntryStatus string

const (
	EntryWaiting        EntryStatus = "WAITING"
	EntryInDistribution EntryStatus = "IN_DISTRIBUTION"
	EntryFulfilled      EntryStatus = "FULFILLED"
	EntryCancelled      EntryStatus = "CANCELLED"
)

type WaitlistEntry struct {
	ID              EntryID
	BeneficiaryID   BeneficiaryID
	RequestedKWH    decimal.Decimal // > 0, capped by the beneficiary's baseline
	HouseholdIncome decimal.Decimal
	HouseholdSize   int
	EnteredAt       time.Time // reset on edit, which demotes within the tier
	PriorityScore   float64   // advisory copy; ordering always re-derives
	Status          EntryStatus
	CreatedAt       time.Time
}

// =============================================================================
// ALLOCATION TRANSACTION - Immutable unit of energy moved
// =============================================================================

type TxOutcome string

const (
	TxCompleted TxOutcome = "COMPLETED"
	TxError     TxOutcome = "ERROR"
	TxReversed  TxOutcome = "REVERSED"
)

type AllocationTransaction struct {
	ID            TransactionID
	BeneficiaryID BeneficiaryID
	LotID         LotID
	KWH           decimal.Decimal // > 0
	Outcome       TxOutcome
	RunID         RunID
	At            time.Time
	Note          string
}

// =============================================================================
// BENEFICIARY ACCOUNT - Running totals used for continuing-need checks
// =============================================================================

type BeneficiaryAccount struct {
	BeneficiaryID      BeneficiaryID
	BalanceKWH         decimal.Decimal
	TotalReceivedKWH   decimal.Decimal
	MonthlyBaselineKWH decimal.Decimal
	TotalTransactions  int
	LastFulfilledAt    *time.Time
}

// ReinstateWindow is how long a fulfilled beneficiary can go without a new
// allocation before they are considered in need again.
const ReinstateWindow = 60 * 24 * time.Hour

// NeedsMore reports whether the beneficiary should re-enter the waitlist
// after fulfillment: balance below their monthly baseline, or too long
// since the last allocation.
func (a BeneficiaryAccount) NeedsMore(now time.Time) bool {
	if a.BalanceKWH.LessThan(a.MonthlyBaselineKWH) {
		return true
	}
	if a.LastFulfilledAt == nil {
		return true
	}
	return now.Sub(*a.LastFulfilledAt) > ReinstateWindow
}

// =============================================================================
// DISTRIBUTION RUN - Persisted record of one allocation run
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunNoop      RunStatus = "NOOP"
	RunFailed    RunStatus = "FAILED"
)

type DistributionRun struct {
	ID                     RunID
	Status                 RunStatus
	TotalKWHDistributed    decimal.Decimal
	BeneficiariesFulfilled int
	LotsConsumed           int
	TransactionCount       int
	Error                  string
	StartedAt              time.Time
	CompletedAt            *time.Time
}

// =============================================================================
// AMOUNT HELPERS
// =============================================================================

// KWH builds a decimal kWh amount from a float input (API boundary only).
func KWH(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// ReportKWH rounds an amount for reporting. All internal math stays exact;
// two decimal places appear only at the edges.
func ReportKWH(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// MustParseKWH parses a stored decimal string, returning zero on garbage.
func MustParseKWH(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
