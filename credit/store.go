/*
store.go - Persistence interfaces for the allocation engine

PURPOSE:
  Defines the boundary between domain logic and the database. The ledger,
  waitlist, and distributor packages all operate through these interfaces;
  store/sqlite provides the production implementation.

TRANSACTIONAL UNITS:
  WithTx is the all-or-nothing primitive. A distribution run performs every
  debit, status transition, and transaction-log write inside one WithTx
  call: either the whole run commits or none of it does. No other caller
  can observe an intermediate state.

OWNERSHIP:
  - ledger is the only writer of lot rows
  - waitlist is the only writer of entry status/ordering
  - dispatch is the only writer of allocation transactions, and the only
    component that mutates lots AND entries within a single unit

SEE ALSO:
  - store/sqlite/sqlite.go: SQLite implementation
  - dispatch/dispatch.go: the one multi-table writer
*/
package credit

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Row-level persistence
// =============================================================================

// LotStore persists credit lots.
type LotStore interface {
	InsertLot(ctx context.Context, lot CreditLot) error
	GetLot(ctx context.Context, id LotID) (CreditLot, error)

	// UpdateLot rewrites remaining balance and status. Initial kWh, donor,
	// and creation time are immutable and never rewritten.
	UpdateLot(ctx context.Context, lot CreditLot) error

	// ListEligibleLots returns lots with status AVAILABLE or PARTIALLY_USED,
	// positive remaining balance, and not expired as of asOf; ordered by
	// expires_at ascending (lots without expiration last), then id ascending.
	ListEligibleLots(ctx context.Context, asOf time.Time) ([]CreditLot, error)

	// MarkExpired transitions every non-EXHAUSTED lot whose expiration has
	// passed to EXPIRED and returns the affected ids.
	MarkExpired(ctx context.Context, asOf time.Time) ([]LotID, error)

	// ListLots returns lots filtered by optional donor and status.
	ListLots(ctx context.Context, f LotFilter) ([]CreditLot, error)
}

type LotFilter struct {
	DonorID *DonorID
	Status  *LotStatus
	Limit   int
}

// EntryStore persists waitlist entries.
type EntryStore interface {
	InsertEntry(ctx context.Context, e WaitlistEntry) error
	GetEntry(ctx context.Context, id EntryID) (WaitlistEntry, error)
	UpdateEntry(ctx context.Context, e WaitlistEntry) error

	// ListEntriesByStatus returns entries in a given status, ordered by
	// entered_at ascending for determinism.
	ListEntriesByStatus(ctx context.Context, status EntryStatus) ([]WaitlistEntry, error)

	// WaitingEntryFor returns the id of the beneficiary's WAITING entry,
	// or "" if none exists. At most one can exist at any time.
	WaitingEntryFor(ctx context.Context, b BeneficiaryID) (EntryID, error)

	// ResetInFlight reverts IN_DISTRIBUTION entries to WAITING. Called once
	// on store open: any in-flight marks left by a crashed process belong
	// to no live run.
	ResetInFlight(ctx context.Context) (int, error)
}

// TxLog persists allocation transactions. Append-only: COMPLETED rows are
// never updated or deleted.
type TxLog interface {
	AppendTransaction(ctx context.Context, tx AllocationTransaction) error
	ListTransactions(ctx context.Context, f TxFilter) ([]AllocationTransaction, error)

	// SumCompletedByLot returns the total COMPLETED kWh drawn from a lot.
	// Invariant: this never exceeds the lot's initial kWh.
	SumCompletedByLot(ctx context.Context, id LotID) (decimal.Decimal, error)

	// DistributedTotals returns the grand total of COMPLETED kWh and the
	// number of distinct beneficiaries served.
	DistributedTotals(ctx context.Context) (decimal.Decimal, int, error)
}

type TxFilter struct {
	BeneficiaryID *BeneficiaryID
	DonorID       *DonorID
	LotID         *LotID
	RunID         *RunID
	Limit         int
}

// AccountStore persists beneficiary running totals.
type AccountStore interface {
	UpsertAccount(ctx context.Context, a BeneficiaryAccount) error
	GetAccount(ctx context.Context, b BeneficiaryID) (BeneficiaryAccount, error)
}

// RunStore persists distribution run records.
type RunStore interface {
	SaveRun(ctx context.Context, r DistributionRun) error
	ListRuns(ctx context.Context, limit int) ([]DistributionRun, error)
}

// Store combines every row-level interface. WithTx hands callers a Store
// view bound to one database transaction.
type Store interface {
	LotStore
	EntryStore
	TxLog
	AccountStore
	RunStore
}

// TxStore is a Store that can open all-or-nothing units.
type TxStore interface {
	Store

	// WithTx executes fn inside a transaction. If fn returns an error the
	// transaction rolls back and no write survives.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// AUDIT LOG - Best-effort, append-only
// =============================================================================

type AuditAction string

const (
	AuditDonation     AuditAction = "donation"
	AuditEnqueue      AuditAction = "enqueue"
	AuditEdit         AuditAction = "edit"
	AuditCancel       AuditAction = "cancel"
	AuditDistribution AuditAction = "distribution"
	AuditExpirySweep  AuditAction = "expiry_sweep"
	AuditLotBlocked   AuditAction = "lot_blocked"
	AuditLotUnblocked AuditAction = "lot_unblocked"
	AuditReinstate    AuditAction = "reinstate"
)

type AuditEntry struct {
	ID      string
	At      time.Time
	Action  AuditAction
	ActorID string
	Details string
}

// AuditLog records who did what. Writes are best-effort: a failed audit
// write must never abort the operation it describes.
type AuditLog interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)
}
