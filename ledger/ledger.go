/*
Package ledger owns the credit lot ledger.

PURPOSE:
  Every mutation of a credit lot goes through this package: donations,
  debits, expiration sweeps, and the explicit block/unblock override.
  No other package writes lot rows.

DEBIT SEMANTICS:
  A debit takes min(amount, remaining) rather than failing on shortfall,
  because the distribution algorithm drains lots in expiration order and
  expects partial consumption. Status is recomputed after every debit:
  EXHAUSTED at zero, PARTIALLY_USED otherwise.

EXPIRATION:
  SweepExpired must run (logically) before every distribution snapshot.
  Expired lots leave allocation eligibility but are never deleted: their
  transaction history remains auditable.

SEE ALSO:
  - credit/types.go: CreditLot and status derivation
  - dispatch/dispatch.go: consumes lots inside its run transaction
*/
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/wattshare/credit-engine/credit"
)

// Ledger is the credit lot service.
type Ledger struct {
	store credit.TxStore
	audit credit.AuditLog
	clock clockwork.Clock
	log   *slog.Logger
}

func New(store credit.TxStore, audit credit.AuditLog, clock clockwork.Clock, log *slog.Logger) *Ledger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{store: store, audit: audit, clock: clock, log: log}
}

// =============================================================================
// DONATIONS
// =============================================================================

// AddLot records a donated lot. A nil expiration defaults to twelve months
// from now. Fails with InvalidAmount before any write if initialKWH <= 0.
func (l *Ledger) AddLot(ctx context.Context, donor credit.DonorID, initialKWH decimal.Decimal, expiresAt *time.Time) (credit.CreditLot, error) {
	if !initialKWH.IsPositive() {
		return credit.CreditLot{}, &credit.InvalidAmountError{Field: "initial_kwh", Amount: initialKWH}
	}

	now := l.clock.Now().UTC()
	if expiresAt == nil {
		def := now.Add(credit.DefaultLotValidity)
		expiresAt = &def
	}

	lot := credit.CreditLot{
		ID:           credit.NewLotID(),
		DonorID:      donor,
		InitialKWH:   initialKWH,
		RemainingKWH: initialKWH,
		ExpiresAt:    expiresAt,
		Status:       credit.LotAvailable,
		CreatedAt:    now,
	}

	if err := l.store.InsertLot(ctx, lot); err != nil {
		return credit.CreditLot{}, fmt.Errorf("insert lot: %w", err)
	}

	l.recordAudit(ctx, credit.AuditDonation, string(donor),
		fmt.Sprintf("lot %s added: %s kWh", lot.ID, credit.ReportKWH(initialKWH)))
	return lot, nil
}

// =============================================================================
// DEBITS
// =============================================================================

// Debit takes up to amount from the lot and returns what was actually
// debited. Standalone variant wrapping its own transaction; the
// distribution run uses ApplyDebit inside its run transaction instead.
func (l *Ledger) Debit(ctx context.Context, id credit.LotID, amount decimal.Decimal) (decimal.Decimal, error) {
	var debited decimal.Decimal
	err := l.store.WithTx(ctx, func(s credit.Store) error {
		var err error
		debited, err = ApplyDebit(ctx, s, id, amount, l.clock.Now().UTC())
		return err
	})
	return debited, err
}

// ApplyDebit performs the debit against a store view, typically one bound
// to an enclosing transaction. It is the single implementation of debit
// semantics; callers never decrement lot balances themselves.
func ApplyDebit(ctx context.Context, s credit.Store, id credit.LotID, amount decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, &credit.InvalidAmountError{Field: "amount", Amount: amount}
	}

	lot, err := s.GetLot(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}

	switch {
	case lot.Status == credit.LotBlocked, lot.Status == credit.LotExpired, lot.IsExpired(now):
		return decimal.Zero, &credit.LotUnavailableError{LotID: id, Status: lot.Status}
	case lot.RemainingKWH.IsZero():
		return decimal.Zero, &credit.LotUnavailableError{LotID: id, Status: credit.LotExhausted}
	}

	debited := decimal.Min(amount, lot.RemainingKWH)
	lot.RemainingKWH = lot.RemainingKWH.Sub(debited)
	lot.Status = lot.DeriveStatus(now)

	if err := s.UpdateLot(ctx, lot); err != nil {
		return decimal.Zero, fmt.Errorf("update lot %s: %w", id, err)
	}
	return debited, nil
}

// =============================================================================
// EXPIRATION
// =============================================================================

// SweepExpired transitions every lot past its expiration to EXPIRED and
// returns the affected ids. Idempotent.
func (l *Ledger) SweepExpired(ctx context.Context) ([]credit.LotID, error) {
	ids, err := l.store.MarkExpired(ctx, l.clock.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("sweep expired: %w", err)
	}
	if len(ids) > 0 {
		l.recordAudit(ctx, credit.AuditExpirySweep, "system",
			fmt.Sprintf("%d lot(s) expired", len(ids)))
	}
	return ids, nil
}

// ListEligible returns the lots a distribution run may consume, in the
// order it must consume them: soonest expiration first, unexpiring lots
// last, ties broken by id.
func (l *Ledger) ListEligible(ctx context.Context, asOf time.Time) ([]credit.CreditLot, error) {
	return l.store.ListEligibleLots(ctx, asOf)
}

// TotalAvailable sums remaining kWh across eligible lots.
func (l *Ledger) TotalAvailable(ctx context.Context) (decimal.Decimal, error) {
	lots, err := l.ListEligible(ctx, l.clock.Now().UTC())
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, lot := range lots {
		total = total.Add(lot.RemainingKWH)
	}
	return total, nil
}

// =============================================================================
// BLOCK / UNBLOCK
// =============================================================================

// Block sets the explicit BLOCKED override, removing the lot from
// allocation until unblocked.
func (l *Ledger) Block(ctx context.Context, id credit.LotID) error {
	err := l.store.WithTx(ctx, func(s credit.Store) error {
		lot, err := s.GetLot(ctx, id)
		if err != nil {
			return err
		}
		lot.Status = credit.LotBlocked
		return s.UpdateLot(ctx, lot)
	})
	if err != nil {
		return err
	}
	l.recordAudit(ctx, credit.AuditLotBlocked, "system", fmt.Sprintf("lot %s blocked", id))
	return nil
}

// Unblock clears the override. Status falls back to whatever the balance
// and expiration imply.
func (l *Ledger) Unblock(ctx context.Context, id credit.LotID) error {
	err := l.store.WithTx(ctx, func(s credit.Store) error {
		lot, err := s.GetLot(ctx, id)
		if err != nil {
			return err
		}
		if lot.Status != credit.LotBlocked {
			return nil
		}
		lot.Status = credit.LotAvailable // cleared, then re-derived
		lot.Status = lot.DeriveStatus(l.clock.Now().UTC())
		return s.UpdateLot(ctx, lot)
	})
	if err != nil {
		return err
	}
	l.recordAudit(ctx, credit.AuditLotUnblocked, "system", fmt.Sprintf("lot %s unblocked", id))
	return nil
}

// =============================================================================
// PROJECTIONS
// =============================================================================

func (l *Ledger) GetLot(ctx context.Context, id credit.LotID) (credit.CreditLot, error) {
	return l.store.GetLot(ctx, id)
}

func (l *Ledger) ListLots(ctx context.Context, f credit.LotFilter) ([]credit.CreditLot, error) {
	return l.store.ListLots(ctx, f)
}

// recordAudit is best-effort: failures are logged and swallowed.
func (l *Ledger) recordAudit(ctx context.Context, action credit.AuditAction, actor, details string) {
	if l.audit == nil {
		return
	}
	entry := credit.AuditEntry{
		At:      l.clock.Now().UTC(),
		Action:  action,
		ActorID: actor,
		Details: details,
	}
	if err := l.audit.AppendAudit(ctx, entry); err != nil {
		l.log.Warn("audit write failed", "action", action, "err", err)
	}
}
