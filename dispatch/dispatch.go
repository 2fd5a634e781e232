/*
Package dispatch implements the distribution algorithm.

PURPOSE:
  One Run matches available credit supply to waiting demand: it snapshots
  eligible lots and the top-N waitlist entries, computes a proportional
  request-capped target per entry, drains lots in expiration order, and
  commits every debit, status transition, and transaction-log write as a
  single unit.

CONCURRENCY:
  Runs may be triggered concurrently (new donation, new request, scheduled
  sweep). Candidate rows are claimed through a non-blocking try-lock
  registry; rows another run holds are skipped, so concurrent runs make
  partial, non-overlapping progress instead of serializing or
  double-allocating. Selected entries are marked IN_DISTRIBUTION in a
  committed step so a concurrent edit/cancel fails with InvalidState
  rather than racing the run.

FAILURE:
  Any error after selection reverts the IN_DISTRIBUTION marks and discards
  the run's writes; no partial debit survives. An empty snapshot is not an
  error: the run returns a zero result and touches nothing.

SEE ALSO:
  - rowlock.go: the skip-locked registry
  - ledger.ApplyDebit: the single debit implementation
*/
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/wattshare/credit-engine/credit"
	"github.com/wattshare/credit-engine/ledger"
	"github.com/wattshare/credit-engine/waitlist"
)

// DefaultMaxBeneficiaries bounds a run when the caller does not.
const DefaultMaxBeneficiaries = 100

// Distributor executes distribution runs.
type Distributor struct {
	store  credit.TxStore
	ledger *ledger.Ledger
	queue  *waitlist.Queue
	locks  *RowLocks
	audit  credit.AuditLog
	clock  clockwork.Clock
	log    *slog.Logger
}

func New(store credit.TxStore, lg *ledger.Ledger, q *waitlist.Queue, audit credit.AuditLog, clock clockwork.Clock, log *slog.Logger) *Distributor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Distributor{
		store:  store,
		ledger: lg,
		queue:  q,
		locks:  NewRowLocks(),
		audit:  audit,
		clock:  clock,
		log:    log,
	}
}

// Result is what one run produced.
type Result struct {
	RunID                  credit.RunID
	TotalKWHDistributed    decimal.Decimal
	BeneficiariesFulfilled int
	LotsConsumed           int
	LotsSwept              []credit.LotID
	Transactions           []credit.AllocationTransaction
}

// allocation is the per-entry plan computed from the snapshot.
type allocation struct {
	entry     credit.WaitlistEntry
	target    decimal.Decimal
	delivered decimal.Decimal
	txs       []credit.AllocationTransaction
}

// Run executes one distribution. maxBeneficiaries <= 0 falls back to the
// default bound.
func (d *Distributor) Run(ctx context.Context, maxBeneficiaries int) (Result, error) {
	if maxBeneficiaries <= 0 {
		maxBeneficiaries = DefaultMaxBeneficiaries
	}
	now := d.clock.Now().UTC()
	result := Result{TotalKWHDistributed: decimal.Zero}

	// Step 1: expired lots leave eligibility before the snapshot.
	swept, err := d.ledger.SweepExpired(ctx)
	if err != nil {
		return result, err
	}
	result.LotsSwept = swept
	lotsSweptTotal.Add(float64(len(swept)))

	// Step 2+3: snapshot eligible rows, skipping rows a concurrent run
	// holds, and mark the selected entries in one committed unit.
	var (
		lots     []credit.CreditLot
		selected []credit.WaitlistEntry
		lockKeys []string
	)
	err = d.store.WithTx(ctx, func(s credit.Store) error {
		eligible, err := s.ListEligibleLots(ctx, now)
		if err != nil {
			return err
		}
		for _, lot := range eligible {
			key := "lot:" + string(lot.ID)
			if d.locks.TryAcquire(key) {
				lockKeys = append(lockKeys, key)
				lots = append(lots, lot)
			}
		}

		waiting, err := s.ListEntriesByStatus(ctx, credit.EntryWaiting)
		if err != nil {
			return err
		}
		waitlist.SortByPriority(waiting, d.queue.Weights(), now)
		for _, e := range waiting {
			if len(selected) == maxBeneficiaries {
				break
			}
			key := "entry:" + string(e.ID)
			if d.locks.TryAcquire(key) {
				lockKeys = append(lockKeys, key)
				selected = append(selected, e)
			}
		}

		if len(lots) == 0 || len(selected) == 0 {
			return nil
		}
		for _, e := range selected {
			if err := waitlist.Transition(ctx, s, e.ID, credit.EntryWaiting, credit.EntryInDistribution); err != nil {
				return err
			}
		}
		return nil
	})
	defer d.locks.Release(lockKeys)
	if err != nil {
		runsTotal.WithLabelValues(string(credit.RunFailed)).Inc()
		return result, fmt.Errorf("distribution snapshot: %w", err)
	}

	// A run with no supply or no demand is a well-defined no-op.
	if len(lots) == 0 || len(selected) == 0 {
		runsTotal.WithLabelValues(string(credit.RunNoop)).Inc()
		return result, nil
	}

	runID := credit.NewRunID()
	result.RunID = runID

	// Step 4+5: plan the whole allocation against the snapshot. The row
	// locks make the snapshot authoritative until commit.
	allocs := d.plan(lots, selected, runID, now)

	// Step 6+7: commit debits, transitions, and log writes atomically.
	err = d.store.WithTx(ctx, func(s credit.Store) error {
		return d.commit(ctx, s, lots, allocs, now)
	})
	if err != nil {
		d.revertMarks(ctx, selected)
		d.saveRun(ctx, credit.DistributionRun{
			ID: runID, Status: credit.RunFailed, Error: err.Error(), StartedAt: now,
		})
		runsTotal.WithLabelValues(string(credit.RunFailed)).Inc()
		return Result{TotalKWHDistributed: decimal.Zero, LotsSwept: swept}, fmt.Errorf("distribution commit: %w", err)
	}

	// Assemble the result and the run record.
	lotsTouched := map[credit.LotID]struct{}{}
	for _, a := range allocs {
		if a.delivered.IsPositive() {
			result.BeneficiariesFulfilled++
		}
		result.TotalKWHDistributed = result.TotalKWHDistributed.Add(a.delivered)
		result.Transactions = append(result.Transactions, a.txs...)
		for _, tx := range a.txs {
			lotsTouched[tx.LotID] = struct{}{}
		}
	}
	result.LotsConsumed = len(lotsTouched)

	completed := d.clock.Now().UTC()
	d.saveRun(ctx, credit.DistributionRun{
		ID:                     runID,
		Status:                 credit.RunCompleted,
		TotalKWHDistributed:    result.TotalKWHDistributed,
		BeneficiariesFulfilled: result.BeneficiariesFulfilled,
		LotsConsumed:           result.LotsConsumed,
		TransactionCount:       len(result.Transactions),
		StartedAt:              now,
		CompletedAt:            &completed,
	})

	total, _ := result.TotalKWHDistributed.Float64()
	kwhDistributedTotal.Add(total)
	entriesFulfilledTotal.Add(float64(result.BeneficiariesFulfilled))
	runsTotal.WithLabelValues(string(credit.RunCompleted)).Inc()

	d.recordAudit(ctx, fmt.Sprintf("run %s distributed %s kWh to %d beneficiaries",
		runID, credit.ReportKWH(result.TotalKWHDistributed), result.BeneficiariesFulfilled))
	d.log.Info("distribution run completed",
		"run", runID,
		"kwh", credit.ReportKWH(result.TotalKWHDistributed),
		"fulfilled", result.BeneficiariesFulfilled,
		"lots_consumed", result.LotsConsumed)

	return result, nil
}

// plan computes targets and lot consumption in memory over the snapshot.
//
// Target: weight = score / Σscores (equal split if all scores are zero);
// proportional = total available * weight; target = min(proportional,
// requested). Supply the request cap leaves unclaimed is then offered to
// still-unmet entries in priority order. The request cap itself is
// absolute: an entry never receives more than it asked for, even when it
// is the only one waiting and the pool is arbitrarily large.
func (d *Distributor) plan(lots []credit.CreditLot, selected []credit.WaitlistEntry, runID credit.RunID, now time.Time) []*allocation {
	totalAvailable := decimal.Zero
	for _, lot := range lots {
		totalAvailable = totalAvailable.Add(lot.RemainingKWH)
	}

	var sumScores float64
	for _, e := range selected {
		sumScores += e.PriorityScore
	}

	allocs := make([]*allocation, 0, len(selected))
	assigned := decimal.Zero
	for _, e := range selected {
		var proportional decimal.Decimal
		if sumScores > 0 {
			proportional = totalAvailable.
				Mul(decimal.NewFromFloat(e.PriorityScore)).
				Div(decimal.NewFromFloat(sumScores))
		} else {
			proportional = totalAvailable.Div(decimal.NewFromInt(int64(len(selected))))
		}
		target := decimal.Min(proportional, e.RequestedKWH)
		assigned = assigned.Add(target)
		allocs = append(allocs, &allocation{entry: e, target: target})
	}

	// Surplus pass: shares freed up by request-capped entries go to
	// entries whose requests are still unmet, highest priority first.
	surplus := totalAvailable.Sub(assigned)
	for _, a := range allocs {
		if !surplus.IsPositive() {
			break
		}
		unmet := a.entry.RequestedKWH.Sub(a.target)
		if !unmet.IsPositive() {
			continue
		}
		extra := decimal.Min(unmet, surplus)
		a.target = a.target.Add(extra)
		surplus = surplus.Sub(extra)
	}

	// Consume lots in expiration order, highest-priority entry first.
	// No rounding here: fractions carry exactly until reporting.
	remaining := make([]decimal.Decimal, len(lots))
	for i, lot := range lots {
		remaining[i] = lot.RemainingKWH
	}
	for _, a := range allocs {
		need := a.target
		for i := range lots {
			if !need.IsPositive() {
				break
			}
			if !remaining[i].IsPositive() {
				continue
			}
			take := decimal.Min(need, remaining[i])
			remaining[i] = remaining[i].Sub(take)
			need = need.Sub(take)
			a.delivered = a.delivered.Add(take)
			a.txs = append(a.txs, credit.AllocationTransaction{
				ID:            credit.NewTransactionID(),
				BeneficiaryID: a.entry.BeneficiaryID,
				LotID:         lots[i].ID,
				KWH:           take,
				Outcome:       credit.TxCompleted,
				RunID:         runID,
				At:            now,
				Note:          "proportional distribution",
			})
		}
	}
	return allocs
}

// commit applies the plan inside one store transaction: lot debits through
// the ledger's debit path, transaction-log appends, entry transitions, and
// beneficiary account updates. Any error rolls the whole unit back.
func (d *Distributor) commit(ctx context.Context, s credit.Store, lots []credit.CreditLot, allocs []*allocation, now time.Time) error {
	// Per-lot totals, debited once per lot in snapshot order.
	debits := make(map[credit.LotID]decimal.Decimal)
	for _, a := range allocs {
		for _, tx := range a.txs {
			debits[tx.LotID] = debits[tx.LotID].Add(tx.KWH)
		}
	}
	for _, lot := range lots {
		amount, ok := debits[lot.ID]
		if !ok {
			continue
		}
		debited, err := ledger.ApplyDebit(ctx, s, lot.ID, amount, now)
		if err != nil {
			return err
		}
		if !debited.Equal(amount) {
			// The row lock makes the snapshot authoritative; a shortfall
			// means the invariant broke and the run must not commit.
			return fmt.Errorf("lot %s: planned debit %s, applied %s", lot.ID, amount, debited)
		}
	}

	for _, a := range allocs {
		for _, tx := range a.txs {
			if err := s.AppendTransaction(ctx, tx); err != nil {
				return err
			}
		}

		if a.delivered.IsPositive() {
			if err := waitlist.Transition(ctx, s, a.entry.ID, credit.EntryInDistribution, credit.EntryFulfilled); err != nil {
				return err
			}
			account, err := s.GetAccount(ctx, a.entry.BeneficiaryID)
			if err != nil && !credit.IsNotFound(err) {
				return err
			}
			account.BeneficiaryID = a.entry.BeneficiaryID
			account.BalanceKWH = account.BalanceKWH.Add(a.delivered)
			account.TotalReceivedKWH = account.TotalReceivedKWH.Add(a.delivered)
			account.TotalTransactions += len(a.txs)
			at := now
			account.LastFulfilledAt = &at
			if err := s.UpsertAccount(ctx, account); err != nil {
				return err
			}
		} else {
			// Zero delivery: back to WAITING, position untouched.
			if err := waitlist.Transition(ctx, s, a.entry.ID, credit.EntryInDistribution, credit.EntryWaiting); err != nil {
				return err
			}
		}
	}
	return nil
}

// revertMarks returns selected entries to WAITING after a failed run.
// Best-effort: the marks are the only state a failed run left behind.
func (d *Distributor) revertMarks(ctx context.Context, selected []credit.WaitlistEntry) {
	err := d.store.WithTx(ctx, func(s credit.Store) error {
		for _, e := range selected {
			if err := waitlist.Transition(ctx, s, e.ID, credit.EntryInDistribution, credit.EntryWaiting); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		d.log.Error("failed to revert in-distribution marks", "err", err)
	}
}

func (d *Distributor) saveRun(ctx context.Context, run credit.DistributionRun) {
	if err := d.store.SaveRun(ctx, run); err != nil {
		d.log.Warn("run record write failed", "run", run.ID, "err", err)
	}
}

func (d *Distributor) recordAudit(ctx context.Context, details string) {
	if d.audit == nil {
		return
	}
	entry := credit.AuditEntry{
		At:      d.clock.Now().UTC(),
		Action:  credit.AuditDistribution,
		ActorID: "system",
		Details: details,
	}
	if err := d.audit.AppendAudit(ctx, entry); err != nil {
		d.log.Warn("audit write failed", "err", err)
	}
}

// =============================================================================
// STATISTICS
// =============================================================================

// PoolStats summarizes the distributor for the transparency panel.
type PoolStats struct {
	LotsInPool          int             `json:"lots_in_pool"`
	KWHAvailable        decimal.Decimal `json:"kwh_available"`
	KWHDistributed      decimal.Decimal `json:"kwh_distributed"`
	BeneficiariesServed int             `json:"beneficiaries_served"`
}

func (d *Distributor) Stats(ctx context.Context) (PoolStats, error) {
	now := d.clock.Now().UTC()
	lots, err := d.store.ListEligibleLots(ctx, now)
	if err != nil {
		return PoolStats{}, err
	}
	available := decimal.Zero
	for _, lot := range lots {
		available = available.Add(lot.RemainingKWH)
	}
	distributed, served, err := d.store.DistributedTotals(ctx)
	if err != nil {
		return PoolStats{}, err
	}
	return PoolStats{
		LotsInPool:          len(lots),
		KWHAvailable:        credit.ReportKWH(available),
		KWHDistributed:      credit.ReportKWH(distributed),
		BeneficiariesServed: served,
	}, nil
}
