/*
Package waitlist owns waitlist entry status and ordering.

PURPOSE:
  Maintains the queue of beneficiaries waiting for an allocation. Each
  entry carries the data the priority formula needs; ordering is always
  re-derived at decision time because the wait-time signal moves daily.

STATE MACHINE:
  WAITING -> IN_DISTRIBUTION -> FULFILLED -> (WAITING | terminal)
  WAITING -> CANCELLED (terminal, beneficiary-initiated)

  Edit and cancel are legal only while WAITING. An entry a concurrent run
  has marked IN_DISTRIBUTION rejects both with InvalidState instead of
  racing the run.

INVARIANT:
  At most one WAITING entry per beneficiary at any time.

SEE ALSO:
  - credit/score.go: the priority formula
  - dispatch/dispatch.go: marks entries in/out of distribution
*/
package waitlist

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/wattshare/credit-engine/credit"
)

// Queue is the waitlist service.
type Queue struct {
	store credit.TxStore
	audit credit.AuditLog
	clock clockwork.Clock
	log   *slog.Logger

	mu      sync.RWMutex
	weights credit.Weights
}

func New(store credit.TxStore, audit credit.AuditLog, clock clockwork.Clock, log *slog.Logger) *Queue {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		store:   store,
		audit:   audit,
		clock:   clock,
		log:     log,
		weights: credit.DefaultWeights(),
	}
}

// =============================================================================
// WEIGHTS
// =============================================================================

// Weights returns the current priority weights.
func (q *Queue) Weights() credit.Weights {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.weights
}

// SetWeights replaces the priority weights. Rejected with InvalidWeights
// if they do not sum to 1.0 (±0.01); the old weights stay in effect.
func (q *Queue) SetWeights(w credit.Weights) error {
	if err := w.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	q.weights = w
	q.mu.Unlock()
	return nil
}

// =============================================================================
// ENQUEUE / EDIT / CANCEL
// =============================================================================

// EnqueueParams is what the request intake supplies. The engine validates
// ranges, not provenance.
type EnqueueParams struct {
	BeneficiaryID      credit.BeneficiaryID
	RequestedKWH       decimal.Decimal
	HouseholdIncome    decimal.Decimal
	HouseholdSize      int
	MonthlyBaselineKWH decimal.Decimal
}

// Enqueue creates a WAITING entry. Fails with DuplicateWaiting if the
// beneficiary already has one, before any write.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (credit.WaitlistEntry, error) {
	if err := q.validateRequest(p.RequestedKWH, p.MonthlyBaselineKWH); err != nil {
		return credit.WaitlistEntry{}, err
	}
	if p.HouseholdSize < 1 {
		return credit.WaitlistEntry{}, fmt.Errorf("household size must be at least 1: %w", credit.ErrInvalidAmount)
	}
	if p.HouseholdIncome.IsNegative() {
		return credit.WaitlistEntry{}, &credit.InvalidAmountError{Field: "household_income", Amount: p.HouseholdIncome}
	}

	now := q.clock.Now().UTC()
	entry := credit.WaitlistEntry{
		ID:              credit.NewEntryID(),
		BeneficiaryID:   p.BeneficiaryID,
		RequestedKWH:    p.RequestedKWH,
		HouseholdIncome: p.HouseholdIncome,
		HouseholdSize:   p.HouseholdSize,
		EnteredAt:       now,
		Status:          credit.EntryWaiting,
		CreatedAt:       now,
	}
	entry.PriorityScore = credit.Score(entry, q.Weights(), now)

	err := q.store.WithTx(ctx, func(s credit.Store) error {
		existing, err := s.WaitingEntryFor(ctx, p.BeneficiaryID)
		if err != nil {
			return err
		}
		if existing != "" {
			return &credit.DuplicateWaitingError{BeneficiaryID: p.BeneficiaryID, ExistingID: existing}
		}

		account, err := s.GetAccount(ctx, p.BeneficiaryID)
		if err != nil && !credit.IsNotFound(err) {
			return err
		}
		account.BeneficiaryID = p.BeneficiaryID
		account.MonthlyBaselineKWH = p.MonthlyBaselineKWH
		if err := s.UpsertAccount(ctx, account); err != nil {
			return err
		}

		return s.InsertEntry(ctx, entry)
	})
	if err != nil {
		return credit.WaitlistEntry{}, err
	}

	q.recordAudit(ctx, credit.AuditEnqueue, string(p.BeneficiaryID),
		fmt.Sprintf("entry %s enqueued for %s kWh", entry.ID, credit.ReportKWH(p.RequestedKWH)))
	return entry, nil
}

// Edit changes the requested amount of a WAITING entry. The entry's
// entered_at resets to now, demoting it to the back of its priority tier.
func (q *Queue) Edit(ctx context.Context, id credit.EntryID, newRequestedKWH decimal.Decimal) (credit.WaitlistEntry, error) {
	var updated credit.WaitlistEntry
	err := q.store.WithTx(ctx, func(s credit.Store) error {
		entry, err := s.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		if entry.Status != credit.EntryWaiting {
			return &credit.InvalidStateError{EntryID: id, Status: entry.Status, Op: "edit"}
		}

		account, err := s.GetAccount(ctx, entry.BeneficiaryID)
		if err != nil && !credit.IsNotFound(err) {
			return err
		}
		if err := q.validateRequest(newRequestedKWH, account.MonthlyBaselineKWH); err != nil {
			return err
		}

		now := q.clock.Now().UTC()
		entry.RequestedKWH = newRequestedKWH
		entry.EnteredAt = now
		entry.PriorityScore = credit.Score(entry, q.Weights(), now)
		updated = entry
		return s.UpdateEntry(ctx, entry)
	})
	if err != nil {
		return credit.WaitlistEntry{}, err
	}

	q.recordAudit(ctx, credit.AuditEdit, string(updated.BeneficiaryID),
		fmt.Sprintf("entry %s edited to %s kWh", id, credit.ReportKWH(newRequestedKWH)))
	return updated, nil
}

// Cancel removes a WAITING entry from the queue. Terminal.
func (q *Queue) Cancel(ctx context.Context, id credit.EntryID) error {
	var beneficiary credit.BeneficiaryID
	err := q.store.WithTx(ctx, func(s credit.Store) error {
		entry, err := s.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		if entry.Status != credit.EntryWaiting {
			return &credit.InvalidStateError{EntryID: id, Status: entry.Status, Op: "cancel"}
		}
		entry.Status = credit.EntryCancelled
		beneficiary = entry.BeneficiaryID
		return s.UpdateEntry(ctx, entry)
	})
	if err != nil {
		return err
	}

	q.recordAudit(ctx, credit.AuditCancel, string(beneficiary),
		fmt.Sprintf("entry %s cancelled", id))
	return nil
}

func (q *Queue) validateRequest(requested, baseline decimal.Decimal) error {
	if !requested.IsPositive() {
		return &credit.InvalidAmountError{Field: "requested_kwh", Amount: requested}
	}
	if baseline.IsPositive() && requested.GreaterThan(baseline) {
		return fmt.Errorf("requested %s kWh exceeds monthly baseline %s: %w",
			credit.ReportKWH(requested), credit.ReportKWH(baseline), credit.ErrInvalidAmount)
	}
	return nil
}

// =============================================================================
// ORDERING
// =============================================================================

// TopN returns the top n WAITING entries. Scores are recomputed as of now
// on every call; the stored score is only an advisory copy. Ordering:
// score descending, entered_at ascending (FIFO within a tier), then id
// ascending for determinism.
func (q *Queue) TopN(ctx context.Context, n int) ([]credit.WaitlistEntry, error) {
	entries, err := q.store.ListEntriesByStatus(ctx, credit.EntryWaiting)
	if err != nil {
		return nil, err
	}

	SortByPriority(entries, q.Weights(), q.clock.Now().UTC())

	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

// SortByPriority orders entries in place and refreshes their advisory
// scores as of now. Idempotent: sorting a sorted slice with unchanged
// scores leaves the order unchanged.
func SortByPriority(entries []credit.WaitlistEntry, w credit.Weights, now time.Time) {
	for i := range entries {
		entries[i].PriorityScore = credit.Score(entries[i], w, now)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.PriorityScore != b.PriorityScore {
			return a.PriorityScore > b.PriorityScore
		}
		if !a.EnteredAt.Equal(b.EnteredAt) {
			return a.EnteredAt.Before(b.EnteredAt)
		}
		return a.ID < b.ID
	})
}

// Position returns the entry's 1-based position among WAITING entries
// under current scores.
func (q *Queue) Position(ctx context.Context, id credit.EntryID) (int, error) {
	entries, err := q.TopN(ctx, 0)
	if err != nil {
		return 0, err
	}
	for i, e := range entries {
		if e.ID == id {
			return i + 1, nil
		}
	}
	return 0, &credit.NotFoundError{Kind: "waiting entry", ID: string(id)}
}

// =============================================================================
// RUN TRANSITIONS - called only by the distribution algorithm
// =============================================================================

// Transition moves an entry between statuses within a run's store view.
// The from-status is enforced so a run never clobbers a concurrent change.
func Transition(ctx context.Context, s credit.Store, id credit.EntryID, from, to credit.EntryStatus) error {
	entry, err := s.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	if entry.Status != from {
		return &credit.InvalidStateError{EntryID: id, Status: entry.Status, Op: "transition to " + string(to)}
	}
	entry.Status = to
	return s.UpdateEntry(ctx, entry)
}

// ReinstateOrRemove re-evaluates a FULFILLED entry's beneficiary for
// continuing need. Still in need (balance below monthly baseline, or more
// than sixty days since the last fulfillment): back to WAITING with a
// fresh score. Otherwise the entry stays FULFILLED, which is terminal.
func (q *Queue) ReinstateOrRemove(ctx context.Context, id credit.EntryID) (reinstated bool, err error) {
	now := q.clock.Now().UTC()
	err = q.store.WithTx(ctx, func(s credit.Store) error {
		entry, err := s.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		if entry.Status != credit.EntryFulfilled {
			return &credit.InvalidStateError{EntryID: id, Status: entry.Status, Op: "reinstate"}
		}

		account, err := s.GetAccount(ctx, entry.BeneficiaryID)
		if err != nil {
			return err
		}
		if !account.NeedsMore(now) {
			return nil // terminal: stays FULFILLED
		}

		existing, err := s.WaitingEntryFor(ctx, entry.BeneficiaryID)
		if err != nil {
			return err
		}
		if existing != "" {
			return nil // beneficiary already re-enqueued themselves
		}

		entry.Status = credit.EntryWaiting
		entry.PriorityScore = credit.Score(entry, q.Weights(), now)
		reinstated = true
		return s.UpdateEntry(ctx, entry)
	})
	if err == nil && reinstated {
		q.recordAudit(ctx, credit.AuditReinstate, "system",
			fmt.Sprintf("entry %s reinstated to waiting", id))
	}
	return reinstated, err
}

// =============================================================================
// PROJECTIONS
// =============================================================================

func (q *Queue) GetEntry(ctx context.Context, id credit.EntryID) (credit.WaitlistEntry, error) {
	return q.store.GetEntry(ctx, id)
}

// Stats summarizes the queue for the transparency panel.
type Stats struct {
	Waiting        int            `json:"waiting"`
	InDistribution int            `json:"in_distribution"`
	Fulfilled      int            `json:"fulfilled"`
	MinScore       float64        `json:"min_score"`
	AvgScore       float64        `json:"avg_score"`
	MaxScore       float64        `json:"max_score"`
	Weights        credit.Weights `json:"weights"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Weights: q.Weights()}
	now := q.clock.Now().UTC()

	waiting, err := q.store.ListEntriesByStatus(ctx, credit.EntryWaiting)
	if err != nil {
		return st, err
	}
	st.Waiting = len(waiting)
	if len(waiting) > 0 {
		var sum float64
		st.MinScore = credit.Score(waiting[0], st.Weights, now)
		st.MaxScore = st.MinScore
		for _, e := range waiting {
			sc := credit.Score(e, st.Weights, now)
			sum += sc
			if sc < st.MinScore {
				st.MinScore = sc
			}
			if sc > st.MaxScore {
				st.MaxScore = sc
			}
		}
		st.AvgScore = sum / float64(len(waiting))
	}

	inDist, err := q.store.ListEntriesByStatus(ctx, credit.EntryInDistribution)
	if err != nil {
		return st, err
	}
	st.InDistribution = len(inDist)

	fulfilled, err := q.store.ListEntriesByStatus(ctx, credit.EntryFulfilled)
	if err != nil {
		return st, err
	}
	st.Fulfilled = len(fulfilled)

	return st, nil
}

func (q *Queue) recordAudit(ctx context.Context, action credit.AuditAction, actor, details string) {
	if q.audit == nil {
		return
	}
	entry := credit.AuditEntry{
		At:      q.clock.Now().UTC(),
		Action:  action,
		ActorID: actor,
		Details: details,
	}
	if err := q.audit.AppendAudit(ctx, entry); err != nil {
		q.log.Warn("audit write failed", "action", action, "err", err)
	}
}
