package waitlist_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattshare/credit-engine/credit"
	"github.com/wattshare/credit-engine/store/sqlite"
	"github.com/wattshare/credit-engine/waitlist"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testStart = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T) (*waitlist.Queue, *sqlite.Store, *clockwork.FakeClock) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := clockwork.NewFakeClockAt(testStart)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return waitlist.New(store, store, clock, log), store, clock
}

func kwh(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func params(b string, requested float64) waitlist.EnqueueParams {
	return waitlist.EnqueueParams{
		BeneficiaryID:      credit.BeneficiaryID(b),
		RequestedKWH:       kwh(requested),
		HouseholdIncome:    kwh(3000),
		HouseholdSize:      3,
		MonthlyBaselineKWH: kwh(500),
	}
}

// =============================================================================
// ENQUEUE
// =============================================================================

func TestEnqueue_CreatesWaitingEntry(t *testing.T) {
	q, store, _ := newTestQueue(t)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, params("ben-1", 120))
	require.NoError(t, err)

	assert.Equal(t, credit.EntryWaiting, entry.Status)
	assert.Equal(t, testStart, entry.EnteredAt)
	assert.Greater(t, entry.PriorityScore, 0.0)

	// Baseline lands on the account for later edit validation.
	account, err := store.GetAccount(ctx, "ben-1")
	require.NoError(t, err)
	assert.True(t, account.MonthlyBaselineKWH.Equal(kwh(500)))
}

func TestEnqueue_SecondWaitingEntry_Rejected(t *testing.T) {
	// GIVEN: ben-1 already has a WAITING entry
	// WHEN: they enqueue again
	// THEN: DuplicateWaiting identifying the existing entry, nothing written

	q, store, _ := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, params("ben-1", 120))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, params("ben-1", 80))
	require.Error(t, err)

	var dupErr *credit.DuplicateWaitingError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, first.ID, dupErr.ExistingID)

	waiting, err := store.ListEntriesByStatus(ctx, credit.EntryWaiting)
	require.NoError(t, err)
	assert.Len(t, waiting, 1)
}

func TestEnqueue_AfterCancel_Allowed(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, params("ben-1", 120))
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, first.ID))

	_, err = q.Enqueue(ctx, params("ben-1", 80))
	assert.NoError(t, err, "only WAITING entries count toward the one-open-request rule")
}

func TestEnqueue_Validation(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	p := params("ben-1", 0)
	_, err := q.Enqueue(ctx, p)
	assert.ErrorIs(t, err, credit.ErrInvalidAmount, "non-positive request")

	p = params("ben-1", 600)
	_, err = q.Enqueue(ctx, p)
	assert.ErrorIs(t, err, credit.ErrInvalidAmount, "request above monthly baseline")

	p = params("ben-1", 100)
	p.HouseholdSize = 0
	_, err = q.Enqueue(ctx, p)
	assert.ErrorIs(t, err, credit.ErrInvalidAmount, "household size below 1")

	p = params("ben-1", 100)
	p.HouseholdIncome = kwh(-1)
	_, err = q.Enqueue(ctx, p)
	assert.ErrorIs(t, err, credit.ErrInvalidAmount, "negative income")
}

// =============================================================================
// EDIT / CANCEL
// =============================================================================

func TestEdit_ResetsWaitPosition(t *testing.T) {
	// GIVEN: two identical entries, a queued before b
	// WHEN: a edits their requested amount a day later
	// THEN: a's entered_at resets, so b now outranks a within the tier

	q, _, clock := newTestQueue(t)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, params("ben-a", 100))
	require.NoError(t, err)
	clock.Advance(time.Hour)
	b, err := q.Enqueue(ctx, params("ben-b", 100))
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)
	edited, err := q.Edit(ctx, a.ID, kwh(100))
	require.NoError(t, err)
	assert.Equal(t, clock.Now().UTC(), edited.EnteredAt)

	top, err := q.TopN(ctx, 0)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, b.ID, top[0].ID, "editing demotes within the tier")
	assert.Equal(t, a.ID, top[1].ID)
}

func TestEdit_NonWaiting_Rejected(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, params("ben-1", 100))
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, entry.ID))

	_, err = q.Edit(ctx, entry.ID, kwh(50))
	require.Error(t, err)

	var stateErr *credit.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, credit.EntryCancelled, stateErr.Status)
}

func TestEdit_AboveBaseline_Rejected(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, params("ben-1", 100))
	require.NoError(t, err)

	_, err = q.Edit(ctx, entry.ID, kwh(900))
	assert.ErrorIs(t, err, credit.ErrInvalidAmount)

	// The failed edit must not have reset anything.
	got, err := q.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, got.RequestedKWH.Equal(kwh(100)))
	assert.Equal(t, testStart, got.EnteredAt)
}

func TestCancel_Terminal(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, params("ben-1", 100))
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, entry.ID))

	err = q.Cancel(ctx, entry.ID)
	assert.ErrorIs(t, err, credit.ErrInvalidState, "cancel is not repeatable")
}

// =============================================================================
// ORDERING
// =============================================================================

func TestTopN_OrdersByScoreThenFIFO(t *testing.T) {
	// GIVEN: three entries - one high-need, two identical
	// THEN: high-need first; the identical pair keeps arrival order

	q, _, clock := newTestQueue(t)
	ctx := context.Background()

	pOld := params("ben-old", 100)
	older, err := q.Enqueue(ctx, pOld)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	newer, err := q.Enqueue(ctx, params("ben-new", 100))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	pPoor := params("ben-poor", 100)
	pPoor.HouseholdIncome = kwh(0)
	poor, err := q.Enqueue(ctx, pPoor)
	require.NoError(t, err)

	top, err := q.TopN(ctx, 0)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, poor.ID, top[0].ID, "lower income wins despite arriving last")
	assert.Equal(t, older.ID, top[1].ID, "FIFO within the tier")
	assert.Equal(t, newer.ID, top[2].ID)
}

func TestTopN_ScoresRecomputedOverTime(t *testing.T) {
	// An entry with a slightly worse static profile overtakes a better one
	// by waiting longer: the wait signal is live, never cached.

	q, _, clock := newTestQueue(t)
	ctx := context.Background()

	pA := params("ben-a", 100)
	pA.HouseholdIncome = kwh(5000)
	a, err := q.Enqueue(ctx, pA)
	require.NoError(t, err)

	// b has marginally higher income, so starts just below a.
	clock.Advance(time.Minute)
	pB := params("ben-b", 100)
	pB.HouseholdIncome = kwh(5100)
	b, err := q.Enqueue(ctx, pB)
	require.NoError(t, err)

	top, err := q.TopN(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, a.ID, top[0].ID)

	// a gets fulfilled and re-enters much later; b has now waited months.
	require.NoError(t, q.Cancel(ctx, a.ID))
	clock.Advance(120 * 24 * time.Hour)
	a2, err := q.Enqueue(ctx, pA)
	require.NoError(t, err)

	top, err = q.TopN(ctx, 0)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, b.ID, top[0].ID, "accumulated wait outweighs the income edge")
	assert.Equal(t, a2.ID, top[1].ID)
}

func TestTopN_LimitsResults(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()

	for _, b := range []string{"b1", "b2", "b3", "b4"} {
		_, err := q.Enqueue(ctx, params(b, 100))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	top, err := q.TopN(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, top, 2)
}

func TestPosition_OneBased(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, params("ben-a", 100))
	require.NoError(t, err)
	clock.Advance(time.Minute)
	b, err := q.Enqueue(ctx, params("ben-b", 100))
	require.NoError(t, err)

	pos, err := q.Position(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	pos, err = q.Position(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	_, err = q.Position(ctx, "no-such-entry")
	assert.True(t, credit.IsNotFound(err))
}

// =============================================================================
// WEIGHTS
// =============================================================================

func TestSetWeights_InvalidKeepsOld(t *testing.T) {
	q, _, _ := newTestQueue(t)

	err := q.SetWeights(credit.Weights{Income: 0.9, Consumption: 0.9})
	assert.ErrorIs(t, err, credit.ErrInvalidWeights)
	assert.Equal(t, credit.DefaultWeights(), q.Weights(), "rejected update leaves old weights")

	valid := credit.Weights{Income: 0.25, Consumption: 0.25, Household: 0.25, Wait: 0.25}
	require.NoError(t, q.SetWeights(valid))
	assert.Equal(t, valid, q.Weights())
}

// =============================================================================
// REINSTATE
// =============================================================================

func TestReinstateOrRemove_BelowBaseline_Requeues(t *testing.T) {
	// GIVEN: a fulfilled beneficiary whose balance sits below their baseline
	// WHEN: the post-run check re-evaluates them
	// THEN: the entry returns to WAITING with entered_at preserved

	q, store, clock := newTestQueue(t)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, params("ben-1", 100))
	require.NoError(t, err)

	// Simulate a run outcome: fulfilled, but only 100 of a 500 baseline.
	entry.Status = credit.EntryFulfilled
	require.NoError(t, store.UpdateEntry(ctx, entry))
	now := clock.Now().UTC()
	require.NoError(t, store.UpsertAccount(ctx, credit.BeneficiaryAccount{
		BeneficiaryID:      "ben-1",
		BalanceKWH:         kwh(100),
		TotalReceivedKWH:   kwh(100),
		MonthlyBaselineKWH: kwh(500),
		TotalTransactions:  1,
		LastFulfilledAt:    &now,
	}))

	reinstated, err := q.ReinstateOrRemove(ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, reinstated)

	got, err := q.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.EntryWaiting, got.Status)
	assert.Equal(t, testStart, got.EnteredAt, "reinstatement keeps the original wait credit")
}

func TestReinstateOrRemove_SatisfiedStaysFulfilled(t *testing.T) {
	q, store, clock := newTestQueue(t)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, params("ben-1", 100))
	require.NoError(t, err)

	entry.Status = credit.EntryFulfilled
	require.NoError(t, store.UpdateEntry(ctx, entry))
	now := clock.Now().UTC()
	require.NoError(t, store.UpsertAccount(ctx, credit.BeneficiaryAccount{
		BeneficiaryID:      "ben-1",
		BalanceKWH:         kwh(500),
		TotalReceivedKWH:   kwh(500),
		MonthlyBaselineKWH: kwh(500),
		TotalTransactions:  1,
		LastFulfilledAt:    &now,
	}))

	reinstated, err := q.ReinstateOrRemove(ctx, entry.ID)
	require.NoError(t, err)
	assert.False(t, reinstated)

	got, err := q.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.EntryFulfilled, got.Status)
}

func TestReinstateOrRemove_SkipsWhenReEnqueued(t *testing.T) {
	// A beneficiary who already opened a new request is not reinstated on
	// top of it: one WAITING entry per beneficiary.

	q, store, clock := newTestQueue(t)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, params("ben-1", 100))
	require.NoError(t, err)
	entry.Status = credit.EntryFulfilled
	require.NoError(t, store.UpdateEntry(ctx, entry))
	now := clock.Now().UTC()
	require.NoError(t, store.UpsertAccount(ctx, credit.BeneficiaryAccount{
		BeneficiaryID:      "ben-1",
		BalanceKWH:         kwh(10),
		MonthlyBaselineKWH: kwh(500),
		LastFulfilledAt:    &now,
	}))

	_, err = q.Enqueue(ctx, params("ben-1", 200))
	require.NoError(t, err)

	reinstated, err := q.ReinstateOrRemove(ctx, entry.ID)
	require.NoError(t, err)
	assert.False(t, reinstated)

	got, err := q.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.EntryFulfilled, got.Status)
}

// =============================================================================
// STATS
// =============================================================================

func TestStats_Summarizes(t *testing.T) {
	q, store, clock := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, params("ben-1", 100))
	require.NoError(t, err)
	clock.Advance(time.Second)
	e2, err := q.Enqueue(ctx, params("ben-2", 100))
	require.NoError(t, err)

	e2.Status = credit.EntryFulfilled
	require.NoError(t, store.UpdateEntry(ctx, e2))

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Waiting)
	assert.Equal(t, 0, st.InDistribution)
	assert.Equal(t, 1, st.Fulfilled)
	assert.Greater(t, st.MaxScore, 0.0)
	assert.Equal(t, q.Weights(), st.Weights)
}
