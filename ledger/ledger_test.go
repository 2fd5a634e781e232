package ledger_test

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
	"github.com/wattshare/credit-engine/ledger"
	"github.com/wattshare/credit-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testStart = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T) (*ledger.Ledger, *sqlite.Store, *clockwork.FakeClock) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := clockwork.NewFakeClockAt(testStart)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return ledger.New(store, store, clock, log), store, clock
}

func kwh(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// =============================================================================
// DONATIONS
// =============================================================================

func TestAddLot_RecordsDonation(t *testing.T) {
	l, store, _ := newTestLedger(t)
	ctx := context.Background()

	expiry := testStart.AddDate(0, 3, 0)
	lot, err := l.AddLot(ctx, "donor-1", kwh(500), &expiry)
	require.NoError(t, err)

	assert.Equal(t, credit.LotAvailable, lot.Status)
	assert.True(t, lot.RemainingKWH.Equal(kwh(500)))

	stored, err := store.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.True(t, stored.InitialKWH.Equal(kwh(500)))
	assert.Equal(t, expiry, stored.ExpiresAt.UTC())
}

func TestAddLot_NoExpiry_DefaultsToTwelveMonths(t *testing.T) {
	l, _, _ := newTestLedger(t)

	lot, err := l.AddLot(context.Background(), "donor-1", kwh(100), nil)
	require.NoError(t, err)
	require.NotNil(t, lot.ExpiresAt)
	assert.Equal(t, testStart.Add(credit.DefaultLotValidity), lot.ExpiresAt.UTC())
}

func TestAddLot_NonPositiveAmount_Rejected(t *testing.T) {
	l, store, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.AddLot(ctx, "donor-1", decimal.Zero, nil)
	assert.ErrorIs(t, err, credit.ErrInvalidAmount)

	_, err = l.AddLot(ctx, "donor-1", kwh(-5), nil)
	assert.ErrorIs(t, err, credit.ErrInvalidAmount)

	lots, err := store.ListLots(ctx, credit.LotFilter{})
	require.NoError(t, err)
	assert.Empty(t, lots, "rejected donations must not write")
}

// =============================================================================
// DEBITS
// =============================================================================

func TestDebit_Partial_ThenExhausted(t *testing.T) {
	// GIVEN: a 100 kWh lot
	// WHEN: debiting 60, then asking for another 60
	// THEN: the second debit returns the 40 that remained, and the lot
	//       finishes EXHAUSTED with remaining exactly zero

	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	lot, err := l.AddLot(ctx, "donor-1", kwh(100), nil)
	require.NoError(t, err)

	debited, err := l.Debit(ctx, lot.ID, kwh(60))
	require.NoError(t, err)
	assert.True(t, debited.Equal(kwh(60)))

	got, err := l.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.LotPartiallyUsed, got.Status)

	debited, err = l.Debit(ctx, lot.ID, kwh(60))
	require.NoError(t, err)
	assert.True(t, debited.Equal(kwh(40)), "debit takes min(amount, remaining)")

	got, err = l.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.LotExhausted, got.Status)
	assert.True(t, got.RemainingKWH.IsZero())
}

func TestDebit_ExhaustedLot_Rejected(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	lot, err := l.AddLot(ctx, "donor-1", kwh(10), nil)
	require.NoError(t, err)

	_, err = l.Debit(ctx, lot.ID, kwh(10))
	require.NoError(t, err)

	_, err = l.Debit(ctx, lot.ID, kwh(1))
	assert.ErrorIs(t, err, credit.ErrAlreadyExhausted)
}

func TestDebit_ExpiredLot_Rejected(t *testing.T) {
	// GIVEN: a lot whose expiration passed after it was donated
	// THEN: debits fail even before a sweep has marked it EXPIRED

	l, _, clock := newTestLedger(t)
	ctx := context.Background()

	expiry := testStart.Add(24 * time.Hour)
	lot, err := l.AddLot(ctx, "donor-1", kwh(50), &expiry)
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)

	_, err = l.Debit(ctx, lot.ID, kwh(10))
	assert.ErrorIs(t, err, credit.ErrLotUnavailable)
}

func TestDebit_BlockedLot_Rejected(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	lot, err := l.AddLot(ctx, "donor-1", kwh(50), nil)
	require.NoError(t, err)
	require.NoError(t, l.Block(ctx, lot.ID))

	_, err = l.Debit(ctx, lot.ID, kwh(10))
	assert.ErrorIs(t, err, credit.ErrLotUnavailable)
}

func TestDebit_MissingLot_NotFound(t *testing.T) {
	l, _, _ := newTestLedger(t)

	_, err := l.Debit(context.Background(), "no-such-lot", kwh(10))
	assert.True(t, credit.IsNotFound(err))
}

func TestDebit_FractionalAmounts_StayExact(t *testing.T) {
	// Decimal precision: 0.1 + 0.2 style drift must not appear.
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	lot, err := l.AddLot(ctx, "donor-1", kwh(1), nil)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := l.Debit(ctx, lot.ID, decimal.NewFromFloat(0.1))
		require.NoError(t, err)
	}

	got, err := l.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.True(t, got.RemainingKWH.IsZero(), "remaining = %s", got.RemainingKWH)
	assert.Equal(t, credit.LotExhausted, got.Status)
}

// =============================================================================
// EXPIRATION
// =============================================================================

func TestSweepExpired_MarksAndExcludes(t *testing.T) {
	// GIVEN: one lot expiring tomorrow, one never expiring
	// WHEN: two days pass and a sweep runs
	// THEN: only the dated lot flips to EXPIRED and leaves eligibility;
	//       its balance is untouched for audit

	l, _, clock := newTestLedger(t)
	ctx := context.Background()

	expiry := testStart.Add(24 * time.Hour)
	dated, err := l.AddLot(ctx, "donor-1", kwh(30), &expiry)
	require.NoError(t, err)
	evergreen, err := l.AddLot(ctx, "donor-2", kwh(70), nil)
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)

	swept, err := l.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []credit.LotID{dated.ID}, swept)

	got, err := l.GetLot(ctx, dated.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.LotExpired, got.Status)
	assert.True(t, got.RemainingKWH.Equal(kwh(30)), "expired balance is preserved")

	eligible, err := l.ListEligible(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, evergreen.ID, eligible[0].ID)

	// Idempotent
	swept, err = l.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, swept)
}

func TestListEligible_ConsumptionOrder(t *testing.T) {
	// Soonest expiration first; lots without expiration last.
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	late := testStart.AddDate(0, 6, 0)
	soon := testStart.AddDate(0, 1, 0)

	lotLate, err := l.AddLot(ctx, "d", kwh(10), &late)
	require.NoError(t, err)
	lotNever, err := l.AddLot(ctx, "d", kwh(10), nil)
	require.NoError(t, err)
	lotSoon, err := l.AddLot(ctx, "d", kwh(10), &soon)
	require.NoError(t, err)

	eligible, err := l.ListEligible(ctx, testStart)
	require.NoError(t, err)
	require.Len(t, eligible, 3)
	assert.Equal(t, lotSoon.ID, eligible[0].ID)
	assert.Equal(t, lotLate.ID, eligible[1].ID)
	assert.Equal(t, lotNever.ID, eligible[2].ID)
}

func TestTotalAvailable_SumsEligibleOnly(t *testing.T) {
	l, _, clock := newTestLedger(t)
	ctx := context.Background()

	expiry := testStart.Add(time.Hour)
	_, err := l.AddLot(ctx, "d", kwh(100), &expiry)
	require.NoError(t, err)
	_, err = l.AddLot(ctx, "d", kwh(250.5), nil)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)

	total, err := l.TotalAvailable(ctx)
	require.NoError(t, err)
	assert.True(t, total.Equal(kwh(250.5)), "total = %s", total)
}

// =============================================================================
// BLOCK / UNBLOCK
// =============================================================================

func TestBlockUnblock_RoundTrip(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	lot, err := l.AddLot(ctx, "donor-1", kwh(100), nil)
	require.NoError(t, err)

	_, err = l.Debit(ctx, lot.ID, kwh(30))
	require.NoError(t, err)

	require.NoError(t, l.Block(ctx, lot.ID))
	got, err := l.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.LotBlocked, got.Status)

	eligible, err := l.ListEligible(ctx, testStart)
	require.NoError(t, err)
	assert.Empty(t, eligible, "blocked lots leave the pool")

	// Unblock falls back to the derived status, not blindly AVAILABLE.
	require.NoError(t, l.Unblock(ctx, lot.ID))
	got, err = l.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.LotPartiallyUsed, got.Status)
}

func TestUnblock_NotBlocked_Noop(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	lot, err := l.AddLot(ctx, "donor-1", kwh(100), nil)
	require.NoError(t, err)

	require.NoError(t, l.Unblock(ctx, lot.ID))
	got, err := l.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.LotAvailable, got.Status)
}
