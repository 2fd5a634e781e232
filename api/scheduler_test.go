package api_test

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

	"github.com/wattshare/credit-engine/api"
	"github.com/wattshare/credit-engine/credit"
	"github.com/wattshare/credit-engine/dispatch"
	"github.com/wattshare/credit-engine/ledger"
	"github.com/wattshare/credit-engine/store/sqlite"
	"github.com/wattshare/credit-engine/waitlist"
)

func TestScheduler_TickDistributesAndReinstates(t *testing.T) {
	// GIVEN: supply, a waiting beneficiary whose baseline exceeds their
	//        request, and a scheduler
	// WHEN: a tick runs
	// THEN: the entry is fulfilled by the run and immediately reinstated
	//       to WAITING because the balance is still below the baseline

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := clockwork.NewFakeClockAt(testStart)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	lg := ledger.New(store, store, clock, log)
	queue := waitlist.New(store, store, clock, log)
	dist := dispatch.New(store, lg, queue, store, clock, log)

	ctx := context.Background()
	_, err = lg.AddLot(ctx, "donor-1", decimal.NewFromInt(1000), nil)
	require.NoError(t, err)
	entry, err := queue.Enqueue(ctx, waitlist.EnqueueParams{
		BeneficiaryID:      "ben-1",
		RequestedKWH:       decimal.NewFromInt(100),
		HouseholdIncome:    decimal.NewFromInt(2000),
		HouseholdSize:      3,
		MonthlyBaselineKWH: decimal.NewFromInt(400),
	})
	require.NoError(t, err)

	sched := api.NewDistributionScheduler(dist, queue, store, log)
	sched.RunNow()

	got, err := store.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, credit.EntryWaiting, got.Status, "fulfilled then reinstated in one tick")

	account, err := store.GetAccount(ctx, "ben-1")
	require.NoError(t, err)
	assert.True(t, account.BalanceKWH.Equal(decimal.NewFromInt(100)))
}

func TestScheduler_DisabledDoesNotStart(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := clockwork.NewFakeClockAt(testStart)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	lg := ledger.New(store, store, clock, log)
	queue := waitlist.New(store, store, clock, log)
	dist := dispatch.New(store, lg, queue, store, clock, log)

	sched := api.NewDistributionScheduler(dist, queue, store, log)
	sched.Enabled = false
	sched.Interval = time.Millisecond
	sched.Start()
	sched.Stop()

	runs, err := store.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
