/*
scheduler.go - Periodic distribution scheduler

PURPOSE:
  Runs distributions on a timer so credits flow without anyone pressing
  a button: donations queue up, the scheduler matches them to waiting
  beneficiaries. Each tick also sweeps expired lots (the run does this
  itself, so a tick with no demand still retires stale supply) and
  reinstates fulfilled beneficiaries who need energy again.

DESIGN:
  - Background goroutine on a configurable ticker
  - Each tick is one Distributor.Run; concurrent manual triggers are
    safe because runs skip rows other runs hold
  - A failed tick is logged and the next tick proceeds

SEE ALSO:
  - dispatch/dispatch.go: the run itself
  - handlers.go: Distribute endpoint (manual trigger)
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wattshare/credit-engine/credit"
	"github.com/wattshare/credit-engine/dispatch"
	"github.com/wattshare/credit-engine/waitlist"
)

// DistributionScheduler triggers runs on an interval.
type DistributionScheduler struct {
	Distributor *dispatch.Distributor
	Queue       *waitlist.Queue
	Store       credit.TxStore
	Interval    time.Duration
	Enabled     bool
	Log         *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewDistributionScheduler creates a scheduler with the default interval.
func NewDistributionScheduler(d *dispatch.Distributor, q *waitlist.Queue, store credit.TxStore, log *slog.Logger) *DistributionScheduler {
	if log == nil {
		log = slog.Default()
	}
	return &DistributionScheduler{
		Distributor: d,
		Queue:       q,
		Store:       store,
		Interval:    1 * time.Hour,
		Enabled:     true,
		Log:         log,
		stop:        make(chan struct{}),
	}
}

// Start begins the scheduler.
func (ds *DistributionScheduler) Start() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.Enabled {
		ds.Log.Info("scheduler disabled, not starting")
		return
	}

	ds.ticker = time.NewTicker(ds.Interval)
	ds.wg.Add(1)
	go ds.run()

	ds.Log.Info("scheduler started", "interval", ds.Interval)
}

// Stop stops the scheduler and waits for an in-flight tick to finish.
func (ds *DistributionScheduler) Stop() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.ticker != nil {
		ds.ticker.Stop()
		close(ds.stop)
		ds.wg.Wait()
		ds.Log.Info("scheduler stopped")
	}
}

func (ds *DistributionScheduler) run() {
	defer ds.wg.Done()

	// Run immediately on start
	ds.tick()

	for {
		select {
		case <-ds.ticker.C:
			ds.tick()
		case <-ds.stop:
			return
		}
	}
}

func (ds *DistributionScheduler) tick() {
	ctx := context.Background()

	result, err := ds.Distributor.Run(ctx, 0)
	if err != nil {
		ds.Log.Error("scheduled distribution failed", "err", err)
		return
	}

	if result.BeneficiariesFulfilled > 0 {
		ds.Log.Info("scheduled distribution",
			"run", result.RunID,
			"kwh", credit.ReportKWH(result.TotalKWHDistributed),
			"fulfilled", result.BeneficiariesFulfilled)
	}

	ds.reinstateFulfilled(ctx)
}

// reinstateFulfilled walks FULFILLED entries and re-queues beneficiaries
// whose balance has dropped below their baseline again.
func (ds *DistributionScheduler) reinstateFulfilled(ctx context.Context) {
	entries, err := ds.Store.ListEntriesByStatus(ctx, credit.EntryFulfilled)
	if err != nil {
		ds.Log.Error("failed to list fulfilled entries", "err", err)
		return
	}

	reinstated := 0
	for _, e := range entries {
		ok, err := ds.Queue.ReinstateOrRemove(ctx, e.ID)
		if err != nil {
			ds.Log.Warn("reinstate check failed", "entry", e.ID, "err", err)
			continue
		}
		if ok {
			reinstated++
		}
	}
	if reinstated > 0 {
		ds.Log.Info("reinstated fulfilled beneficiaries", "count", reinstated)
	}
}

// RunNow triggers an immediate tick (for testing/admin).
func (ds *DistributionScheduler) RunNow() {
	ds.tick()
}
