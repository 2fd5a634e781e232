/*
rowlock.go - Non-blocking per-row locks for concurrent runs

PURPOSE:
  Concurrent distribution runs must partition the available work instead
  of blocking each other or double-allocating a lot. RowLocks is the
  in-process equivalent of SELECT FOR UPDATE SKIP LOCKED: a run tries to
  acquire each candidate row and silently skips rows another run holds.

  Acquisition never blocks, which bounds run latency under contention.
  Keys are namespaced by the caller ("lot:<id>", "entry:<id>") so one
  registry serves both tables.
*/
package dispatch

import "sync"

// RowLocks is a try-lock registry keyed by row identity.
type RowLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewRowLocks() *RowLocks {
	return &RowLocks{held: make(map[string]struct{})}
}

// TryAcquire claims the key if free. Never blocks.
func (r *RowLocks) TryAcquire(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.held[key]; taken {
		return false
	}
	r.held[key] = struct{}{}
	return true
}

// AcquireAvailable claims every free key and returns the ones it got.
// Keys another run holds are skipped, not waited on.
func (r *RowLocks) AcquireAvailable(keys []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	acquired := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, taken := r.held[k]; taken {
			continue
		}
		r.held[k] = struct{}{}
		acquired = append(acquired, k)
	}
	return acquired
}

// Release frees the given keys. Releasing an unheld key is a no-op.
func (r *RowLocks) Release(keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		delete(r.held, k)
	}
}

// Held reports whether a key is currently claimed. Test helper.
func (r *RowLocks) Held(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, taken := r.held[key]
	return taken
}
