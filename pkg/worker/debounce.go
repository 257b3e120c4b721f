package worker

import (
	"sync"
	"time"
)

// Debouncer suppresses repeated recomputes of the same repo inside a short
// window. State is process-local; after a restart the first recompute per
// repo always passes, which only costs an extra computation.
type Debouncer struct {
	mu     sync.Mutex
	window time.Duration
	last   map[debounceKey]time.Time
	now    func() time.Time
}

type debounceKey struct {
	workspaceID string
	repoID      int64
}

// NewDebouncer creates a debouncer with the given window. A zero or negative
// window disables debouncing.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window: window,
		last:   make(map[debounceKey]time.Time),
		now:    time.Now,
	}
}

// Allow reports whether a recompute for the repo may run now, and records the
// attempt when it may. Calls inside the window after an allowed one return
// false and do not extend the window.
func (d *Debouncer) Allow(workspaceID string, repoID int64) bool {
	if d == nil || d.window <= 0 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	key := debounceKey{workspaceID: workspaceID, repoID: repoID}
	now := d.now()
	if last, ok := d.last[key]; ok && now.Sub(last) < d.window {
		return false
	}
	d.last[key] = now
	return true
}

// Filter returns the subset of repoIDs whose recompute is allowed now.
func (d *Debouncer) Filter(workspaceID string, repoIDs []int64) []int64 {
	allowed := make([]int64, 0, len(repoIDs))
	for _, repoID := range repoIDs {
		if d.Allow(workspaceID, repoID) {
			allowed = append(allowed, repoID)
		}
	}
	return allowed
}

// Prune drops entries older than the window to keep the map bounded.
func (d *Debouncer) Prune() {
	if d == nil || d.window <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-d.window)
	for key, last := range d.last {
		if last.Before(cutoff) {
			delete(d.last, key)
		}
	}
}
