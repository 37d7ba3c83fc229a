package syncutil

import (
	"sync"
	"time"
)

// Guard makes one disruptive, non-idempotent operation globally exclusive.
// Re-entry is rejected immediately rather than queued: the guarded operation
// must never run twice, and callers need the "already in progress" signal to
// report back instead of piling up behind a destructive reset.
type Guard struct {
	mu     sync.Mutex
	active bool
	since  time.Time
}

// NewGuard creates an inactive guard.
func NewGuard() *Guard {
	return &Guard{}
}

// Begin claims the guard. It returns false, leaving the current holder and
// its elapsed clock untouched, if the guard is already held.
func (g *Guard) Begin() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active {
		return false
	}
	g.active = true
	g.since = time.Now()
	return true
}

// End releases the guard. Safe to call when inactive.
func (g *Guard) End() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = false
	g.since = time.Time{}
}

// IsActive reports whether the guard is held.
func (g *Guard) IsActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Elapsed returns how long the guard has been held, or zero when inactive.
// The holder's watchdog uses this to self-abort past its ceiling.
func (g *Guard) Elapsed() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active {
		return 0
	}
	return time.Since(g.since)
}
