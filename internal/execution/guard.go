package execution

import (
	"sync"
	"time"

	"upbitScalper/internal/ports"
)

// guard is a non-reentrant in-flight flag with minimum spacing between submissions.
// Every acquisition gets a generation number so that a release arriving after a
// forced clear cannot free a newer holder.
type guard struct {
	mu            sync.Mutex
	held          bool
	gen           uint64
	since         time.Time
	lastSubmitted time.Time
}

// acquire takes the guard. bypassSpacing skips the minimum-spacing check.
func (g *guard) acquire(now time.Time, spacing time.Duration, bypassSpacing bool) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return 0, ports.ErrBusy
	}
	if !bypassSpacing && !g.lastSubmitted.IsZero() && now.Sub(g.lastSubmitted) < spacing {
		return 0, ports.ErrCooldown
	}
	g.gen++
	g.held = true
	g.since = now
	return g.gen, nil
}

// markSubmitted records that an order actually reached the exchange.
func (g *guard) markSubmitted(now time.Time) {
	g.mu.Lock()
	g.lastSubmitted = now
	g.mu.Unlock()
}

// release frees the guard if gen is still the current holder.
func (g *guard) release(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held && g.gen == gen {
		g.held = false
	}
}

// forceRelease clears the guard regardless of holder. It reports whether it was held.
func (g *guard) forceRelease() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	wasHeld := g.held
	g.held = false
	g.gen++
	return wasHeld
}

// age reports how long the guard has been held.
func (g *guard) age(now time.Time) (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.held {
		return 0, false
	}
	return now.Sub(g.since), true
}
