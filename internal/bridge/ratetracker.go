package bridge

import (
	"sync"
	"time"

	"github.com/sebas/cascadefocus/internal/clock"
)

// RateTracker accumulates a count of events inside a sliding window. It
// backs the endpoint-restart-rate and newly-added-endpoint-rate counters.
type RateTracker struct {
	mu     sync.Mutex
	window time.Duration
	clk    clock.Clock
	events []rateEvent
}

type rateEvent struct {
	at    time.Time
	delta float64
}

// NewRateTracker creates a tracker accumulating over the given window.
func NewRateTracker(window time.Duration, clk clock.Clock) *RateTracker {
	if clk == nil {
		clk = clock.System
	}
	return &RateTracker{window: window, clk: clk}
}

// Add records delta at the current instant.
func (r *RateTracker) Add(delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, rateEvent{at: r.clk.Now(), delta: delta})
	r.prune()
}

// Accumulated returns the sum of deltas recorded within the window.
func (r *RateTracker) Accumulated() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()
	var total float64
	for _, e := range r.events {
		total += e.delta
	}
	return total
}

// prune drops events older than the window. Caller must hold r.mu.
func (r *RateTracker) prune() {
	if r.window <= 0 {
		return
	}
	cutoff := r.clk.Now().Add(-r.window)
	i := 0
	for i < len(r.events) && r.events[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		r.events = append([]rateEvent(nil), r.events[i:]...)
	}
}
