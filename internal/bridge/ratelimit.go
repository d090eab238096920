package bridge

import (
	"sync"
	"time"

	"github.com/sebas/cascadefocus/internal/clock"
)

// RestartLimiter rate-limits ICE-restart requests from a single participant:
// at most maxRequests in any window, with a minimum gap between consecutive
// requests. Applied at the conference layer before re-inviting.
type RestartLimiter struct {
	mu          sync.Mutex
	clk         clock.Clock
	window      time.Duration
	maxRequests int
	minGap      time.Duration

	byParticipant map[string]*restartHistory
}

type restartHistory struct {
	times []time.Time
}

// DefaultRestartLimiter returns a limiter allowing at most 3 restarts in any
// 60s window, with at least 10s between consecutive requests.
func DefaultRestartLimiter(clk clock.Clock) *RestartLimiter {
	if clk == nil {
		clk = clock.System
	}
	return &RestartLimiter{
		clk:           clk,
		window:        60 * time.Second,
		maxRequests:   3,
		minGap:        10 * time.Second,
		byParticipant: make(map[string]*restartHistory),
	}
}

// Allow reports whether participantID may issue another restart request now,
// and if so records it.
func (l *RestartLimiter) Allow(participantID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	h, ok := l.byParticipant[participantID]
	if !ok {
		h = &restartHistory{}
		l.byParticipant[participantID] = h
	}

	cutoff := now.Add(-l.window)
	kept := h.times[:0]
	for _, t := range h.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	h.times = kept

	if len(h.times) > 0 && now.Sub(h.times[len(h.times)-1]) < l.minGap {
		return false
	}
	if len(h.times) >= l.maxRequests {
		return false
	}

	h.times = append(h.times, now)
	return true
}

// Forget drops tracking state for a participant (called when the
// participant's session is evicted; RemoveParticipant does not call it).
func (l *RestartLimiter) Forget(participantID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byParticipant, participantID)
}
