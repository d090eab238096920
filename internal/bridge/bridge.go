// Package bridge models a single media relay server: its load telemetry,
// lifecycle flags, windowed rate counters, and the derived fitness used to
// rank bridges against each other, plus the ICE failure detector whose
// verdict feeds back into that ranking.
package bridge

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/cascadefocus/internal/clock"
)

// Tier is the coarse priority bucket used by the total ordering over bridges.
type Tier int

const (
	// TierOperational is an operational bridge not in graceful shutdown.
	TierOperational Tier = 1
	// TierGraceful is an operational bridge that has announced graceful shutdown.
	TierGraceful Tier = 2
	// TierNonOperational is any bridge that is not currently operational.
	TierNonOperational Tier = 3
)

// Bridge is the per-bridge state object. All fields are guarded by mu;
// readers take the lock briefly and may observe slightly stale values, which
// is fine for ranking purposes.
type Bridge struct {
	// Address is the opaque bridge identity; format-transparent to the core.
	Address string

	clk clock.Clock
	cfg Config

	mu                       sync.RWMutex
	region                   *string
	relayID                  *string
	version                  string
	releaseID                string
	stressLevel              float64
	averageParticipantStress float64

	operational        bool
	inGracefulShutdown bool
	shuttingDown       bool
	draining           bool
	healthy            bool
	removed            bool

	lastFailureInstant    time.Time
	lastIceFailureInstant time.Time
	lastPresenceReceived  time.Time

	endpoints        int64
	restartRate      *RateTracker
	newEndpointsRate *RateTracker
}

// New creates a Bridge for address with the given config and clock. A nil
// clock falls back to the system clock.
func New(address string, cfg Config, clk clock.Clock) *Bridge {
	if clk == nil {
		clk = clock.System
	}
	return &Bridge{
		Address:                  address,
		clk:                      clk,
		cfg:                      cfg,
		averageParticipantStress: cfg.AverageParticipantStress,
		operational:              true,
		healthy:                  true,
		restartRate:              NewRateTracker(cfg.ICEFailureWindow, clk),
		newEndpointsRate:         NewRateTracker(cfg.ParticipantRampupInterval, clk),
	}
}

// SetTelemetry merges a telemetry snapshot, writing only the fields present
// in it; absent fields leave state unchanged.
func (b *Bridge) SetTelemetry(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.removed {
		return
	}

	if s.StressLevel != nil {
		b.stressLevel = *s.StressLevel
	}
	if s.AverageParticipantStress != nil {
		b.averageParticipantStress = *s.AverageParticipantStress
	}
	if s.ShutdownInProgress != nil {
		b.inGracefulShutdown = *s.ShutdownInProgress
	}
	if s.ShuttingDown != nil {
		b.shuttingDown = *s.ShuttingDown
	}
	if s.Drain != nil {
		b.draining = *s.Drain
	}
	if s.Version != nil {
		b.version = *s.Version
	}
	if s.Release != nil {
		b.releaseID = *s.Release
	}
	if s.Region != nil {
		b.region = s.Region
	}
	if s.RelayID != nil {
		b.relayID = s.RelayID
	}
	if s.Healthy != nil {
		b.healthy = *s.Healthy
	} else if b.cfg.UsePresenceForHealth {
		slog.Warn("[Bridge] telemetry snapshot missing health field while presence-based health is enabled",
			"address", b.Address)
	}

	b.lastPresenceReceived = b.clk.Now()
}

// EndpointAdded increments the local endpoint counter and bumps the
// newcomer-rate tracker.
func (b *Bridge) EndpointAdded() {
	b.mu.Lock()
	b.endpoints++
	b.mu.Unlock()
	b.newEndpointsRate.Add(1)
}

// EndpointRemoved decrements the local endpoint counter by n, clamping at
// zero and logging on underflow.
func (b *Bridge) EndpointRemoved(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.endpoints {
		slog.Error("[Bridge] endpointRemoved underflow, clamping to zero",
			"address", b.Address, "removed", n, "current", b.endpoints)
		b.endpoints = 0
		return
	}
	b.endpoints -= n
}

// EndpointCount returns the current local endpoint count.
func (b *Bridge) EndpointCount() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.endpoints
}

// EndpointRequestedRestart bumps the restart-rate tracker and, if the
// resulting rate crosses the configured ICE failure ratio, marks the bridge
// as currently failing ICE.
func (b *Bridge) EndpointRequestedRestart() {
	b.restartRate.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()
	endpoints := float64(b.endpoints)
	if b.endpoints >= int64(b.cfg.ICEMinEndpoints) &&
		b.restartRate.Accumulated() > endpoints*b.cfg.ICEFailureRatio {
		b.lastIceFailureInstant = b.clk.Now()
	}
}

// MarkRemoved idempotently marks the bridge as removed, disabling future
// metric emissions for this instance.
func (b *Bridge) MarkRemoved() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed = true
}

// Removed reports whether MarkRemoved has been called.
func (b *Bridge) Removed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.removed
}

// SetOperational sets the stored operational flag. Setting it false records
// a failure instant for the sticky-failure gate in Operational().
func (b *Bridge) SetOperational(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.operational = v
	if !v {
		b.lastFailureInstant = b.clk.Now()
	}
}

// Operational reports the sticky-gated operational reading: if the last
// failure is within FailureResetThreshold, this returns false regardless of
// the stored flag.
func (b *Bridge) Operational() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.cfg.FailureResetThreshold > 0 && !b.lastFailureInstant.IsZero() {
		if b.clk.Now().Sub(b.lastFailureInstant) < b.cfg.FailureResetThreshold {
			return false
		}
	}
	return b.operational
}

// SetShuttingDown sets the shuttingDown flag directly (used when the host
// observes it out-of-band from telemetry, e.g. an explicit control signal).
func (b *Bridge) SetShuttingDown(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shuttingDown = v
}

// ShuttingDown reports whether the bridge announced it is shutting down.
func (b *Bridge) ShuttingDown() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.shuttingDown
}

// InGracefulShutdown reports whether the bridge is in graceful shutdown.
func (b *Bridge) InGracefulShutdown() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.inGracefulShutdown
}

// Draining reports whether the bridge refuses new conferences.
func (b *Bridge) Draining() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.draining
}

// Healthy reports the last reported raw health flag (distinct from the
// sticky-gated Operational()).
func (b *Bridge) Healthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.healthy
}

// Region returns the bridge's region, or nil if absent.
func (b *Bridge) Region() *string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.region
}

// RelayID returns the bridge's relay id, or nil if it cannot participate in
// multi-bridge conferences.
func (b *Bridge) RelayID() *string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.relayID
}

// LastPresenceReceived returns the instant the last telemetry snapshot was
// applied, for the presence-staleness sweep.
func (b *Bridge) LastPresenceReceived() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastPresenceReceived
}

// Version returns the bridge's reported version.
func (b *Bridge) Version() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

// FailingIce reports whether the bridge is within its ICE failure timeout
// window.
func (b *Bridge) FailingIce() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.failingIceLocked()
}

func (b *Bridge) failingIceLocked() bool {
	if b.lastIceFailureInstant.IsZero() {
		return false
	}
	return b.clk.Now().Sub(b.lastIceFailureInstant) < b.cfg.ICEFailureTimeout
}

// CorrectedStress computes the derived stress used for ranking: the reported
// stress level plus the expected contribution of recently added endpoints,
// floored just above the overload threshold while the bridge is failing ICE.
func (b *Bridge) CorrectedStress() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.correctedStressLocked()
}

func (b *Bridge) correctedStressLocked() float64 {
	newcomers := b.newEndpointsRate.Accumulated()
	if newcomers < 0 {
		newcomers = 0
	}
	stress := b.stressLevel + newcomers*b.averageParticipantStress
	if b.failingIceLocked() {
		floor := b.cfg.StressThreshold + 0.01
		if floor > stress {
			stress = floor
		}
	}
	return stress
}

// IsOverloaded reports whether corrected stress meets or exceeds the
// configured threshold.
func (b *Bridge) IsOverloaded() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.correctedStressLocked() >= b.cfg.StressThreshold
}

// Tier returns the priority bucket used by the total ordering.
func (b *Bridge) Tier() Tier {
	switch {
	case b.Operational() && !b.InGracefulShutdown():
		return TierOperational
	case b.Operational() && b.InGracefulShutdown():
		return TierGraceful
	default:
		return TierNonOperational
	}
}

// Less implements the total ordering over bridges: tier first,
// then corrected stress ascending, then address as a stable tie-break. It is
// deliberately not reflexive-equivalent with equality.
func Less(a, b *Bridge) bool {
	ta, tb := a.Tier(), b.Tier()
	if ta != tb {
		return ta < tb
	}
	sa, sb := a.CorrectedStress(), b.CorrectedStress()
	if sa != sb {
		return sa < sb
	}
	return a.Address < b.Address
}
