// Package service aggregates the bridge registry and the per-conference
// managers into the single cross-conference view the lifecycle timers need:
// which bridges are overloaded and who is on them, which conferences are
// down to one participant, and which bridges have gone presence-stale. It
// owns no business logic of its own; every decision still lives in
// registry.Registry or conference.Manager, and this package only indexes
// managers by conference id behind its own mutex.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/cascadefocus/internal/bridge"
	"github.com/sebas/cascadefocus/internal/cascade"
	"github.com/sebas/cascadefocus/internal/clock"
	"github.com/sebas/cascadefocus/internal/conference"
	"github.com/sebas/cascadefocus/internal/lifecycle"
	"github.com/sebas/cascadefocus/internal/registry"
	"github.com/sebas/cascadefocus/internal/selection"
	"github.com/sebas/cascadefocus/internal/telemetry/tracing"
)

// MetricsSink receives bridge metric observations; implemented by
// internal/telemetry/metrics.Registry.
type MetricsSink interface {
	ObserveBridge(address string, operational bool, stress float64)
}

// ManagerFactory constructs a fresh Manager for a newly seen conference id.
type ManagerFactory func(id string) *conference.Manager

// Service owns the bridge registry and every live conference.Manager,
// keyed by conference id. It implements the lifecycle package's
// RedistributionSource, IdleSource, ParticipantRemover, ConferenceDisposer
// and PresenceSource interfaces so a single lifecycle.Timers can drive all
// four sweeps across the whole fleet.
type Service struct {
	registry *registry.Registry
	factory  ManagerFactory
	clk      clock.Clock
	metrics  MetricsSink

	mu       sync.Mutex
	managers map[string]*conference.Manager

	soleMu    sync.Mutex
	soleSince map[string]soleMark
}

// New creates a Service over an existing registry, using factory to build a
// Manager the first time a conference id is seen via GetOrCreate. A nil clk
// falls back to the system clock; a nil metrics sink disables ObserveBridge.
func New(reg *registry.Registry, factory ManagerFactory, clk clock.Clock, metrics MetricsSink) *Service {
	if clk == nil {
		clk = clock.System
	}
	return &Service{
		registry:  reg,
		factory:   factory,
		clk:       clk,
		metrics:   metrics,
		managers:  make(map[string]*conference.Manager),
		soleSince: make(map[string]soleMark),
	}
}

// DefaultManagerFactory builds the standard ManagerFactory used by the CLI
// entrypoint: one conference.Manager per id, sharing the selector/topology/
// transport triple and, if non-nil, a tracer for the allocate/remove spans.
func DefaultManagerFactory(cfg conference.Config, selector *selection.Selector, topology cascade.TopologyStrategy, transport conference.Transport, tracer *tracing.Tracer) ManagerFactory {
	return func(id string) *conference.Manager {
		m := conference.New(id, cfg, selector, topology, transport)
		if tracer != nil {
			m.SetTracer(tracer)
		}
		return m
	}
}

// GetOrCreate returns the Manager for conferenceID, creating it via factory
// on first use.
func (s *Service) GetOrCreate(conferenceID string) *conference.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.managers[conferenceID]
	if !ok {
		m = s.factory(conferenceID)
		s.managers[conferenceID] = m
		slog.Info("[Service] conference created", "conference", conferenceID)
	}
	return m
}

// Get returns the Manager for conferenceID, if one already exists.
func (s *Service) Get(conferenceID string) (*conference.Manager, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.managers[conferenceID]
	return m, ok
}

// snapshotManagers returns a stable copy of the current conference set,
// safe to range over without holding s.mu.
func (s *Service) snapshotManagers() []*conference.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conference.Manager, 0, len(s.managers))
	for _, m := range s.managers {
		out = append(out, m)
	}
	return out
}

// OverloadedBridges implements lifecycle.RedistributionSource: any known
// bridge whose corrected stress meets or exceeds threshold.
func (s *Service) OverloadedBridges(threshold float64) []*bridge.Bridge {
	var out []*bridge.Bridge
	for _, b := range s.registry.Snapshot() {
		if b.CorrectedStress() >= threshold {
			out = append(out, b)
		}
	}
	return out
}

// EvictionCandidates implements lifecycle.RedistributionSource: up to n
// participants currently hosted on b, across every conference that has a
// session there.
func (s *Service) EvictionCandidates(b *bridge.Bridge, n int) []lifecycle.RedistributionCandidate {
	if n <= 0 {
		return nil
	}
	var out []lifecycle.RedistributionCandidate
	for _, m := range s.snapshotManagers() {
		if len(out) >= n {
			break
		}
		for _, p := range m.ParticipantsOnBridge(b, n-len(out)) {
			out = append(out, lifecycle.RedistributionCandidate{ConferenceID: m.ID(), ParticipantID: p})
		}
	}
	return out
}

// RemoveBridgeEverywhere evicts b's session from every conference currently
// hosting one, returning the ids of every displaced participant so the host
// can re-invite them. Driven by registry BridgeRemoved and
// BridgeFailedHealthCheck events; a bare health-check timeout never reaches
// here.
func (s *Service) RemoveBridgeEverywhere(ctx context.Context, b *bridge.Bridge) []string {
	var displaced []string
	for _, m := range s.snapshotManagers() {
		removed, err := m.RemoveBridge(ctx, b)
		if err != nil {
			slog.Warn("[Service] bridge eviction failed", "conference", m.ID(), "bridge", b.Address, "error", err)
			continue
		}
		displaced = append(displaced, removed...)
	}
	return displaced
}

// RemoveParticipant implements lifecycle.ParticipantRemover by delegating to
// the owning conference's Manager.
func (s *Service) RemoveParticipant(ctx context.Context, conferenceID, participantID string) error {
	m, ok := s.Get(conferenceID)
	if !ok {
		return fmt.Errorf("service: unknown conference %q", conferenceID)
	}
	return m.RemoveParticipant(ctx, participantID)
}

// soleMark remembers the instant a conference was first observed holding
// exactly one participant, and which participant that was (a departure and
// a fresh single arrival must not inherit the old since-instant).
type soleMark struct {
	participantID string
	since         time.Time
}

// SoleParticipantConferences implements lifecycle.IdleSource: every
// conference currently holding exactly one participant, with SoleSince set
// to the instant this package first observed that state (not "now" on every
// call) so the lifecycle sweep can actually measure elapsed idle time.
func (s *Service) SoleParticipantConferences() []lifecycle.IdleConference {
	now := s.clk.Now()
	var out []lifecycle.IdleConference
	for _, m := range s.snapshotManagers() {
		p, ok := m.SoleParticipant()
		if !ok {
			s.clearSoleMark(m.ID())
			continue
		}
		since := s.markSole(m.ID(), p, now)
		out = append(out, lifecycle.IdleConference{ConferenceID: m.ID(), ParticipantID: p, SoleSince: since})
	}
	return out
}

// markSole records (or returns the already-recorded) since-instant for
// conferenceID being alone with participantID. A different participant
// becoming the sole one resets the clock.
func (s *Service) markSole(conferenceID, participantID string, now time.Time) time.Time {
	s.soleMu.Lock()
	defer s.soleMu.Unlock()
	mark, ok := s.soleSince[conferenceID]
	if !ok || mark.participantID != participantID {
		mark = soleMark{participantID: participantID, since: now}
		s.soleSince[conferenceID] = mark
	}
	return mark.since
}

// clearSoleMark drops the remembered sole-participant instant for
// conferenceID, e.g. once it gains a second participant or is disposed.
func (s *Service) clearSoleMark(conferenceID string) {
	s.soleMu.Lock()
	defer s.soleMu.Unlock()
	delete(s.soleSince, conferenceID)
}

// DisposeConference implements lifecycle.ConferenceDisposer: drops the
// Manager from the index once its last participant has been evicted.
func (s *Service) DisposeConference(conferenceID string) error {
	s.mu.Lock()
	delete(s.managers, conferenceID)
	s.mu.Unlock()
	s.clearSoleMark(conferenceID)
	slog.Info("[Service] conference disposed", "conference", conferenceID)
	return nil
}

// LastTelemetryAt implements lifecycle.PresenceSource.
func (s *Service) LastTelemetryAt(b *bridge.Bridge) time.Time {
	return b.LastPresenceReceived()
}

// MarkUnhealthy implements lifecycle.PresenceSource: a stale bridge is
// treated exactly like an explicit health-check failure, which fans out
// BridgeFailedHealthCheck and drives conference-level eviction.
func (s *Service) MarkUnhealthy(b *bridge.Bridge) {
	s.registry.HealthFailed(b.Address)
}

// ObserveBridge implements lifecycle.MetricsSink by forwarding to the
// injected metrics sink, if any.
func (s *Service) ObserveBridge(address string, operational bool, stress float64) {
	if s.metrics != nil {
		s.metrics.ObserveBridge(address, operational, stress)
	}
}
