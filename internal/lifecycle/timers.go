// Package lifecycle drives the periodic background sweeps: metrics refresh,
// load redistribution, single-participant idle timeout, and presence
// staleness. Each is a fixed-interval loop with its own interval; all of
// them stop together when Timers.Stop cancels their shared context. The
// redistribution sweep bounds its concurrent participant
// evictions with a semaphore.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sebas/cascadefocus/internal/bridge"
)

// MaxConcurrentEvictions bounds how many removeParticipant calls a single
// redistribution sweep issues in parallel.
const MaxConcurrentEvictions = 5

// MetricsSink receives the metrics-refresh tick's per-bridge observations.
type MetricsSink interface {
	ObserveBridge(address string, operational bool, stress float64)
}

// RedistributionCandidate is one (conference, participant) pair a sweep may
// evict off an overloaded bridge.
type RedistributionCandidate struct {
	ConferenceID  string
	ParticipantID string
}

// RedistributionSource supplies the current overloaded bridges and, for
// each, candidate participants to move off of it.
type RedistributionSource interface {
	OverloadedBridges(stressThreshold float64) []*bridge.Bridge
	EvictionCandidates(b *bridge.Bridge, n int) []RedistributionCandidate
}

// ParticipantRemover evicts a single participant from its conference,
// independent of which bridge it currently sits on.
type ParticipantRemover interface {
	RemoveParticipant(ctx context.Context, conferenceID, participantID string) error
}

// IdleConference describes a conference currently holding exactly one
// participant, and since when.
type IdleConference struct {
	ConferenceID  string
	ParticipantID string
	SoleSince     time.Time
}

// IdleSource lists single-participant conferences for the idle-timeout sweep.
type IdleSource interface {
	SoleParticipantConferences() []IdleConference
}

// ConferenceDisposer tears down an emptied conference's remaining bookkeeping.
type ConferenceDisposer interface {
	DisposeConference(conferenceID string) error
}

// PresenceSource reports the last telemetry instant seen per bridge, for the
// presence-staleness sweep.
type PresenceSource interface {
	LastTelemetryAt(b *bridge.Bridge) time.Time
	MarkUnhealthy(b *bridge.Bridge)
}

// Config holds the interval/threshold tunables for every timer.
type Config struct {
	MetricsRefreshInterval time.Duration

	LoadRedistributionEnabled   bool
	LoadRedistributionInterval  time.Duration
	LoadRedistributionThreshold float64
	LoadRedistributionEndpoints int

	SingleParticipantTimeout time.Duration
	PresenceStaleTimeout     time.Duration
}

// Timers owns the background loops, which share one cancel function.
type Timers struct {
	cfg    Config
	cancel context.CancelFunc
	done   chan struct{}
}

// Deps bundles the collaborators each timer needs; a nil field disables the
// timer(s) that depend on it regardless of Config.
type Deps struct {
	Metrics          MetricsSink
	RegistrySnapshot func() []*bridge.Bridge
	Redistribution   RedistributionSource
	Remover          ParticipantRemover
	Idle             IdleSource
	Disposer         ConferenceDisposer
	Presence         PresenceSource
}

// Start launches every enabled timer as one goroutine each, returning a
// Timers handle; call Stop to cancel them all and wait for exit.
func Start(ctx context.Context, cfg Config, deps Deps) *Timers {
	ctx, cancel := context.WithCancel(ctx)
	t := &Timers{cfg: cfg, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(t.done)
		var wg errgroup.Group

		if cfg.MetricsRefreshInterval > 0 && deps.Metrics != nil && deps.RegistrySnapshot != nil {
			wg.Go(func() error {
				runTicker(ctx, cfg.MetricsRefreshInterval, func() {
					refreshMetrics(deps.Metrics, deps.RegistrySnapshot())
				})
				return nil
			})
		}
		if cfg.LoadRedistributionEnabled && cfg.LoadRedistributionInterval > 0 {
			wg.Go(func() error {
				runTicker(ctx, cfg.LoadRedistributionInterval, func() {
					redistributeLoad(ctx, cfg, deps.Redistribution, deps.Remover)
				})
				return nil
			})
		}
		if cfg.SingleParticipantTimeout > 0 && deps.Idle != nil && deps.Remover != nil {
			wg.Go(func() error {
				runTicker(ctx, cfg.SingleParticipantTimeout/4, func() {
					sweepIdleConferences(ctx, cfg, deps.Idle, deps.Remover, deps.Disposer)
				})
				return nil
			})
		}
		if cfg.PresenceStaleTimeout > 0 && deps.Presence != nil && deps.RegistrySnapshot != nil {
			wg.Go(func() error {
				runTicker(ctx, cfg.PresenceStaleTimeout/4, func() {
					sweepPresenceStale(cfg, deps.Presence, deps.RegistrySnapshot())
				})
				return nil
			})
		}
		_ = wg.Wait()
	}()

	return t
}

// Stop cancels every running timer and waits for their goroutines to exit.
func (t *Timers) Stop() {
	t.cancel()
	<-t.done
}

func runTicker(ctx context.Context, interval time.Duration, tick func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

func refreshMetrics(sink MetricsSink, bridges []*bridge.Bridge) {
	if sink == nil {
		return
	}
	for _, b := range bridges {
		sink.ObserveBridge(b.Address, b.Operational(), b.CorrectedStress())
	}
}

// redistributeLoad moves up to LoadRedistributionEndpoints participants off
// of every bridge over the stress threshold, with bounded concurrency
// across the whole sweep. Evicted participants are re-invited by the host.
func redistributeLoad(ctx context.Context, cfg Config, source RedistributionSource, remover ParticipantRemover) {
	if source == nil || remover == nil {
		return
	}
	overloaded := source.OverloadedBridges(cfg.LoadRedistributionThreshold)
	if len(overloaded) == 0 {
		return
	}

	sem := semaphore.NewWeighted(MaxConcurrentEvictions)
	g, gCtx := errgroup.WithContext(ctx)

	for _, b := range overloaded {
		candidates := source.EvictionCandidates(b, cfg.LoadRedistributionEndpoints)
		for _, c := range candidates {
			c := c
			g.Go(func() error {
				if err := sem.Acquire(gCtx, 1); err != nil {
					return nil
				}
				defer sem.Release(1)
				if err := remover.RemoveParticipant(gCtx, c.ConferenceID, c.ParticipantID); err != nil {
					slog.Warn("[Lifecycle] redistribution eviction failed", "conference", c.ConferenceID, "participant", c.ParticipantID, "error", err)
				}
				return nil
			})
		}
	}
	_ = g.Wait()
}

// sweepIdleConferences evicts the lone participant of any conference that
// has held exactly one participant longer than the configured timeout, then
// disposes the conference.
func sweepIdleConferences(ctx context.Context, cfg Config, idle IdleSource, remover ParticipantRemover, disposer ConferenceDisposer) {
	now := time.Now()
	for _, c := range idle.SoleParticipantConferences() {
		if now.Sub(c.SoleSince) < cfg.SingleParticipantTimeout {
			continue
		}
		if err := remover.RemoveParticipant(ctx, c.ConferenceID, c.ParticipantID); err != nil {
			slog.Warn("[Lifecycle] idle-timeout eviction failed", "conference", c.ConferenceID, "participant", c.ParticipantID, "error", err)
			continue
		}
		if disposer != nil {
			if err := disposer.DisposeConference(c.ConferenceID); err != nil {
				slog.Warn("[Lifecycle] conference disposal failed", "conference", c.ConferenceID, "error", err)
			}
		}
	}
}

// sweepPresenceStale treats any bridge that has not produced telemetry
// within the staleness timeout as unhealthy, independent of any explicit
// health-check verdict.
func sweepPresenceStale(cfg Config, presence PresenceSource, bridges []*bridge.Bridge) {
	now := time.Now()
	for _, b := range bridges {
		if now.Sub(presence.LastTelemetryAt(b)) >= cfg.PresenceStaleTimeout {
			presence.MarkUnhealthy(b)
		}
	}
}
