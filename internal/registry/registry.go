// Package registry tracks every known bridge by address: discovery via
// telemetry upserts, removal, health-check callbacks, and the
// added/removed/shutting-down/failed-health-check event fan-out.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sebas/cascadefocus/internal/bridge"
	"github.com/sebas/cascadefocus/internal/clock"
)

// EventKind identifies which registry event fired.
type EventKind int

const (
	// BridgeAdded fires when upsert creates a new Bridge.
	BridgeAdded EventKind = iota
	// BridgeRemoved fires when remove drops a Bridge.
	BridgeRemoved
	// BridgeShuttingDown fires when a Bridge's shuttingDown flag transitions
	// from false to true.
	BridgeShuttingDown
	// BridgeFailedHealthCheck fires on an explicit unhealthy verdict, never
	// on a bare timeout.
	BridgeFailedHealthCheck
)

// Event is delivered synchronously to every registered Listener.
type Event struct {
	Kind   EventKind
	Bridge *bridge.Bridge
}

// Listener receives registry events. Implementations must not block; the
// registry calls listeners synchronously while holding no internal lock.
type Listener func(Event)

// Registry is the address-keyed bridge directory. At most one Bridge exists
// per address at a time; a removed address is never resurrected in place —
// a later upsert for the same address creates a brand new Bridge instance.
type Registry struct {
	cfg bridge.Config
	clk clock.Clock

	mu        sync.RWMutex
	byAddress map[string]*bridge.Bridge

	listenersMu sync.RWMutex
	listeners   []Listener

	lostBridges atomic.Int64
}

// New creates an empty Registry using cfg for every Bridge it creates.
func New(cfg bridge.Config, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.System
	}
	return &Registry{
		cfg:       cfg,
		clk:       clk,
		byAddress: make(map[string]*bridge.Bridge),
	}
}

// AddListener registers l to receive future events. It does not replay past
// events.
func (r *Registry) AddListener(l Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) publish(e Event) {
	r.listenersMu.RLock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenersMu.RUnlock()

	for _, l := range listeners {
		l(e)
	}
}

// Upsert creates or updates the Bridge at address. If address is new, it
// creates a Bridge, applies telemetry (if any), and publishes BridgeAdded.
// If address already exists, it merges telemetry and publishes
// BridgeShuttingDown when shuttingDown transitions false -> true.
func (r *Registry) Upsert(address string, telemetry *bridge.Snapshot) *bridge.Bridge {
	r.mu.Lock()
	b, exists := r.byAddress[address]
	var wasShuttingDown bool
	if exists {
		wasShuttingDown = b.ShuttingDown()
	} else {
		b = bridge.New(address, r.cfg, r.clk)
		r.byAddress[address] = b
	}
	r.mu.Unlock()

	if telemetry != nil {
		b.SetTelemetry(*telemetry)
	}

	if !exists {
		slog.Info("[Registry] bridge added", "address", address)
		r.publish(Event{Kind: BridgeAdded, Bridge: b})
		return b
	}

	if !wasShuttingDown && b.ShuttingDown() {
		slog.Info("[Registry] bridge entered shutting-down", "address", address)
		r.publish(Event{Kind: BridgeShuttingDown, Bridge: b})
	}
	return b
}

// Remove drops the Bridge at address, if present, publishes BridgeRemoved,
// and marks it so it is never resurrected by address reuse. If the bridge
// was not already in graceful shutdown, the lost-bridges counter increments.
func (r *Registry) Remove(address string) {
	r.mu.Lock()
	b, ok := r.byAddress[address]
	if ok {
		delete(r.byAddress, address)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	graceful := b.InGracefulShutdown()
	b.MarkRemoved()
	if !graceful {
		r.lostBridges.Add(1)
		slog.Warn("[Registry] bridge lost (ungraceful removal)", "address", address)
	} else {
		slog.Info("[Registry] bridge removed", "address", address)
	}
	r.publish(Event{Kind: BridgeRemoved, Bridge: b})
}

// LostBridges returns the count of removals observed while the bridge was
// not in graceful shutdown.
func (r *Registry) LostBridges() int64 {
	return r.lostBridges.Load()
}

// Get returns the Bridge at address, if present.
func (r *Registry) Get(address string) (*bridge.Bridge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byAddress[address]
	return b, ok
}

// Snapshot returns every known Bridge, sorted by address, as a copy safe to
// range over without holding the registry lock.
func (r *Registry) Snapshot() []*bridge.Bridge {
	r.mu.RLock()
	out := make([]*bridge.Bridge, 0, len(r.byAddress))
	for _, b := range r.byAddress {
		out = append(out, b)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// HealthPassed marks address operational.
func (r *Registry) HealthPassed(address string) {
	b, ok := r.Get(address)
	if !ok {
		return
	}
	b.SetOperational(true)
}

// HealthFailed marks address non-operational and publishes
// BridgeFailedHealthCheck, triggering conference-level eviction.
func (r *Registry) HealthFailed(address string) {
	b, ok := r.Get(address)
	if !ok {
		return
	}
	b.SetOperational(false)
	slog.Warn("[Registry] bridge failed health check", "address", address)
	r.publish(Event{Kind: BridgeFailedHealthCheck, Bridge: b})
}

// HealthTimedOut marks address non-operational but, unlike HealthFailed,
// does not publish an eviction event: a bare timeout during an intermittent
// network partition must not trigger mass conference migration. Conferences
// react only to actual request failures against the bridge.
func (r *Registry) HealthTimedOut(address string) {
	b, ok := r.Get(address)
	if !ok {
		return
	}
	b.SetOperational(false)
	slog.Debug("[Registry] bridge health check timed out", "address", address)
}
