// Package conference implements the per-conference session manager: it
// drives bridge selection, cascade topology, and the external
// allocate/expire transport under a single coarse conference mutex.
package conference

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/sebas/cascadefocus/internal/bridge"
	"github.com/sebas/cascadefocus/internal/cascade"
	"github.com/sebas/cascadefocus/internal/selection"
	"github.com/sebas/cascadefocus/internal/telemetry/tracing"
)

// EventKind identifies a conference-level event.
type EventKind int

const (
	BridgeSelectionFailed EventKind = iota
	BridgeSelectionSucceeded
	BridgeCountChanged
	EventBridgeRemoved
	EventEndpointRemoved
)

// Event is delivered synchronously to every registered EventListener.
type Event struct {
	Kind          EventKind
	BridgeAddress string
	ParticipantID string
}

// EventListener receives conference events; must not block.
type EventListener func(Event)

// Config holds conference-manager tunables.
type Config struct {
	MultiBridgeEnabled bool
}

// Allocation is what a successful allocate() returns to the caller.
type Allocation struct {
	Bridge   *bridge.Bridge
	RelayID  string
	Response *AllocateResponse
}

// Manager is the per-conference session manager. A single coarse mutex
// guards the cascade, the session maps, and the participant maps together;
// external I/O is never performed while holding it.
type Manager struct {
	id string

	mu                   sync.Mutex
	cascade              *cascade.Cascade
	sessionsByRelay      map[string]*session // "" = null relayId
	sessionsByBridge     map[*bridge.Bridge]*session
	participantToSession map[string]*session
	participantVisitor   map[string]bool
	pendingAllocations   map[string]struct{} // participantIDs mid-flight in Allocate's unlocked I/O window

	cfg       Config
	selector  *selection.Selector
	topology  cascade.TopologyStrategy
	transport Transport
	tracer    *tracing.Tracer
	restarts  *bridge.RestartLimiter

	listenersMu sync.Mutex
	listeners   []EventListener
}

// SetTracer attaches t so Allocate/RemoveParticipant each open one span
// covering their pre-I/O, I/O, and post-I/O phases. A nil tracer (the default) disables
// tracing entirely; safe to call before the manager serves any request.
func (m *Manager) SetTracer(t *tracing.Tracer) {
	m.tracer = t
}

// New creates an empty Manager for conference id.
func New(id string, cfg Config, selector *selection.Selector, topology cascade.TopologyStrategy, transport Transport) *Manager {
	return &Manager{
		id:                   id,
		cascade:              cascade.New(),
		sessionsByRelay:      make(map[string]*session),
		sessionsByBridge:     make(map[*bridge.Bridge]*session),
		participantToSession: make(map[string]*session),
		participantVisitor:   make(map[string]bool),
		pendingAllocations:   make(map[string]struct{}),
		cfg:                  cfg,
		selector:             selector,
		topology:             topology,
		transport:            transport,
		restarts:             bridge.DefaultRestartLimiter(nil),
	}
}

// AddListener registers l to receive future events.
func (m *Manager) AddListener(l EventListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) publish(e Event) {
	m.listenersMu.Lock()
	listeners := make([]EventListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMu.Unlock()
	for _, l := range listeners {
		l(e)
	}
}

// ID returns the conference identifier this manager owns.
func (m *Manager) ID() string {
	return m.id
}

// ParticipantCount returns the total number of participants currently
// allocated across every session in this conference.
func (m *Manager) ParticipantCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.participantToSession)
}

// SoleParticipant returns the single participant id in this conference and
// true, if and only if exactly one participant is currently allocated.
func (m *Manager) SoleParticipant() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.participantToSession) != 1 {
		return "", false
	}
	for p := range m.participantToSession {
		return p, true
	}
	return "", false
}

// ParticipantsOnBridge returns up to n participant ids currently hosted on
// the session for b, for the load-redistribution sweep's eviction-candidate
// selection.
func (m *Manager) ParticipantsOnBridge(b *bridge.Bridge, n int) []string {
	m.mu.Lock()
	s, ok := m.sessionsByBridge[b]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, n)
	for p := range s.participants {
		if len(out) >= n {
			break
		}
		out = append(out, p)
	}
	return out
}

func relayKey(b *bridge.Bridge) string {
	if r := b.RelayID(); r != nil {
		return *r
	}
	return ""
}

// conferenceBridgePropertiesLocked builds the selection view of bridges
// already in this conference. Must be called with mu held.
func (m *Manager) conferenceBridgePropertiesLocked() map[*bridge.Bridge]selection.ConferenceBridgeProperties {
	out := make(map[*bridge.Bridge]selection.ConferenceBridgeProperties, len(m.sessionsByBridge))
	for b, s := range m.sessionsByBridge {
		s.mu.Lock()
		count := len(s.participants)
		s.mu.Unlock()
		out[b] = selection.ConferenceBridgeProperties{ParticipantCount: count, Visitor: m.sessionVisitorLocked(s)}
	}
	return out
}

func (m *Manager) sessionVisitorLocked(s *session) bool {
	for participantID := range s.participants {
		return m.participantVisitor[participantID]
	}
	return false
}

// pendingRelayWork collects the external calls that must happen after
// releasing the conference lock.
type pendingRelayWork struct {
	createRelays  []relayCall
	mirrorUpdates []mirrorUpdate
}

type mirrorUpdate struct {
	bridgeAddress string
	peerRelayID   string
	participantID string
	create        bool
}

// Allocate places a new participant: it selects a bridge, creates the
// per-bridge session and splices it into the cascade if needed, issues the
// allocate request outside the lock, then re-verifies the session and
// participant survived the wait before committing. allBridges is the
// current known fleet (typically a registry snapshot); requiredVersion is
// the caller's fallback used only when this conference has no bridges yet.
func (m *Manager) Allocate(ctx context.Context, participantID string, props selection.ParticipantProperties, allBridges []*bridge.Bridge, requiredVersion string) (alloc *Allocation, err error) {
	if m.tracer != nil {
		var span trace.Span
		ctx, span = m.tracer.StartAllocate(ctx, m.id, participantID)
		defer func() { tracing.End(span, err) }()
	}

	m.mu.Lock()
	if _, exists := m.participantToSession[participantID]; exists {
		m.mu.Unlock()
		return nil, errParticipantExists
	}

	inConference := m.conferenceBridgePropertiesLocked()
	picked := m.selector.SelectBridge(allBridges, inConference, props, requiredVersion)
	if picked == nil {
		m.mu.Unlock()
		m.publish(Event{Kind: BridgeSelectionFailed, ParticipantID: participantID})
		return nil, newError(SelectionUnavailable, "no candidate bridge", nil)
	}
	if m.tracer != nil {
		tracing.RecordBridgeSelected(trace.SpanFromContext(ctx), picked.Address)
	}

	if len(inConference) > 0 {
		if _, alreadyOnPicked := m.sessionsByBridge[picked]; !alreadyOnPicked {
			if !m.cfg.MultiBridgeEnabled {
				m.mu.Unlock()
				slog.Error("[Conference] selector picked a different bridge with multi-bridge disabled", "conference", m.id)
				return nil, newError(SelectionUnavailable, "multi-bridge disabled", errMultiBridgeDisabled)
			}
			var existingHasRelay bool
			for b := range inConference {
				existingHasRelay = b.RelayID() != nil
				break
			}
			if picked.RelayID() == nil || !existingHasRelay {
				m.mu.Unlock()
				slog.Error("[Conference] selected bridge cannot join multi-bridge conference: missing relayId", "conference", m.id)
				return nil, newError(SelectionUnavailable, "missing relayId for multi-bridge", errMissingRelayID)
			}
		}
	}

	relayID := relayKey(picked)
	s, existed := m.sessionsByBridge[picked]
	work := pendingRelayWork{}
	var justCreated bool
	if !existed {
		s = newSession(picked.Address, relayID)
		m.sessionsByBridge[picked] = s
		m.sessionsByRelay[relayID] = s
		justCreated = true
	}

	if justCreated && relayID != "" {
		candidates := m.anchorCandidatesExceptLocked(relayID)
		newCandidate := cascade.AnchorCandidate{RelayID: relayID, Visitor: props.Visitor, NonVisitor: !props.Visitor}
		if picked.Region() != nil {
			newCandidate.Region = *picked.Region()
		}
		newCandidate.Overloaded = picked.IsOverloaded()
		plan := m.topology.ConnectNode(m.cascade, newCandidate, candidates)
		if err := m.cascade.AddNodeToMesh(relayID, plan.MeshID, plan.ExistingNode); err != nil {
			slog.Warn("[Conference] failed to splice new node into cascade", "conference", m.id, "relayId", relayID, "error", err)
		} else if relayLinks, ok := m.cascade.LinksOf(relayID); ok {
			for peerRelayID := range relayLinks {
				if peer, ok := m.sessionsByRelay[peerRelayID]; ok {
					work.createRelays = append(work.createRelays,
						relayCall{bridgeAddress: picked.Address, peerRelayID: peerRelayID},
						relayCall{bridgeAddress: peer.bridgeAddress, peerRelayID: relayID})
				}
			}
		}
	} else if existed && !props.Visitor && relayID != "" {
		m.cascade.GetPathsFrom(relayID, func(node, parent string) {
			if parent == "" || node == relayID {
				return
			}
			if peer, ok := m.sessionsByRelay[node]; ok {
				work.mirrorUpdates = append(work.mirrorUpdates, mirrorUpdate{
					bridgeAddress: peer.bridgeAddress,
					peerRelayID:   relayID,
					participantID: participantID,
					create:        true,
				})
			}
		})
	}
	m.pendingAllocations[participantID] = struct{}{}
	m.mu.Unlock()

	m.issueRelayCalls(ctx, work.createRelays)
	for _, u := range work.mirrorUpdates {
		if err := m.transport.UpdateRemoteParticipant(ctx, u.bridgeAddress, u.peerRelayID, u.participantID, u.create); err != nil {
			slog.Warn("[Conference] updateRemoteParticipant failed", "conference", m.id, "bridge", u.bridgeAddress, "error", err)
		}
	}

	resp, err := m.transport.Allocate(ctx, picked.Address, AllocateRequest{
		ConferenceID: m.id,
		EndpointID:   participantID,
		Visitor:      props.Visitor,
	})

	m.mu.Lock()
	defer m.mu.Unlock()

	_, stillPending := m.pendingAllocations[participantID]
	delete(m.pendingAllocations, participantID)
	if !stillPending {
		return nil, newError(ParticipantGone, "participant removed during allocate wait", nil)
	}

	curSession, stillThere := m.sessionsByBridge[picked]
	if !stillThere || curSession != s {
		return nil, newError(SessionGone, "session evicted during allocate wait", nil)
	}

	if err != nil {
		ce, ok := err.(*Error)
		if !ok {
			ce = newError(BridgeServiceUnavailable, "allocate request failed", err)
		}
		if ce.Kind.MarksNonOperational() {
			picked.SetOperational(false)
		}
		m.publish(Event{Kind: BridgeSelectionFailed, ParticipantID: participantID, BridgeAddress: picked.Address})
		return nil, ce
	}

	s.addParticipant(participantID)
	if s.getState() == SessionAllocating {
		s.setState(SessionAllocated)
	}
	m.participantToSession[participantID] = s
	m.participantVisitor[participantID] = props.Visitor
	picked.EndpointAdded()
	m.publish(Event{Kind: BridgeSelectionSucceeded, ParticipantID: participantID, BridgeAddress: picked.Address})
	m.publish(Event{Kind: BridgeCountChanged, BridgeAddress: picked.Address})

	return &Allocation{Bridge: picked, RelayID: relayID, Response: resp}, nil
}

func (m *Manager) anchorCandidatesLocked() []cascade.AnchorCandidate {
	return m.anchorCandidatesExceptLocked("")
}

// anchorCandidatesExceptLocked builds the topology-strategy candidate list,
// omitting exceptRelayID (the node currently being spliced in, which is
// already in sessionsByBridge but not yet in the cascade and must never
// anchor to itself). Must be called with mu held.
func (m *Manager) anchorCandidatesExceptLocked(exceptRelayID string) []cascade.AnchorCandidate {
	out := make([]cascade.AnchorCandidate, 0, len(m.sessionsByBridge))
	for b, s := range m.sessionsByBridge {
		if s.relayID == "" || s.relayID == exceptRelayID {
			continue
		}
		cand := cascade.AnchorCandidate{
			RelayID:    s.relayID,
			Visitor:    m.sessionVisitorLocked(s),
			Overloaded: b.IsOverloaded(),
		}
		cand.NonVisitor = !cand.Visitor
		if b.Region() != nil {
			cand.Region = *b.Region()
		}
		out = append(out, cand)
	}
	return out
}

// RemoveParticipant drops a participant from its session. The session's
// last participant tears the session down, removes its node from the
// cascade (repairing any split), and expires the relay on every peer that
// still referenced it; otherwise only this endpoint and its relayed mirrors
// are expired.
func (m *Manager) RemoveParticipant(ctx context.Context, participantID string) (err error) {
	if m.tracer != nil {
		var span trace.Span
		ctx, span = m.tracer.StartRemoveParticipant(ctx, m.id, participantID)
		defer func() { tracing.End(span, err) }()
	}

	m.mu.Lock()
	s, ok := m.participantToSession[participantID]
	if !ok {
		if _, pending := m.pendingAllocations[participantID]; pending {
			delete(m.pendingAllocations, participantID)
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		return errParticipantNotFound
	}
	visitor := m.participantVisitor[participantID]
	delete(m.participantToSession, participantID)
	delete(m.participantVisitor, participantID)
	remaining := s.removeParticipant(participantID)
	if b := m.bridgeForSessionLocked(s); b != nil {
		b.EndpointRemoved(1)
	}
	// Restart-limiter history is deliberately kept: a removed participant is
	// usually about to be re-invited, and its restart budget must survive
	// the round trip.

	if remaining > 0 {
		relayID := s.relayID
		bridgeAddress := s.bridgeAddress
		var mirrors []mirrorUpdate
		if !visitor && relayID != "" {
			m.cascade.GetPathsFrom(relayID, func(node, parent string) {
				if parent == "" || node == relayID {
					return
				}
				if peer, ok := m.sessionsByRelay[node]; ok {
					mirrors = append(mirrors, mirrorUpdate{bridgeAddress: peer.bridgeAddress, peerRelayID: relayID, participantID: participantID})
				}
			})
		}
		m.mu.Unlock()

		if err := m.transport.ExpireEndpoint(ctx, bridgeAddress, participantID); err != nil {
			slog.Warn("[Conference] expireEndpoint failed", "conference", m.id, "error", err)
		}
		for _, mu := range mirrors {
			if err := m.transport.ExpireRemoteParticipant(ctx, mu.bridgeAddress, mu.peerRelayID, mu.participantID); err != nil {
				slog.Warn("[Conference] expireRemoteParticipant failed", "conference", m.id, "error", err)
			}
		}
		m.publish(Event{Kind: EventEndpointRemoved, ParticipantID: participantID, BridgeAddress: bridgeAddress})
		return nil
	}

	bridgeAddress := s.bridgeAddress
	peerRelayIDs, repaired := m.teardownSessionLocked(s)
	var expireRelayTargets []string
	for _, peerRelayID := range peerRelayIDs {
		if peer, ok := m.sessionsByRelay[peerRelayID]; ok {
			expireRelayTargets = append(expireRelayTargets, peer.bridgeAddress)
		}
	}
	repairCalls := m.repairRelayCallsLocked(repaired)
	m.mu.Unlock()

	if err := m.transport.ExpireEndpoint(ctx, bridgeAddress, participantID); err != nil {
		slog.Warn("[Conference] expireEndpoint failed", "conference", m.id, "error", err)
	}
	for _, peerAddress := range expireRelayTargets {
		if err := m.transport.ExpireRelay(ctx, peerAddress, s.relayID); err != nil {
			slog.Warn("[Conference] expireRelay failed", "conference", m.id, "error", err)
		}
	}
	m.issueRelayCalls(ctx, repairCalls)
	if s.getState() == SessionExpiring {
		s.setState(SessionExpired)
	}
	m.publish(Event{Kind: EventEndpointRemoved, ParticipantID: participantID, BridgeAddress: bridgeAddress})
	m.publish(Event{Kind: EventBridgeRemoved, BridgeAddress: bridgeAddress})
	return nil
}

// relayCall is one outbound createRelay request staged under the lock and
// issued after releasing it.
type relayCall struct {
	bridgeAddress string
	peerRelayID   string
}

// repairRelayCallsLocked turns the links a repair re-wired into the paired
// createRelay calls both ends need. Must be called with mu held.
func (m *Manager) repairRelayCallsLocked(repaired []cascade.ProposedLink) []relayCall {
	var out []relayCall
	for _, p := range repaired {
		sa, okA := m.sessionsByRelay[p.A]
		sb, okB := m.sessionsByRelay[p.B]
		if !okA || !okB {
			continue
		}
		out = append(out,
			relayCall{bridgeAddress: sa.bridgeAddress, peerRelayID: p.B},
			relayCall{bridgeAddress: sb.bridgeAddress, peerRelayID: p.A})
	}
	return out
}

func (m *Manager) issueRelayCalls(ctx context.Context, calls []relayCall) {
	for _, c := range calls {
		if err := m.transport.CreateRelay(ctx, c.bridgeAddress, c.peerRelayID); err != nil {
			slog.Warn("[Conference] createRelay failed", "conference", m.id, "bridge", c.bridgeAddress, "peerRelay", c.peerRelayID, "error", err)
		}
	}
}

// bridgeForSessionLocked finds the bridge hosting s. Must be called with mu
// held, before any teardown that unlinks s from sessionsByBridge.
func (m *Manager) bridgeForSessionLocked(s *session) *bridge.Bridge {
	for b, sess := range m.sessionsByBridge {
		if sess == s {
			return b
		}
	}
	return nil
}

// teardownSessionLocked removes s's bookkeeping and repairs the cascade. It
// returns the relayIds s was linked to, so the caller can expire those
// relays after releasing the lock, and the links the repair re-wired, so the
// caller can issue the matching createRelay pairs. Must be called with mu
// held.
func (m *Manager) teardownSessionLocked(s *session) (peers []string, repaired []cascade.ProposedLink) {
	if !s.getState().terminal() {
		s.setState(SessionExpiring)
	}
	for b, sess := range m.sessionsByBridge {
		if sess == s {
			delete(m.sessionsByBridge, b)
			break
		}
	}

	if s.relayID == "" {
		return nil, nil
	}
	delete(m.sessionsByRelay, s.relayID)
	_ = m.cascade.RemoveNode(s.relayID, func(from, to string) {
		peers = append(peers, to)
	}, func(c *cascade.Cascade, partitions [][]string) []cascade.ProposedLink {
		candidates := make(map[string]cascade.AnchorCandidate)
		for _, cand := range m.anchorCandidatesLocked() {
			candidates[cand.RelayID] = cand
		}
		repaired = m.topology.RepairMesh(c, partitions, candidates)
		return repaired
	})
	return peers, repaired
}

