package conference

import (
	"context"
	"log/slog"

	"github.com/sebas/cascadefocus/internal/bridge"
)

// UpdateParticipant forwards the update to the owning session and, for
// non-visitors, mirrors source updates to every reachable other session via
// its relay.
func (m *Manager) UpdateParticipant(ctx context.Context, participantID string, transport []byte) error {
	m.mu.Lock()
	s, ok := m.participantToSession[participantID]
	if !ok {
		m.mu.Unlock()
		return errParticipantNotFound
	}
	visitor := m.participantVisitor[participantID]
	bridgeAddress := s.bridgeAddress
	relayID := s.relayID

	var mirrors []mirrorUpdate
	if !visitor && relayID != "" {
		m.cascade.GetPathsFrom(relayID, func(node, parent string) {
			if parent == "" || node == relayID {
				return
			}
			if peer, ok := m.sessionsByRelay[node]; ok {
				mirrors = append(mirrors, mirrorUpdate{bridgeAddress: peer.bridgeAddress, peerRelayID: relayID, participantID: participantID, create: false})
			}
		})
	}
	m.mu.Unlock()

	if err := m.transport.UpdateEndpoint(ctx, bridgeAddress, participantID, transport); err != nil {
		return err
	}
	for _, u := range mirrors {
		if err := m.transport.UpdateRemoteParticipant(ctx, u.bridgeAddress, u.peerRelayID, u.participantID, u.create); err != nil {
			slog.Warn("[Conference] updateRemoteParticipant failed", "conference", m.id, "error", err)
		}
	}
	return nil
}

// Mute forwards a force-mute (or unmute) request to each session owning one
// of participantIDs. Unknown participant ids are skipped rather than
// failing the whole batch.
func (m *Manager) Mute(ctx context.Context, participantIDs []string, mediaType string, doMute bool) error {
	type target struct {
		bridgeAddress string
		participantID string
	}
	m.mu.Lock()
	targets := make([]target, 0, len(participantIDs))
	for _, p := range participantIDs {
		s, ok := m.participantToSession[p]
		if !ok {
			continue
		}
		targets = append(targets, target{bridgeAddress: s.bridgeAddress, participantID: p})
	}
	m.mu.Unlock()

	var firstErr error
	for _, t := range targets {
		if err := m.transport.MuteForce(ctx, t.bridgeAddress, t.participantID, mediaType, doMute); err != nil {
			slog.Warn("[Conference] muteForce failed", "conference", m.id, "participant", t.participantID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SetRelayTransport handles the bridge-to-bridge transport handshake: the
// local session received its own bridge's transport answer; find the peer
// session by peerRelayID and forward it. Silently ignored if either side is
// gone.
func (m *Manager) SetRelayTransport(ctx context.Context, relayID, peerRelayID string, transport []byte) error {
	m.mu.Lock()
	local, ok := m.sessionsByRelay[relayID]
	if !ok || local.getState().terminal() {
		m.mu.Unlock()
		return nil
	}
	peer, ok := m.sessionsByRelay[peerRelayID]
	if !ok || peer.getState().terminal() {
		m.mu.Unlock()
		return nil
	}
	peerAddress := peer.bridgeAddress
	m.mu.Unlock()

	return m.transport.CompleteRelayHandshake(ctx, peerAddress, relayID, transport)
}

// removalTrigger distinguishes which external event caused a removal, for
// event-emission purposes only; teardown mechanics are identical.
type removalTrigger int

const (
	triggerExplicitRemoval removalTrigger = iota
	triggerBridgeRemoved
	triggerSessionFailed
	triggerEndpointFailed
)

// RemoveBridge tears down the session hosted on b, if any, as an ungraceful
// removal. It returns the ids of the participants that were displaced, so
// the host can re-invite them.
func (m *Manager) RemoveBridge(ctx context.Context, b *bridge.Bridge) ([]string, error) {
	m.mu.Lock()
	s, ok := m.sessionsByBridge[b]
	if !ok {
		m.mu.Unlock()
		return nil, nil
	}
	m.mu.Unlock()
	return m.evictSession(ctx, s, triggerBridgeRemoved)
}

// SessionFailed marks the session hosted on b as Failed and tears it down
// without sending an expire request toward the failed bridge.
func (m *Manager) SessionFailed(ctx context.Context, b *bridge.Bridge) error {
	m.mu.Lock()
	s, ok := m.sessionsByBridge[b]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	s.fail()
	_, err := m.evictSession(ctx, s, triggerSessionFailed)
	return err
}

// Expire tears down the whole conference: every session is evicted in turn
// until none remain. Pending allocations are abandoned; their post-wait
// re-verification fails gracefully.
func (m *Manager) Expire(ctx context.Context) error {
	for {
		m.mu.Lock()
		var s *session
		for _, sess := range m.sessionsByBridge {
			s = sess
			break
		}
		if s == nil {
			for p := range m.pendingAllocations {
				delete(m.pendingAllocations, p)
			}
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		if _, err := m.evictSession(ctx, s, triggerExplicitRemoval); err != nil {
			return err
		}
	}
}

// EndpointFailed treats a single participant's endpoint as gone, same
// mechanics as RemoveParticipant, different trigger.
func (m *Manager) EndpointFailed(ctx context.Context, participantID string) error {
	return m.RemoveParticipant(ctx, participantID)
}

// RequestICERestart handles a participant-initiated ICE restart: the request
// is rate-limited per participant, the owning bridge's restart-rate tracker
// is bumped, and the participant is removed so the host can re-invite it,
// likely onto a different bridge.
func (m *Manager) RequestICERestart(ctx context.Context, participantID string) error {
	if !m.restarts.Allow(participantID) {
		return errRestartRateLimited
	}

	m.mu.Lock()
	s, ok := m.participantToSession[participantID]
	if !ok {
		m.mu.Unlock()
		return errParticipantNotFound
	}
	b := m.bridgeForSessionLocked(s)
	m.mu.Unlock()

	if b != nil {
		b.EndpointRequestedRestart()
	}
	return m.RemoveParticipant(ctx, participantID)
}

// evictSession tears down every participant on s and the session itself,
// returning the displaced participant ids.
func (m *Manager) evictSession(ctx context.Context, s *session, trigger removalTrigger) ([]string, error) {
	m.mu.Lock()
	participants := make([]string, 0, len(s.participants))
	s.mu.Lock()
	for p := range s.participants {
		participants = append(participants, p)
	}
	s.mu.Unlock()
	for _, p := range participants {
		delete(m.participantToSession, p)
		delete(m.participantVisitor, p)
		m.restarts.Forget(p)
	}
	if b := m.bridgeForSessionLocked(s); b != nil && len(participants) > 0 {
		b.EndpointRemoved(int64(len(participants)))
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

	if trigger != triggerSessionFailed {
		for _, peerAddress := range expireRelayTargets {
			if err := m.transport.ExpireRelay(ctx, peerAddress, s.relayID); err != nil {
				slog.Warn("[Conference] expireRelay failed", "conference", m.id, "error", err)
			}
		}
	}
	m.issueRelayCalls(ctx, repairCalls)
	if s.getState() == SessionExpiring {
		s.setState(SessionExpired)
	}

	for _, p := range participants {
		m.publish(Event{Kind: EventEndpointRemoved, ParticipantID: p, BridgeAddress: bridgeAddress})
	}
	m.publish(Event{Kind: EventBridgeRemoved, BridgeAddress: bridgeAddress})
	return participants, nil
}
