package conference

import (
	"sync"

	"github.com/google/uuid"
)

// SessionState is the per-bridge-session state machine:
// Allocating -> Allocated -> Active -> Expiring -> Expired, with
// Allocating -> Expired allowed (aborted allocation), and Failed reachable
// from any non-terminal state.
type SessionState int

const (
	SessionAllocating SessionState = iota
	SessionAllocated
	SessionActive
	SessionExpiring
	SessionExpired
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionAllocating:
		return "allocating"
	case SessionAllocated:
		return "allocated"
	case SessionActive:
		return "active"
	case SessionExpiring:
		return "expiring"
	case SessionExpired:
		return "expired"
	case SessionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s SessionState) terminal() bool {
	return s == SessionExpired || s == SessionFailed
}

// session is one bridge's participation in a conference: it owns one or
// more local endpoints (participants placed on this bridge) and knows which
// relayId it publishes to peers, if any.
type session struct {
	mu sync.Mutex

	id            string // opaque diagnostic handle, independent of relayID
	bridgeAddress string
	relayID       string // "" if this bridge cannot relay
	state         SessionState
	participants  map[string]struct{}
}

func newSession(bridgeAddress, relayID string) *session {
	return &session{
		id:            uuid.New().String(),
		bridgeAddress: bridgeAddress,
		relayID:       relayID,
		state:         SessionAllocating,
		participants:  make(map[string]struct{}),
	}
}

func (s *session) setState(next SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = next
}

func (s *session) getState() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) addParticipant(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[id] = struct{}{}
	if s.state == SessionAllocated {
		s.state = SessionActive
	}
}

func (s *session) removeParticipant(id string) (remaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants, id)
	return len(s.participants)
}

func (s *session) hasParticipant(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.participants[id]
	return ok
}

func (s *session) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.terminal() {
		s.state = SessionFailed
	}
}
