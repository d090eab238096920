package conference

import (
	"encoding/json"
	"sort"
)

// DebugState dumps a JSON snapshot of the manager's cascade, session table,
// and participant table for diagnostics. Output ordering is deterministic
// so successive dumps can be diffed.
func (m *Manager) DebugState() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type sessionView struct {
		ID            string   `json:"id"`
		BridgeAddress string   `json:"bridge_address"`
		RelayID       string   `json:"relay_id"`
		State         string   `json:"state"`
		Participants  []string `json:"participants"`
	}
	view := struct {
		ConferenceID string        `json:"conference_id"`
		Sessions     []sessionView `json:"sessions"`
		CascadeNodes []string      `json:"cascade_nodes"`
	}{ConferenceID: m.id}

	for _, s := range m.sessionsByBridge {
		s.mu.Lock()
		participants := make([]string, 0, len(s.participants))
		for p := range s.participants {
			participants = append(participants, p)
		}
		sort.Strings(participants)
		view.Sessions = append(view.Sessions, sessionView{
			ID:            s.id,
			BridgeAddress: s.bridgeAddress,
			RelayID:       s.relayID,
			State:         s.state.String(),
			Participants:  participants,
		})
		s.mu.Unlock()
	}
	sort.Slice(view.Sessions, func(i, j int) bool {
		return view.Sessions[i].BridgeAddress < view.Sessions[j].BridgeAddress
	})
	view.CascadeNodes = m.cascade.Nodes()
	sort.Strings(view.CascadeNodes)

	return json.Marshal(view)
}
