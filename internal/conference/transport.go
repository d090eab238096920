package conference

import "context"

// AllocateRequest is what the manager asks a bridge to do for a newly
// arriving (or relay-mirrored) endpoint.
type AllocateRequest struct {
	ConferenceID string
	EndpointID   string
	Visitor      bool
	Transport    []byte // opaque transport blob (e.g. an SDP-equivalent offer)
}

// AllocateResponse is the bridge's answer to an AllocateRequest.
type AllocateResponse struct {
	Transport []byte
}

// Transport is the external "bridge control" surface the manager drives:
// allocate/expire endpoints, create/tear down relays between bridges, and
// mirror remote participants across the cascade. Implementations normalize
// whatever wire protocol they speak into *Error's taxonomy.
type Transport interface {
	// Allocate issues the "allocate endpoint" request on bridgeAddress.
	Allocate(ctx context.Context, bridgeAddress string, req AllocateRequest) (*AllocateResponse, error)
	// ExpireEndpoint tears down a single endpoint on bridgeAddress.
	ExpireEndpoint(ctx context.Context, bridgeAddress, endpointID string) error
	// ExpireRelay tears down the relay session bridgeAddress holds toward peerRelayID.
	ExpireRelay(ctx context.Context, bridgeAddress, peerRelayID string) error
	// CreateRelay asks bridgeAddress to establish a relay toward peerRelayID.
	CreateRelay(ctx context.Context, bridgeAddress, peerRelayID string) error
	// UpdateRemoteParticipant tells bridgeAddress about a participant owned by
	// a peer relay, creating or updating its mirrored entry.
	UpdateRemoteParticipant(ctx context.Context, bridgeAddress, peerRelayID, participantID string, create bool) error
	// ExpireRemoteParticipant tells bridgeAddress to drop its mirrored entry
	// for a participant owned by peerRelayID.
	ExpireRemoteParticipant(ctx context.Context, bridgeAddress, peerRelayID, participantID string) error
	// UpdateEndpoint forwards a transport/source update for a locally owned endpoint.
	UpdateEndpoint(ctx context.Context, bridgeAddress, endpointID string, transport []byte) error
	// CompleteRelayHandshake forwards a bridge-to-bridge relay transport answer
	// from the relay identified by fromRelayID to bridgeAddress.
	CompleteRelayHandshake(ctx context.Context, bridgeAddress, fromRelayID string, transport []byte) error
	// MuteForce asks bridgeAddress to force-mute (or unmute) endpointID's mediaType.
	MuteForce(ctx context.Context, bridgeAddress, endpointID, mediaType string, doMute bool) error
}
