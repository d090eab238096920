package transport

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"

	"github.com/sebas/cascadefocus/internal/conference"
)

// GRPCTransport drives bridge control calls over a pool of gRPC client
// connections, one per bridge address, using the JSON codec registered in
// codec.go instead of protobuf-generated stubs. Concurrent conferences may
// dial the same or different addresses at once, so the pool is guarded by
// its own mutex, independent of any conference-level lock.
type GRPCTransport struct {
	dial func(address string) (*grpc.ClientConn, error)

	mu   sync.Mutex
	pool map[string]*grpc.ClientConn
}

// NewGRPCTransport returns a GRPCTransport that dials bridge addresses with
// dial on first use and reuses the connection thereafter.
func NewGRPCTransport(dial func(address string) (*grpc.ClientConn, error)) *GRPCTransport {
	return &GRPCTransport{dial: dial, pool: make(map[string]*grpc.ClientConn)}
}

func (t *GRPCTransport) connFor(address string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.pool[address]; ok {
		return conn, nil
	}
	conn, err := t.dial(address)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", address, err)
	}
	t.pool[address] = conn
	return conn, nil
}

func (t *GRPCTransport) invoke(ctx context.Context, address, method string, req, resp any) error {
	conn, err := t.connFor(address)
	if err != nil {
		return err
	}
	return conn.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(jsonCodecName))
}

type allocateWire struct {
	ConferenceID string `json:"conference_id"`
	EndpointID   string `json:"endpoint_id"`
	Visitor      bool   `json:"visitor"`
	Transport    []byte `json:"transport,omitempty"`
}

type allocateReplyWire struct {
	Transport []byte `json:"transport,omitempty"`
}

func (t *GRPCTransport) Allocate(ctx context.Context, bridgeAddress string, req conference.AllocateRequest) (*conference.AllocateResponse, error) {
	var reply allocateReplyWire
	if err := t.invoke(ctx, bridgeAddress, "/cascadefocus.bridge.v1.BridgeControl/Allocate", allocateWire{
		ConferenceID: req.ConferenceID,
		EndpointID:   req.EndpointID,
		Visitor:      req.Visitor,
		Transport:    req.Transport,
	}, &reply); err != nil {
		return nil, err
	}
	return &conference.AllocateResponse{Transport: reply.Transport}, nil
}

type endpointWire struct {
	EndpointID string `json:"endpoint_id"`
}

func (t *GRPCTransport) ExpireEndpoint(ctx context.Context, bridgeAddress, endpointID string) error {
	return t.invoke(ctx, bridgeAddress, "/cascadefocus.bridge.v1.BridgeControl/ExpireEndpoint", endpointWire{EndpointID: endpointID}, &struct{}{})
}

type relayWire struct {
	PeerRelayID string `json:"peer_relay_id"`
}

func (t *GRPCTransport) ExpireRelay(ctx context.Context, bridgeAddress, peerRelayID string) error {
	return t.invoke(ctx, bridgeAddress, "/cascadefocus.bridge.v1.BridgeControl/ExpireRelay", relayWire{PeerRelayID: peerRelayID}, &struct{}{})
}

func (t *GRPCTransport) CreateRelay(ctx context.Context, bridgeAddress, peerRelayID string) error {
	return t.invoke(ctx, bridgeAddress, "/cascadefocus.bridge.v1.BridgeControl/CreateRelay", relayWire{PeerRelayID: peerRelayID}, &struct{}{})
}

type remoteParticipantWire struct {
	PeerRelayID   string `json:"peer_relay_id"`
	ParticipantID string `json:"participant_id"`
	Create        bool   `json:"create"`
}

func (t *GRPCTransport) UpdateRemoteParticipant(ctx context.Context, bridgeAddress, peerRelayID, participantID string, create bool) error {
	return t.invoke(ctx, bridgeAddress, "/cascadefocus.bridge.v1.BridgeControl/UpdateRemoteParticipant", remoteParticipantWire{
		PeerRelayID: peerRelayID, ParticipantID: participantID, Create: create,
	}, &struct{}{})
}

func (t *GRPCTransport) ExpireRemoteParticipant(ctx context.Context, bridgeAddress, peerRelayID, participantID string) error {
	return t.invoke(ctx, bridgeAddress, "/cascadefocus.bridge.v1.BridgeControl/ExpireRemoteParticipant", remoteParticipantWire{
		PeerRelayID: peerRelayID, ParticipantID: participantID,
	}, &struct{}{})
}

type updateEndpointWire struct {
	EndpointID string `json:"endpoint_id"`
	Transport  []byte `json:"transport,omitempty"`
}

func (t *GRPCTransport) UpdateEndpoint(ctx context.Context, bridgeAddress, endpointID string, transport []byte) error {
	return t.invoke(ctx, bridgeAddress, "/cascadefocus.bridge.v1.BridgeControl/UpdateEndpoint", updateEndpointWire{
		EndpointID: endpointID, Transport: transport,
	}, &struct{}{})
}

type relayHandshakeWire struct {
	FromRelayID string `json:"from_relay_id"`
	Transport   []byte `json:"transport,omitempty"`
}

func (t *GRPCTransport) CompleteRelayHandshake(ctx context.Context, bridgeAddress, fromRelayID string, transport []byte) error {
	return t.invoke(ctx, bridgeAddress, "/cascadefocus.bridge.v1.BridgeControl/CompleteRelayHandshake", relayHandshakeWire{
		FromRelayID: fromRelayID, Transport: transport,
	}, &struct{}{})
}

type muteForceWire struct {
	EndpointID string `json:"endpoint_id"`
	MediaType  string `json:"media_type"`
	DoMute     bool   `json:"do_mute"`
}

func (t *GRPCTransport) MuteForce(ctx context.Context, bridgeAddress, endpointID, mediaType string, doMute bool) error {
	return t.invoke(ctx, bridgeAddress, "/cascadefocus.bridge.v1.BridgeControl/MuteForce", muteForceWire{
		EndpointID: endpointID, MediaType: mediaType, DoMute: doMute,
	}, &struct{}{})
}

var _ conference.Transport = (*GRPCTransport)(nil)
