package conference

import "context"

// InProcessTransport is a Transport that never crosses a wire: every
// request succeeds immediately, with Allocate optionally delegating to a
// supplied function. Used for single-process deployments and in tests.
type InProcessTransport struct {
	allocate func(ctx context.Context, bridgeAddress string, req AllocateRequest) (*AllocateResponse, error)
}

// NewInProcessTransport returns an InProcessTransport whose Allocate calls
// fn, or always succeeds with an empty response if fn is nil.
func NewInProcessTransport(fn func(ctx context.Context, bridgeAddress string, req AllocateRequest) (*AllocateResponse, error)) *InProcessTransport {
	return &InProcessTransport{allocate: fn}
}

func (t *InProcessTransport) Allocate(ctx context.Context, bridgeAddress string, req AllocateRequest) (*AllocateResponse, error) {
	if t.allocate != nil {
		return t.allocate(ctx, bridgeAddress, req)
	}
	return &AllocateResponse{}, nil
}

func (t *InProcessTransport) ExpireEndpoint(ctx context.Context, bridgeAddress, endpointID string) error {
	return nil
}

func (t *InProcessTransport) ExpireRelay(ctx context.Context, bridgeAddress, peerRelayID string) error {
	return nil
}

func (t *InProcessTransport) CreateRelay(ctx context.Context, bridgeAddress, peerRelayID string) error {
	return nil
}

func (t *InProcessTransport) UpdateRemoteParticipant(ctx context.Context, bridgeAddress, peerRelayID, participantID string, create bool) error {
	return nil
}

func (t *InProcessTransport) ExpireRemoteParticipant(ctx context.Context, bridgeAddress, peerRelayID, participantID string) error {
	return nil
}

func (t *InProcessTransport) UpdateEndpoint(ctx context.Context, bridgeAddress, endpointID string, transport []byte) error {
	return nil
}

func (t *InProcessTransport) CompleteRelayHandshake(ctx context.Context, bridgeAddress, fromRelayID string, transport []byte) error {
	return nil
}

func (t *InProcessTransport) MuteForce(ctx context.Context, bridgeAddress, endpointID, mediaType string, doMute bool) error {
	return nil
}

var _ Transport = (*InProcessTransport)(nil)
