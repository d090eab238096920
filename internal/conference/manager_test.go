package conference

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/cascadefocus/internal/bridge"
	"github.com/sebas/cascadefocus/internal/cascade"
	"github.com/sebas/cascadefocus/internal/clock"
	"github.com/sebas/cascadefocus/internal/selection"
)

func newTestBridge(t *testing.T, addr, region, relayID string) *bridge.Bridge {
	t.Helper()
	clk := clock.NewMock(time.Now())
	b := bridge.New(addr, bridge.DefaultConfig(), clk)
	snap := bridge.Snapshot{}
	if region != "" {
		snap.Region = &region
	}
	if relayID != "" {
		snap.RelayID = &relayID
	}
	b.SetTelemetry(snap)
	return b
}

type recordingTransport struct {
	mu      sync.Mutex
	calls   []string
	allocFn func(ctx context.Context, bridgeAddress string, req AllocateRequest) (*AllocateResponse, error)
}

func (t *recordingTransport) record(name string) {
	t.mu.Lock()
	t.calls = append(t.calls, name)
	t.mu.Unlock()
}

func (t *recordingTransport) Allocate(ctx context.Context, bridgeAddress string, req AllocateRequest) (*AllocateResponse, error) {
	t.record("Allocate:" + bridgeAddress)
	if t.allocFn != nil {
		return t.allocFn(ctx, bridgeAddress, req)
	}
	return &AllocateResponse{}, nil
}
func (t *recordingTransport) ExpireEndpoint(ctx context.Context, bridgeAddress, endpointID string) error {
	t.record("ExpireEndpoint:" + bridgeAddress)
	return nil
}
func (t *recordingTransport) ExpireRelay(ctx context.Context, bridgeAddress, peerRelayID string) error {
	t.record("ExpireRelay:" + bridgeAddress)
	return nil
}
func (t *recordingTransport) CreateRelay(ctx context.Context, bridgeAddress, peerRelayID string) error {
	t.record("CreateRelay:" + bridgeAddress + "->" + peerRelayID)
	return nil
}
func (t *recordingTransport) UpdateRemoteParticipant(ctx context.Context, bridgeAddress, peerRelayID, participantID string, create bool) error {
	t.record("UpdateRemoteParticipant:" + bridgeAddress)
	return nil
}
func (t *recordingTransport) ExpireRemoteParticipant(ctx context.Context, bridgeAddress, peerRelayID, participantID string) error {
	t.record("ExpireRemoteParticipant:" + bridgeAddress)
	return nil
}
func (t *recordingTransport) UpdateEndpoint(ctx context.Context, bridgeAddress, endpointID string, transport []byte) error {
	t.record("UpdateEndpoint:" + bridgeAddress)
	return nil
}
func (t *recordingTransport) CompleteRelayHandshake(ctx context.Context, bridgeAddress, fromRelayID string, transport []byte) error {
	t.record("CompleteRelayHandshake:" + bridgeAddress)
	return nil
}
func (t *recordingTransport) MuteForce(ctx context.Context, bridgeAddress, endpointID, mediaType string, doMute bool) error {
	t.record("MuteForce:" + bridgeAddress)
	return nil
}

var _ Transport = (*recordingTransport)(nil)

func newTestManager(transport Transport, multiBridge bool) *Manager {
	sel := selection.New(selection.Config{MultiBridgeEnabled: multiBridge}, selection.NewRegionBasedStrategy(selection.Config{}))
	return New("conf-1", Config{MultiBridgeEnabled: multiBridge}, sel, cascade.SingleMeshStrategy{}, transport)
}

func newSplittingTestManager(transport Transport) *Manager {
	sel := selection.New(selection.Config{MultiBridgeEnabled: true}, selection.NewSplitStrategy())
	return New("conf-1", Config{MultiBridgeEnabled: true}, sel, cascade.SingleMeshStrategy{}, transport)
}

func TestAllocateSingleBridgeSteadyState(t *testing.T) {
	b1 := newTestBridge(t, "b1", "R", "")
	tr := &recordingTransport{}
	m := newTestManager(tr, false)

	alloc, err := m.Allocate(context.Background(), "p1", selection.ParticipantProperties{Region: "R"}, []*bridge.Bridge{b1}, "")
	require.NoError(t, err)
	assert.Same(t, b1, alloc.Bridge)
}

func TestAllocateDuplicateParticipantRejected(t *testing.T) {
	b1 := newTestBridge(t, "b1", "R", "")
	tr := &recordingTransport{}
	m := newTestManager(tr, false)

	_, err := m.Allocate(context.Background(), "p1", selection.ParticipantProperties{Region: "R"}, []*bridge.Bridge{b1}, "")
	require.NoError(t, err)

	_, err = m.Allocate(context.Background(), "p1", selection.ParticipantProperties{Region: "R"}, []*bridge.Bridge{b1}, "")
	assert.ErrorIs(t, err, errParticipantExists)
}

func TestAllocateNoSelectionEmitsFailureEvent(t *testing.T) {
	tr := &recordingTransport{}
	m := newTestManager(tr, false)

	var events []Event
	m.AddListener(func(e Event) { events = append(events, e) })

	_, err := m.Allocate(context.Background(), "p1", selection.ParticipantProperties{}, nil, "")
	require.Error(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, BridgeSelectionFailed, events[0].Kind)
}

func TestAllocateSplicesCascadeAndIssuesCreateRelay(t *testing.T) {
	b1 := newTestBridge(t, "b1", "R", "r1")
	b2 := newTestBridge(t, "b2", "R", "r2")
	tr := &recordingTransport{}
	m := newSplittingTestManager(tr)

	_, err := m.Allocate(context.Background(), "p1", selection.ParticipantProperties{}, []*bridge.Bridge{b1}, "")
	require.NoError(t, err)

	_, err = m.Allocate(context.Background(), "p2", selection.ParticipantProperties{}, []*bridge.Bridge{b1, b2}, "")
	require.NoError(t, err)

	require.NoError(t, m.cascade.Validate())
	assert.True(t, m.cascade.Has("r1"))
	assert.True(t, m.cascade.Has("r2"))
	assert.Contains(t, tr.calls, "CreateRelay:b2->r1")
	assert.Contains(t, tr.calls, "CreateRelay:b1->r2")
}

func TestRemoveParticipantLastOneTearsDownSession(t *testing.T) {
	b1 := newTestBridge(t, "b1", "R", "r1")
	tr := &recordingTransport{}
	m := newTestManager(tr, false)

	_, err := m.Allocate(context.Background(), "p1", selection.ParticipantProperties{}, []*bridge.Bridge{b1}, "")
	require.NoError(t, err)

	require.NoError(t, m.RemoveParticipant(context.Background(), "p1"))
	assert.False(t, m.cascade.Has("r1"))

	err = m.RemoveParticipant(context.Background(), "p1")
	assert.Error(t, err)
}

func TestAllocatePrefersOperationalOverStickyFailed(t *testing.T) {
	b1 := newTestBridge(t, "b1", "R", "")
	b2 := newTestBridge(t, "b2", "R", "")
	b1.SetOperational(false)

	tr := &recordingTransport{}
	m := newTestManager(tr, false)

	alloc, err := m.Allocate(context.Background(), "p1", selection.ParticipantProperties{Region: "R"}, []*bridge.Bridge{b1, b2}, "")
	require.NoError(t, err)
	assert.Same(t, b2, alloc.Bridge, "the surviving operational bridge must be preferred over the sticky-failed one")
}

func TestMuteForwardsOnlyKnownParticipants(t *testing.T) {
	b1 := newTestBridge(t, "b1", "R", "")
	tr := &recordingTransport{}
	m := newTestManager(tr, false)

	_, err := m.Allocate(context.Background(), "p1", selection.ParticipantProperties{Region: "R"}, []*bridge.Bridge{b1}, "")
	require.NoError(t, err)

	require.NoError(t, m.Mute(context.Background(), []string{"p1", "ghost"}, "video", true))
	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Contains(t, tr.calls, "MuteForce:b1")
	assert.Len(t, tr.calls, 2, "Allocate:b1 plus exactly one MuteForce call; the unknown participant must be skipped silently")
}

func TestAllocateDebugStateIncludesSession(t *testing.T) {
	b1 := newTestBridge(t, "b1", "R", "")
	tr := &recordingTransport{}
	m := newTestManager(tr, false)

	_, err := m.Allocate(context.Background(), "p1", selection.ParticipantProperties{Region: "R"}, []*bridge.Bridge{b1}, "")
	require.NoError(t, err)

	data, err := m.DebugState()
	require.NoError(t, err)
	assert.Contains(t, string(data), "conf-1")
	assert.Contains(t, string(data), "p1")
}

func TestRemoveBridgeReturnsDisplacedParticipants(t *testing.T) {
	b1 := newTestBridge(t, "b1", "R", "")
	tr := &recordingTransport{}
	m := newTestManager(tr, false)

	_, err := m.Allocate(context.Background(), "p1", selection.ParticipantProperties{}, []*bridge.Bridge{b1}, "")
	require.NoError(t, err)
	_, err = m.Allocate(context.Background(), "p2", selection.ParticipantProperties{}, []*bridge.Bridge{b1}, "")
	require.NoError(t, err)

	displaced, err := m.RemoveBridge(context.Background(), b1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p1", "p2"}, displaced)
	assert.Zero(t, m.ParticipantCount())

	displaced, err = m.RemoveBridge(context.Background(), b1)
	require.NoError(t, err)
	assert.Empty(t, displaced, "a bridge with no session is a no-op")
}

func TestExpireTearsDownEverySession(t *testing.T) {
	b1 := newTestBridge(t, "b1", "R", "r1")
	b2 := newTestBridge(t, "b2", "R", "r2")
	tr := &recordingTransport{}
	m := newSplittingTestManager(tr)

	_, err := m.Allocate(context.Background(), "p1", selection.ParticipantProperties{}, []*bridge.Bridge{b1}, "")
	require.NoError(t, err)
	_, err = m.Allocate(context.Background(), "p2", selection.ParticipantProperties{}, []*bridge.Bridge{b1, b2}, "")
	require.NoError(t, err)

	require.NoError(t, m.Expire(context.Background()))
	assert.Zero(t, m.ParticipantCount())
	assert.Equal(t, 0, m.cascade.Size())
}

func TestRequestICERestartIsRateLimitedAcrossReinvites(t *testing.T) {
	b1 := newTestBridge(t, "b1", "R", "")
	tr := &recordingTransport{}
	m := newTestManager(tr, false)

	_, err := m.Allocate(context.Background(), "p1", selection.ParticipantProperties{}, []*bridge.Bridge{b1}, "")
	require.NoError(t, err)

	require.NoError(t, m.RequestICERestart(context.Background(), "p1"))
	assert.Zero(t, m.ParticipantCount(), "a granted restart removes the participant for re-invitation")

	_, err = m.Allocate(context.Background(), "p1", selection.ParticipantProperties{}, []*bridge.Bridge{b1}, "")
	require.NoError(t, err)

	err = m.RequestICERestart(context.Background(), "p1")
	assert.ErrorIs(t, err, errRestartRateLimited, "the restart budget must survive the remove/re-invite round trip")
	assert.Equal(t, 1, m.ParticipantCount())
}

// chainTopology builds r1 as an articulation point: every later node anchors
// at r1 on its own mesh, so removing r1 splits the cascade.
type chainTopology struct{}

func (chainTopology) ConnectNode(c *cascade.Cascade, _ cascade.AnchorCandidate, _ []cascade.AnchorCandidate) cascade.ConnectPlan {
	if c.Size() == 0 {
		return cascade.ConnectPlan{MeshID: "0"}
	}
	return cascade.ConnectPlan{ExistingNode: "r1", MeshID: strconv.Itoa(c.Size())}
}

func (chainTopology) RepairMesh(_ *cascade.Cascade, partitions [][]string, _ map[string]cascade.AnchorCandidate) []cascade.ProposedLink {
	return []cascade.ProposedLink{{A: partitions[0][0], B: partitions[1][0], MeshID: "9"}}
}

func TestArticulationRemovalRepairsCascadeAndIssuesCreateRelay(t *testing.T) {
	b1 := newTestBridge(t, "b1", "R", "r1")
	b2 := newTestBridge(t, "b2", "R", "r2")
	b3 := newTestBridge(t, "b3", "R", "r3")
	tr := &recordingTransport{}
	sel := selection.New(selection.Config{MultiBridgeEnabled: true}, selection.NewSplitStrategy())
	m := New("conf-1", Config{MultiBridgeEnabled: true}, sel, chainTopology{}, tr)

	_, err := m.Allocate(context.Background(), "p1", selection.ParticipantProperties{}, []*bridge.Bridge{b1}, "")
	require.NoError(t, err)
	_, err = m.Allocate(context.Background(), "p2", selection.ParticipantProperties{}, []*bridge.Bridge{b1, b2}, "")
	require.NoError(t, err)
	_, err = m.Allocate(context.Background(), "p3", selection.ParticipantProperties{}, []*bridge.Bridge{b1, b2, b3}, "")
	require.NoError(t, err)
	require.NoError(t, m.cascade.Validate())

	require.NoError(t, m.RemoveParticipant(context.Background(), "p1"))

	require.NoError(t, m.cascade.Validate())
	assert.False(t, m.cascade.Has("r1"))
	assert.True(t, m.cascade.Has("r2"))
	assert.True(t, m.cascade.Has("r3"))

	tr.mu.Lock()
	defer tr.mu.Unlock()
	relayCreates := 0
	for _, call := range tr.calls {
		if call == "CreateRelay:b2->r3" || call == "CreateRelay:b3->r2" {
			relayCreates++
		}
	}
	assert.Equal(t, 2, relayCreates, "a repaired link needs the paired createRelay on both ends")
}

func TestAllocateTracksBridgeEndpointCount(t *testing.T) {
	b1 := newTestBridge(t, "b1", "R", "")
	tr := &recordingTransport{}
	m := newTestManager(tr, false)

	_, err := m.Allocate(context.Background(), "p1", selection.ParticipantProperties{}, []*bridge.Bridge{b1}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), b1.EndpointCount())

	require.NoError(t, m.RemoveParticipant(context.Background(), "p1"))
	assert.Equal(t, int64(0), b1.EndpointCount())
}
