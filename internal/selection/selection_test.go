package selection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/cascadefocus/internal/bridge"
	"github.com/sebas/cascadefocus/internal/clock"
)

func newBridge(t *testing.T, addr string) *bridge.Bridge {
	t.Helper()
	clk := clock.NewMock(time.Now())
	return bridge.New(addr, bridge.DefaultConfig(), clk)
}

func TestSelectBridgeVersionMismatchReturnsNil(t *testing.T) {
	b1 := newBridge(t, "b1")
	version := "1.0"
	b1.SetTelemetry(bridge.Snapshot{Version: &version})

	sel := New(Config{}, NewSplitStrategy())
	inConf := map[*bridge.Bridge]ConferenceBridgeProperties{b1: {}}

	got := sel.SelectBridge([]*bridge.Bridge{b1}, inConf, ParticipantProperties{}, "2.0")
	assert.Nil(t, got)
}

func TestSelectBridgeSingleBridgeForcesMultiBridgeOff(t *testing.T) {
	b1 := newBridge(t, "b1")
	b2 := newBridge(t, "b2")

	sel := New(Config{MultiBridgeEnabled: false}, NewSplitStrategy())
	inConf := map[*bridge.Bridge]ConferenceBridgeProperties{b1: {}}

	got := sel.SelectBridge([]*bridge.Bridge{b1, b2}, inConf, ParticipantProperties{}, "")
	assert.Same(t, b1, got)
}

func TestSplitStrategyPrefersUnusedBridge(t *testing.T) {
	b1 := newBridge(t, "b1")
	b2 := newBridge(t, "b2")

	sel := New(Config{MultiBridgeEnabled: true}, NewSplitStrategy())
	inConf := map[*bridge.Bridge]ConferenceBridgeProperties{b1: {ParticipantCount: 3}}

	got := sel.SelectBridge([]*bridge.Bridge{b1, b2}, inConf, ParticipantProperties{}, "")
	assert.Same(t, b2, got)
}

func TestRegionBasedStrategyPrefersSameRegion(t *testing.T) {
	b1 := newBridge(t, "b1")
	b2 := newBridge(t, "b2")
	euRegion := "eu"
	usRegion := "us"
	b1.SetTelemetry(bridge.Snapshot{Region: &usRegion})
	b2.SetTelemetry(bridge.Snapshot{Region: &euRegion})

	sel := New(Config{MultiBridgeEnabled: true}, NewRegionBasedStrategy(Config{}))
	got := sel.SelectBridge([]*bridge.Bridge{b1, b2}, nil, ParticipantProperties{Region: "eu"}, "")
	require.NotNil(t, got)
	assert.Same(t, b2, got)
}

func TestClassSplitStrategyDispatchesOnVisitor(t *testing.T) {
	b1 := newBridge(t, "b1")
	participantOnly := NewSplitStrategy()
	visitorOnly := &constStrategy{b: nil}

	cs := NewClassSplitStrategy(participantOnly, visitorOnly)
	sel := New(Config{MultiBridgeEnabled: true}, cs)

	got := sel.SelectBridge([]*bridge.Bridge{b1}, nil, ParticipantProperties{Visitor: true}, "")
	assert.Nil(t, got)

	got = sel.SelectBridge([]*bridge.Bridge{b1}, nil, ParticipantProperties{Visitor: false}, "")
	assert.Same(t, b1, got)
}

type constStrategy struct{ b *bridge.Bridge }

func (c *constStrategy) Select(Candidates) *bridge.Bridge { return c.b }

func TestFilterKeepOperationalFallsBackWhenAllFail(t *testing.T) {
	b1 := newBridge(t, "b1")
	b1.SetOperational(false)

	filtered := filterKeepOperational([]*bridge.Bridge{b1})
	assert.Len(t, filtered, 1, "filter must keep the original set when everything would otherwise be filtered out")
}

func TestRegionBasedOverloadedInRegionFallsBackToOtherRegion(t *testing.T) {
	b1 := newBridge(t, "b1")
	b2 := newBridge(t, "b2")
	regionX := "X"
	regionR := "R"
	lowStress := 0.2
	highStress := 1.1
	b1.SetTelemetry(bridge.Snapshot{Region: &regionX, StressLevel: &lowStress})
	b2.SetTelemetry(bridge.Snapshot{Region: &regionR, StressLevel: &highStress})

	sel := New(Config{}, NewRegionBasedStrategy(Config{}))
	got := sel.SelectBridge([]*bridge.Bridge{b1, b2}, nil, ParticipantProperties{Region: "R"}, "")
	require.NotNil(t, got)
	assert.Same(t, b1, got, "an overloaded in-region bridge loses to a healthy out-of-region one")
}

func TestRegionGroupWidensRegionMatch(t *testing.T) {
	b1 := newBridge(t, "b1")
	regionWest := "us-west"
	b1.SetTelemetry(bridge.Snapshot{Region: &regionWest})

	cfg := Config{RegionGroups: map[string][]string{"us-east": {"us-east", "us-west"}}}
	sel := New(cfg, NewRegionBasedStrategy(cfg))
	got := sel.SelectBridge([]*bridge.Bridge{b1}, nil, ParticipantProperties{Region: "us-east"}, "")
	assert.Same(t, b1, got)
}

func TestSelectionIdempotentOnSteadyState(t *testing.T) {
	b1 := newBridge(t, "b1")
	b2 := newBridge(t, "b2")

	sel := New(Config{}, NewRegionBasedStrategy(Config{}))
	first := sel.SelectBridge([]*bridge.Bridge{b2, b1}, nil, ParticipantProperties{}, "")
	for i := 0; i < 5; i++ {
		assert.Same(t, first, sel.SelectBridge([]*bridge.Bridge{b2, b1}, nil, ParticipantProperties{}, ""))
	}
	assert.Same(t, b1, first, "equal stress breaks by address")
}

func TestSingleBridgeStrategyReusesOperationalBridgeOnly(t *testing.T) {
	b1 := newBridge(t, "b1")
	sel := New(Config{MultiBridgeEnabled: true}, NewSingleBridgeStrategy(Config{}))
	inConf := map[*bridge.Bridge]ConferenceBridgeProperties{b1: {ParticipantCount: 1}}

	got := sel.SelectBridge([]*bridge.Bridge{b1}, inConf, ParticipantProperties{}, "")
	assert.Same(t, b1, got)

	b1.SetOperational(false)
	got = sel.SelectBridge([]*bridge.Bridge{b1}, inConf, ParticipantProperties{}, "")
	assert.Nil(t, got, "a conference pinned to a non-operational bridge gets no pick")
}

func TestMaxParticipantsPerBridgeCountsAsOverload(t *testing.T) {
	b1 := newBridge(t, "b1")
	b2 := newBridge(t, "b2")

	cfg := Config{MultiBridgeEnabled: true, MaxParticipantsPerBridge: 2}
	sel := New(cfg, NewRegionBasedStrategy(cfg))
	inConf := map[*bridge.Bridge]ConferenceBridgeProperties{b1: {ParticipantCount: 2}}

	got := sel.SelectBridge([]*bridge.Bridge{b1, b2}, inConf, ParticipantProperties{}, "")
	assert.Same(t, b2, got, "a bridge at its per-conference cap is treated as overloaded")
}
