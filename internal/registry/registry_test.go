package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/cascadefocus/internal/bridge"
	"github.com/sebas/cascadefocus/internal/clock"
)

func newTestRegistry() *Registry {
	clk := clock.NewMock(time.Now())
	return New(bridge.DefaultConfig(), clk)
}

func TestUpsertPublishesAddedOnce(t *testing.T) {
	r := newTestRegistry()
	var events []Event
	r.AddListener(func(e Event) { events = append(events, e) })

	b1 := r.Upsert("10.0.0.1", nil)
	require.NotNil(t, b1)
	b2 := r.Upsert("10.0.0.1", nil)
	assert.Same(t, b1, b2)

	require.Len(t, events, 1)
	assert.Equal(t, BridgeAdded, events[0].Kind)
}

func TestUpsertPublishesShuttingDownOnTransition(t *testing.T) {
	r := newTestRegistry()
	var events []Event
	r.AddListener(func(e Event) { events = append(events, e) })

	r.Upsert("10.0.0.1", nil)
	shuttingDown := true
	r.Upsert("10.0.0.1", &bridge.Snapshot{ShuttingDown: &shuttingDown})
	r.Upsert("10.0.0.1", &bridge.Snapshot{ShuttingDown: &shuttingDown})

	require.Len(t, events, 2)
	assert.Equal(t, BridgeAdded, events[0].Kind)
	assert.Equal(t, BridgeShuttingDown, events[1].Kind)
}

func TestRemoveNeverResurrectsInPlace(t *testing.T) {
	r := newTestRegistry()
	original := r.Upsert("10.0.0.1", nil)
	r.Remove("10.0.0.1")

	_, ok := r.Get("10.0.0.1")
	assert.False(t, ok)
	assert.True(t, original.Removed())

	recreated := r.Upsert("10.0.0.1", nil)
	assert.NotSame(t, original, recreated)
}

func TestRemoveIncrementsLostBridgesOnlyWhenUngraceful(t *testing.T) {
	r := newTestRegistry()
	r.Upsert("10.0.0.1", nil)
	r.Remove("10.0.0.1")
	assert.Equal(t, int64(1), r.LostBridges())

	shuttingDown := true
	r.Upsert("10.0.0.2", &bridge.Snapshot{ShutdownInProgress: &shuttingDown})
	r.Remove("10.0.0.2")
	assert.Equal(t, int64(1), r.LostBridges())
}

func TestHealthFailedPublishesEvictionHealthTimedOutDoesNot(t *testing.T) {
	r := newTestRegistry()
	b := r.Upsert("10.0.0.1", nil)
	var events []Event
	r.AddListener(func(e Event) { events = append(events, e) })

	r.HealthTimedOut("10.0.0.1")
	assert.False(t, b.Operational())
	assert.Empty(t, events)

	r.HealthPassed("10.0.0.1")
	r.HealthFailed("10.0.0.1")
	require.Len(t, events, 1)
	assert.Equal(t, BridgeFailedHealthCheck, events[0].Kind)
}

func TestSnapshotSortedByAddress(t *testing.T) {
	r := newTestRegistry()
	r.Upsert("z", nil)
	r.Upsert("a", nil)
	r.Upsert("m", nil)

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"a", "m", "z"}, []string{snap[0].Address, snap[1].Address, snap[2].Address})
}
