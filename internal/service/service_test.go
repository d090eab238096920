package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/cascadefocus/internal/bridge"
	"github.com/sebas/cascadefocus/internal/cascade"
	"github.com/sebas/cascadefocus/internal/clock"
	"github.com/sebas/cascadefocus/internal/conference"
	"github.com/sebas/cascadefocus/internal/registry"
	"github.com/sebas/cascadefocus/internal/selection"
)

func newTestService(t *testing.T) (*Service, *registry.Registry, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(time.Now())
	reg := registry.New(bridge.DefaultConfig(), clk)
	sel := selection.New(selection.Config{}, selection.NewRegionBasedStrategy(selection.Config{}))
	factory := DefaultManagerFactory(conference.Config{}, sel, cascade.SingleMeshStrategy{},
		conference.NewInProcessTransport(nil), nil)
	return New(reg, factory, clk, nil), reg, clk
}

func allocate(t *testing.T, svc *Service, reg *registry.Registry, conferenceID, participantID string) {
	t.Helper()
	m := svc.GetOrCreate(conferenceID)
	_, err := m.Allocate(context.Background(), participantID, selection.ParticipantProperties{}, reg.Snapshot(), "")
	require.NoError(t, err)
}

func TestGetOrCreateReusesManager(t *testing.T) {
	svc, _, _ := newTestService(t)

	m1 := svc.GetOrCreate("conf-1")
	m2 := svc.GetOrCreate("conf-1")
	assert.Same(t, m1, m2)

	_, ok := svc.Get("conf-2")
	assert.False(t, ok)
}

func TestSoleParticipantSinceIsStableAcrossSweeps(t *testing.T) {
	svc, reg, clk := newTestService(t)
	reg.Upsert("b1", nil)
	allocate(t, svc, reg, "conf-1", "p1")

	first := svc.SoleParticipantConferences()
	require.Len(t, first, 1)
	since := first[0].SoleSince

	clk.Advance(time.Minute)
	second := svc.SoleParticipantConferences()
	require.Len(t, second, 1)
	assert.Equal(t, since, second[0].SoleSince, "the since-instant must not move on every sweep")
}

func TestSoleParticipantMarkResetsWhenParticipantChanges(t *testing.T) {
	svc, reg, clk := newTestService(t)
	reg.Upsert("b1", nil)
	allocate(t, svc, reg, "conf-1", "p1")

	first := svc.SoleParticipantConferences()
	require.Len(t, first, 1)

	m := svc.GetOrCreate("conf-1")
	require.NoError(t, m.RemoveParticipant(context.Background(), "p1"))
	clk.Advance(time.Minute)
	allocate(t, svc, reg, "conf-1", "p2")

	second := svc.SoleParticipantConferences()
	require.Len(t, second, 1)
	assert.Equal(t, "p2", second[0].ParticipantID)
	assert.True(t, second[0].SoleSince.After(first[0].SoleSince),
		"a different sole participant must restart the idle clock")
}

func TestSoleParticipantClearedWhenSecondJoins(t *testing.T) {
	svc, reg, _ := newTestService(t)
	reg.Upsert("b1", nil)
	allocate(t, svc, reg, "conf-1", "p1")
	require.Len(t, svc.SoleParticipantConferences(), 1)

	allocate(t, svc, reg, "conf-1", "p2")
	assert.Empty(t, svc.SoleParticipantConferences())

	svc.soleMu.Lock()
	defer svc.soleMu.Unlock()
	assert.Empty(t, svc.soleSince)
}

func TestRemoveBridgeEverywhereDisplacesParticipants(t *testing.T) {
	svc, reg, _ := newTestService(t)
	b := reg.Upsert("b1", nil)
	allocate(t, svc, reg, "conf-1", "p1")
	allocate(t, svc, reg, "conf-2", "p2")

	displaced := svc.RemoveBridgeEverywhere(context.Background(), b)
	assert.ElementsMatch(t, []string{"p1", "p2"}, displaced)

	m := svc.GetOrCreate("conf-1")
	assert.Zero(t, m.ParticipantCount())
}

func TestEvictionCandidatesCapAcrossConferences(t *testing.T) {
	svc, reg, _ := newTestService(t)
	b := reg.Upsert("b1", nil)
	allocate(t, svc, reg, "conf-1", "p1")
	allocate(t, svc, reg, "conf-2", "p2")

	candidates := svc.EvictionCandidates(b, 1)
	assert.Len(t, candidates, 1)

	candidates = svc.EvictionCandidates(b, 10)
	assert.Len(t, candidates, 2)
}

func TestOverloadedBridgesFiltersByThreshold(t *testing.T) {
	svc, reg, _ := newTestService(t)
	stressHigh := 0.9
	stressLow := 0.1
	reg.Upsert("hot", &bridge.Snapshot{StressLevel: &stressHigh})
	reg.Upsert("cool", &bridge.Snapshot{StressLevel: &stressLow})

	overloaded := svc.OverloadedBridges(0.5)
	require.Len(t, overloaded, 1)
	assert.Equal(t, "hot", overloaded[0].Address)
}

func TestDisposeConferenceDropsManager(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.GetOrCreate("conf-1")

	require.NoError(t, svc.DisposeConference("conf-1"))
	_, ok := svc.Get("conf-1")
	assert.False(t, ok)
}
