package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/cascadefocus/internal/clock"
)

func TestRestartLimiterEnforcesGapAndWindow(t *testing.T) {
	clk := clock.NewMock(time.Now())
	l := DefaultRestartLimiter(clk)

	require.True(t, l.Allow("p1"))
	assert.False(t, l.Allow("p1"), "second request inside the minimum gap must be denied")

	clk.Advance(10 * time.Second)
	require.True(t, l.Allow("p1"))
	clk.Advance(10 * time.Second)
	require.True(t, l.Allow("p1"))

	clk.Advance(10 * time.Second)
	assert.False(t, l.Allow("p1"), "fourth request inside the window must be denied")

	clk.Advance(60 * time.Second)
	assert.True(t, l.Allow("p1"), "a drained window admits requests again")
}

func TestRestartLimiterTracksParticipantsIndependently(t *testing.T) {
	clk := clock.NewMock(time.Now())
	l := DefaultRestartLimiter(clk)

	require.True(t, l.Allow("p1"))
	assert.True(t, l.Allow("p2"), "p1's request must not consume p2's budget")
}

func TestRestartLimiterForgetResetsHistory(t *testing.T) {
	clk := clock.NewMock(time.Now())
	l := DefaultRestartLimiter(clk)

	require.True(t, l.Allow("p1"))
	assert.False(t, l.Allow("p1"))

	l.Forget("p1")
	assert.True(t, l.Allow("p1"))
}

func TestRateTrackerAccumulatesInsideWindowOnly(t *testing.T) {
	clk := clock.NewMock(time.Now())
	tr := NewRateTracker(time.Minute, clk)

	tr.Add(1)
	tr.Add(2)
	assert.Equal(t, 3.0, tr.Accumulated())

	clk.Advance(30 * time.Second)
	tr.Add(4)
	assert.Equal(t, 7.0, tr.Accumulated())

	clk.Advance(31 * time.Second)
	assert.Equal(t, 4.0, tr.Accumulated(), "events older than the window fall out")

	clk.Advance(time.Hour)
	assert.Equal(t, 0.0, tr.Accumulated())
}
