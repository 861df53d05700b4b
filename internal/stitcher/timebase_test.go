package stitcher

import (
	"testing"
	"time"

	"github.com/Comcast/gots/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimebaseColdStart(t *testing.T) {
	tb := NewTimebase()
	_, err := tb.Project(90000)
	require.ErrorIs(t, err, ErrNoMapping)
	_, ok := tb.Mapping()
	assert.False(t, ok)
}

func TestTimebaseProjection(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	tb := NewTimebase()
	tb.Update(gots.PTS(90000), t0, false)

	got, err := tb.Project(gots.PTS(90000 + 45000))
	require.NoError(t, err)
	assert.True(t, got.Equal(t0.Add(500*time.Millisecond)))

	// Projecting behind the anchor works too.
	got, err = tb.Project(gots.PTS(90000 - 90000))
	require.NoError(t, err)
	assert.True(t, got.Equal(t0.Add(-time.Second)))
}

func TestTimebaseRollover(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	tb := NewTimebase()
	// Anchor one second before the 33-bit wrap; a small PTS after the wrap
	// must project forward, not 26.5 hours backward.
	tb.Update(gots.PTS(ptsRollover-90000), t0, false)

	got, err := tb.Project(gots.PTS(90000))
	require.NoError(t, err)
	assert.True(t, got.Equal(t0.Add(2*time.Second)))
}

func TestTimebaseDriftSampling(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	tb := NewTimebase()
	tb.Update(gots.PTS(0), t0, false)
	assert.Zero(t, tb.DriftMs())

	// The second anchor lands 12ms later than the first mapping predicts.
	tb.Update(gots.PTS(90000), t0.Add(time.Second+12*time.Millisecond), false)
	assert.InDelta(t, 12.0, tb.DriftMs(), 0.001)

	// Drift is observability only: projection uses the refreshed anchor.
	got, err := tb.Project(gots.PTS(180000))
	require.NoError(t, err)
	assert.True(t, got.Equal(t0.Add(2*time.Second+12*time.Millisecond)))
}

func TestTimebaseDiscontinuityReplacesMapping(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	tb := NewTimebase()
	tb.Update(gots.PTS(0), t0, false)
	tb.Update(gots.PTS(90000), t0.Add(time.Second+50*time.Millisecond), false)
	require.NotZero(t, tb.DriftMs())

	// The encoder restarted: new PTS domain, same wall clock. The old
	// mapping must not be blended in, and stale drift samples go with it.
	tb.Update(gots.PTS(500*90000), t0.Add(2*time.Second), true)
	assert.Zero(t, tb.DriftMs())

	m, ok := tb.Mapping()
	require.True(t, ok)
	assert.Equal(t, gots.PTS(500*90000), m.OriginPTS)

	got, err := tb.Project(gots.PTS(501 * 90000))
	require.NoError(t, err)
	assert.True(t, got.Equal(t0.Add(3*time.Second)))
}
