package stitcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/Comcast/gots/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubDecision struct {
	pod  *AdPod
	err  error
	reqs []DecisionRequest
}

func (d *stubDecision) Decide(_ context.Context, req DecisionRequest) (*AdPod, error) {
	d.reqs = append(d.reqs, req)
	if d.err != nil {
		return nil, d.err
	}
	return d.pod, nil
}

// cueAt attaches a cue to a window at a specific origin sequence, the same
// shape the playlist parser produces.
type cueAt struct {
	seq int64
	cue Cue
}

// window builds an origin media playlist with segments from..to inclusive on
// a fixed duration grid anchored at t0.
func window(t0 time.Time, segDur time.Duration, from, to int64, uriPrefix string, cues ...cueAt) *MediaPlaylist {
	pl := &MediaPlaylist{
		Version:        6,
		TargetDuration: int(segDur / time.Second),
		MediaSequence:  from,
	}
	byseq := make(map[int64]*Cue)
	for i := range cues {
		c := cues[i].cue
		byseq[cues[i].seq] = &c
		pl.Cues = append(pl.Cues, c)
	}
	for seq := from; seq <= to; seq++ {
		pl.Segments = append(pl.Segments, Segment{
			Sequence:        seq,
			Duration:        segDur,
			URI:             uriPrefix + "seg" + strconv.FormatInt(seq, 10) + ".ts",
			ProgramDateTime: t0.Add(time.Duration(seq) * segDur),
			Cue:             byseq[seq],
		})
	}
	return pl
}

func testPod() *AdPod {
	return &AdPod{
		ID: "pod-1",
		Segments: []AdSegment{
			{URI: "ad-{rendition}-1.ts", DurationMs: 7200},
			{URI: "ad-{rendition}-2.ts", DurationMs: 4800},
			{URI: "ad-{rendition}-3.ts", DurationMs: 7200},
			{URI: "ad-{rendition}-4.ts", DurationMs: 4800},
			{URI: "ad-{rendition}-5.ts", DurationMs: 6000},
		},
	}
}

func newTestOrchestrator(decision DecisionService, slate *AdPod) *Orchestrator {
	return NewOrchestrator(OrchestratorConfig{
		Channel:         "ch1",
		Decision:        decision,
		Slate:           slate,
		SnapTolerance:   250 * time.Millisecond,
		MinTrailing:     3,
		SnapRetryLimit:  5,
		DecisionTimeout: time.Second,
		WindowSize:      64,
		Log:             testLogger(),
	})
}

func countKinds(entries []TimelineEntry) (content, ads, slate int) {
	for _, e := range entries {
		switch e.Kind {
		case EntryContent:
			content++
		case EntryAd:
			ads++
		case EntrySlate:
			slate++
		}
	}
	return
}

func TestBreakLifecycle(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	segDur := 2 * time.Second
	out := cueAt{seq: 10, cue: Cue{
		ID:            "break-1",
		Kind:          CueOut,
		WallClock:     t0.Add(20 * time.Second),
		BreakDuration: 30 * time.Second,
	}}
	d := &stubDecision{pod: testPod()}
	o := newTestOrchestrator(d, nil)
	ctx := context.Background()

	// Cycle 1: cue visible, boundary on the grid. The machine chains
	// straight through to ACTIVE and exposes the first ad.
	o.Advance(ctx, window(t0, segDur, 0, 12, "", out))
	require.Equal(t, PhaseActive, o.State().Phase)
	require.False(t, o.State().Degraded)

	snap := o.Snapshot()
	require.Len(t, snap.Entries, 11)
	first := snap.Entries[10]
	assert.Equal(t, EntryAd, first.Kind)
	assert.True(t, first.Discontinuity)
	require.NotNil(t, first.MarkerOut)
	assert.Equal(t, "break-1", first.MarkerOut.ID)
	assert.Equal(t, 30*time.Second, first.MarkerOut.Planned)
	assert.True(t, first.PDT.Equal(t0.Add(20*time.Second)))

	require.Len(t, d.reqs, 1)
	assert.Equal(t, "break-1", d.reqs[0].CueID)
	assert.Equal(t, int64(30000), d.reqs[0].BreakDurationMs)
	assert.NotEmpty(t, d.reqs[0].RequestID)

	// Cycle 2: the live edge advances; ads are paced, not dumped.
	o.Advance(ctx, window(t0, segDur, 0, 17, "", out))
	assert.Equal(t, PhaseActive, o.State().Phase)
	assert.Len(t, o.Snapshot().Entries, 13)

	// Cycle 3: the target duration elapses with no IN cue, so the break
	// routes to RETURNING, but the return boundary is not in the window
	// yet. The machine holds instead of ending on a discontinuity.
	o.Advance(ctx, window(t0, segDur, 0, 24, "", out))
	assert.Equal(t, PhaseReturning, o.State().Phase)
	snap = o.Snapshot()
	require.Len(t, snap.Entries, 15)
	assert.Equal(t, EntryAd, snap.Entries[14].Kind)

	// Cycle 4: boundary and trailing content available; the break closes
	// and content resumes at the snapped IN point.
	o.Advance(ctx, window(t0, segDur, 0, 29, "", out))
	assert.Equal(t, PhaseIdle, o.State().Phase)

	snap = o.Snapshot()
	require.Len(t, snap.Entries, 20)
	content, ads, slateN := countKinds(snap.Entries)
	assert.Equal(t, 15, content)
	assert.Equal(t, 5, ads)
	assert.Zero(t, slateN)

	ret := snap.Entries[15]
	assert.Equal(t, EntryContent, ret.Kind)
	assert.Equal(t, int64(25), ret.OriginSeq)
	assert.True(t, ret.Discontinuity)
	require.NotNil(t, ret.MarkerIn)
	assert.Equal(t, "break-1", ret.MarkerIn.ID)
	assert.True(t, ret.MarkerIn.End.Equal(t0.Add(50*time.Second)))

	// Origin segments covered by the break never surface.
	for _, e := range snap.Entries {
		if e.Kind == EntryContent {
			assert.False(t, e.OriginSeq >= 10 && e.OriginSeq <= 24,
				"origin sequence %d should be covered by the break", e.OriginSeq)
		}
	}

	// Cycle 5: the same cue keeps appearing in the window. It is spent;
	// no second break starts.
	o.Advance(ctx, window(t0, segDur, 0, 31, "", out))
	assert.Equal(t, PhaseIdle, o.State().Phase)
	assert.Len(t, o.Snapshot().Entries, 22)
	require.Len(t, d.reqs, 1)
}

func TestDecisionFailureFallsBackToSlate(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	segDur := 2 * time.Second
	out := cueAt{seq: 10, cue: Cue{
		ID:            "break-1",
		Kind:          CueOut,
		WallClock:     t0.Add(20 * time.Second),
		BreakDuration: 30 * time.Second,
	}}
	slate := &AdPod{Segments: []AdSegment{{URI: "slate-{rendition}.ts", DurationMs: 2000}}}
	d := &stubDecision{err: errors.New("decision backend down")}
	o := newTestOrchestrator(d, slate)
	ctx := context.Background()

	o.Advance(ctx, window(t0, segDur, 0, 12, "", out))
	st := o.State()
	require.Equal(t, PhaseActive, st.Phase)
	assert.True(t, st.Degraded)
	require.NotNil(t, st.Pod)
	assert.Equal(t, "slate", st.Pod.ID)

	o.Advance(ctx, window(t0, segDur, 0, 24, "", out))
	require.Equal(t, PhaseReturning, o.State().Phase)
	o.Advance(ctx, window(t0, segDur, 0, 29, "", out))
	require.Equal(t, PhaseIdle, o.State().Phase)

	snap := o.Snapshot()
	content, ads, slateN := countKinds(snap.Entries)
	assert.Equal(t, 15, content)
	// The 30s break is filled wall to wall with the 2s slate loop. No
	// URI is ever invented.
	assert.Equal(t, 15, ads+slateN)
	for _, e := range snap.Entries {
		if e.Kind == EntryAd || e.Kind == EntrySlate {
			assert.Equal(t, "slate-{rendition}.ts", e.URI)
		}
	}
	require.NotNil(t, snap.Entries[10].MarkerOut)
	require.NotNil(t, snap.Entries[25].MarkerIn)
}

func TestDecisionFailureWithoutSlateSkipsBreak(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	segDur := 2 * time.Second
	out := cueAt{seq: 5, cue: Cue{
		ID:            "break-1",
		Kind:          CueOut,
		WallClock:     t0.Add(10 * time.Second),
		BreakDuration: 30 * time.Second,
	}}
	d := &stubDecision{err: errors.New("decision backend down")}
	o := newTestOrchestrator(d, nil)

	o.Advance(context.Background(), window(t0, segDur, 0, 12, "", out))
	assert.Equal(t, PhaseIdle, o.State().Phase)

	snap := o.Snapshot()
	content, ads, slateN := countKinds(snap.Entries)
	assert.Equal(t, 13, content)
	assert.Zero(t, ads)
	assert.Zero(t, slateN)
	for _, e := range snap.Entries {
		assert.Nil(t, e.MarkerOut)
		assert.False(t, e.Discontinuity)
	}
}

func TestEarlyInCueTrimsPod(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	segDur := 2 * time.Second
	out := cueAt{seq: 10, cue: Cue{
		ID:            "break-2",
		Kind:          CueOut,
		WallClock:     t0.Add(20 * time.Second),
		BreakDuration: 30 * time.Second,
	}}
	in := cueAt{seq: 18, cue: Cue{
		ID:        "break-2-in",
		Kind:      CueIn,
		WallClock: t0.Add(36 * time.Second),
	}}
	slate := &AdPod{Segments: []AdSegment{{URI: "slate.ts", DurationMs: 1000}}}
	d := &stubDecision{pod: testPod()}
	o := newTestOrchestrator(d, slate)
	ctx := context.Background()

	o.Advance(ctx, window(t0, segDur, 0, 12, "", out))
	require.Equal(t, PhaseActive, o.State().Phase)

	// The IN cue arrives while only three of five ads have aired. The
	// break stops pacing and seeks the return boundary.
	o.Advance(ctx, window(t0, segDur, 0, 18, "", out, in))
	require.Equal(t, PhaseReturning, o.State().Phase)

	o.Advance(ctx, window(t0, segDur, 0, 23, "", out, in))
	require.Equal(t, PhaseIdle, o.State().Phase)

	snap := o.Snapshot()
	content, ads, slateN := countKinds(snap.Entries)
	// Ads four and five were dropped at the boundary; a slate segment
	// pads the residual gap the coarse grid leaves.
	assert.Equal(t, 3, ads)
	assert.Equal(t, 1, slateN)
	assert.Equal(t, 14, content)

	ret := snap.Entries[14]
	assert.Equal(t, int64(20), ret.OriginSeq)
	require.NotNil(t, ret.MarkerIn)
	assert.True(t, ret.MarkerIn.End.Equal(t0.Add(40*time.Second)))
}

func TestSnapRetriesExhaustedAbortsBreak(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	segDur := 2 * time.Second
	out := cueAt{seq: 10, cue: Cue{
		ID:        "break-3",
		Kind:      CueOut,
		WallClock: t0.Add(time.Hour), // never inside the window
	}}
	d := &stubDecision{pod: testPod()}
	o := newTestOrchestrator(d, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		o.Advance(ctx, window(t0, segDur, 0, 12, "", out))
		require.Equal(t, PhaseArmed, o.State().Phase, "cycle %d", i)
	}
	o.Advance(ctx, window(t0, segDur, 0, 12, "", out))
	assert.Equal(t, PhaseIdle, o.State().Phase)
	require.Empty(t, d.reqs)

	// Content played through untouched: no markers, no discontinuity.
	snap := o.Snapshot()
	content, ads, slateN := countKinds(snap.Entries)
	assert.Equal(t, 13, content)
	assert.Zero(t, ads+slateN)
	for _, e := range snap.Entries {
		assert.Nil(t, e.MarkerOut)
		assert.Nil(t, e.MarkerIn)
		assert.False(t, e.Discontinuity)
	}

	// The spent cue does not re-arm.
	o.Advance(ctx, window(t0, segDur, 0, 13, "", out))
	assert.Equal(t, PhaseIdle, o.State().Phase)
}

func TestPTSMappingBeatsCueDate(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	segDur := 2 * time.Second
	// The cue's own date is a second late; its PTS, projected through the
	// anchor at segment 10, lands exactly on the grid.
	out := cueAt{seq: 10, cue: Cue{
		ID:            "break-4",
		Kind:          CueOut,
		PTS:           gots.PTS(100 * 90000),
		HasPTS:        true,
		WallClock:     t0.Add(21 * time.Second),
		BreakDuration: 30 * time.Second,
	}}
	d := &stubDecision{pod: testPod()}
	o := newTestOrchestrator(d, nil)

	o.Advance(context.Background(), window(t0, segDur, 0, 12, "", out))
	st := o.State()
	require.Equal(t, PhaseActive, st.Phase)
	assert.Equal(t, int64(10), st.OutPoint.Sequence)
	assert.Zero(t, st.OutPoint.SnapErr)
}

func TestWithheldContentWhileArmed(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	segDur := 2 * time.Second
	// The ideal splice time is known but its boundary segment has not
	// been published yet: content before the cut keeps flowing, content
	// past it is withheld.
	out := cueAt{seq: 15, cue: Cue{
		ID:            "break-5",
		Kind:          CueOut,
		WallClock:     t0.Add(30 * time.Second),
		BreakDuration: 30 * time.Second,
	}}
	d := &stubDecision{pod: testPod()}
	o := newTestOrchestrator(d, nil)
	ctx := context.Background()

	o.Advance(ctx, window(t0, segDur, 0, 12, "", cueAt{seq: 12, cue: out.cue}))
	require.Equal(t, PhaseArmed, o.State().Phase)
	snap := o.Snapshot()
	require.Len(t, snap.Entries, 13)
	assert.Equal(t, int64(12), snap.Entries[12].OriginSeq)

	o.Advance(ctx, window(t0, segDur, 0, 16, "", out))
	st := o.State()
	require.Equal(t, PhaseActive, st.Phase)
	assert.Equal(t, int64(15), st.OutPoint.Sequence)

	snap = o.Snapshot()
	for _, e := range snap.Entries {
		if e.Kind == EntryContent {
			assert.Less(t, e.OriginSeq, int64(15))
		}
	}
}

func TestInCueVisibleAtColdStartEndsBreak(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	segDur := 2 * time.Second
	// The first window the channel ever sees spans the whole break: the
	// OUT and its matching IN are both already visible. The IN must still
	// end the break instead of being mistaken for an earlier break's.
	out := cueAt{seq: 10, cue: Cue{
		ID:            "break-7",
		Kind:          CueOut,
		WallClock:     t0.Add(20 * time.Second),
		BreakDuration: 30 * time.Second,
	}}
	in := cueAt{seq: 14, cue: Cue{
		ID:        "break-7-in",
		Kind:      CueIn,
		WallClock: t0.Add(28 * time.Second),
	}}
	d := &stubDecision{pod: testPod()}
	o := newTestOrchestrator(d, nil)
	ctx := context.Background()

	// Cycle 1: the machine chains to ACTIVE, pacing stops at the IN point
	// rather than the live edge, and the return boundary is sought.
	o.Advance(ctx, window(t0, segDur, 0, 16, "", out, in))
	require.Equal(t, PhaseReturning, o.State().Phase)
	require.Len(t, d.reqs, 1)
	snap := o.Snapshot()
	require.Len(t, snap.Entries, 12)
	_, ads, _ := countKinds(snap.Entries)
	assert.Equal(t, 2, ads)

	// Cycle 2: enough trailing content exists; the break closes at the
	// snapped IN boundary, not at the 30s planned duration.
	o.Advance(ctx, window(t0, segDur, 0, 21, "", out, in))
	require.Equal(t, PhaseIdle, o.State().Phase)

	snap = o.Snapshot()
	content, ads, slateN := countKinds(snap.Entries)
	assert.Equal(t, 16, content)
	assert.Equal(t, 2, ads)
	assert.Zero(t, slateN)

	ret := snap.Entries[12]
	assert.Equal(t, EntryContent, ret.Kind)
	assert.Equal(t, int64(16), ret.OriginSeq)
	assert.True(t, ret.Discontinuity)
	require.NotNil(t, ret.MarkerIn)
	assert.True(t, ret.MarkerIn.End.Equal(t0.Add(32*time.Second)))

	// Content between the cut and the return never surfaces.
	for _, e := range snap.Entries {
		if e.Kind == EntryContent {
			assert.False(t, e.OriginSeq >= 10 && e.OriginSeq <= 15,
				"origin sequence %d should be covered by the break", e.OriginSeq)
		}
	}
}

func TestArmRetiresStaleInCue(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	segDur := 2 * time.Second
	// A leftover IN from a break that ended before this channel was
	// registered sits in the window. It precedes the OUT and must not end
	// the new break.
	stale := cueAt{seq: 3, cue: Cue{
		ID:        "stale-in",
		Kind:      CueIn,
		WallClock: t0.Add(6 * time.Second),
	}}
	out := cueAt{seq: 10, cue: Cue{
		ID:            "break-8",
		Kind:          CueOut,
		WallClock:     t0.Add(20 * time.Second),
		BreakDuration: 30 * time.Second,
	}}
	d := &stubDecision{pod: testPod()}
	o := newTestOrchestrator(d, nil)

	o.Advance(context.Background(), window(t0, segDur, 0, 12, "", stale, out))
	st := o.State()
	require.Equal(t, PhaseActive, st.Phase)

	snap := o.Snapshot()
	require.Len(t, snap.Entries, 11)
	assert.Equal(t, EntryAd, snap.Entries[10].Kind)
}

func TestDriftSampledOncePerAnchor(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	segDur := 2 * time.Second
	a1 := cueAt{seq: 5, cue: Cue{
		ID:     "anchor-1",
		Kind:   CueIn,
		PTS:    gots.PTS(10 * 90000),
		HasPTS: true,
	}}
	// Projected through the first anchor this lands 12ms before the
	// segment's PDT on the grid.
	a2 := cueAt{seq: 12, cue: Cue{
		ID:     "anchor-2",
		Kind:   CueIn,
		PTS:    gots.PTS(2158920),
		HasPTS: true,
	}}
	o := newTestOrchestrator(&stubDecision{}, nil)
	ctx := context.Background()

	w1 := window(t0, segDur, 0, 10, "", a1)
	o.Advance(ctx, w1)
	assert.Zero(t, o.DriftMs())

	// Re-seeing the same window contributes no drift sample.
	o.Advance(ctx, w1)
	assert.Zero(t, o.DriftMs())

	o.Advance(ctx, window(t0, segDur, 0, 15, "", a1, a2))
	assert.InDelta(t, 12.0, o.DriftMs(), 0.001)

	// The second anchor stays in the window across refreshes; its
	// deviation must not be resampled as zero against its own mapping.
	o.Advance(ctx, window(t0, segDur, 6, 15, "", a2))
	assert.InDelta(t, 12.0, o.DriftMs(), 0.001)
}
