package stitcher

import (
	"math"
	"time"
)

// invalidSnap marks a splice point with no eligible boundary. Treated as an
// infinite snap error by SplicePoint.Valid.
const invalidSnap = time.Duration(math.MaxInt64)

// Snap resolves a cue's ideal splice time against a segment list, selecting
// the first segment boundary at or after the ideal time. Splices never snap
// earlier than the cue: an early cut removes live content. Segments whose
// sequence is at or below afterSeq are ineligible (already exposed to
// players and no longer cuttable).
//
// When no boundary exists at or after the ideal time (origin window too
// short, or the segment list stale) the returned point carries an infinite
// snap error. The caller must defer the break to the next refresh cycle
// rather than force a cut mid-segment; this is the explicit encoding of the
// end-of-window condition that otherwise produces dead-end playlists.
func Snap(cueID string, ideal time.Time, segs []Segment, afterSeq int64) SplicePoint {
	p := SplicePoint{CueID: cueID, Ideal: ideal, Index: -1, SnapErr: invalidSnap}
	if ideal.IsZero() {
		return p
	}
	for i, seg := range segs {
		if seg.Sequence <= afterSeq || seg.ProgramDateTime.IsZero() {
			continue
		}
		if !seg.ProgramDateTime.Before(ideal) {
			p.Index = i
			p.Sequence = seg.Sequence
			p.Boundary = seg.ProgramDateTime
			p.SnapErr = seg.ProgramDateTime.Sub(ideal)
			return p
		}
	}
	return p
}

// TrailingContent counts the segments available at and after the boundary of
// a resolved splice point. The orchestrator requires a minimum count before
// returning to content, so a break never ends at the edge of the sliding
// window with nothing after it.
func TrailingContent(p SplicePoint, segs []Segment) int {
	if p.Index < 0 || p.Index >= len(segs) {
		return 0
	}
	return len(segs) - p.Index
}
