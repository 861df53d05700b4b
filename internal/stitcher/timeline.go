package stitcher

import "time"

// EntryKind classifies a stitched timeline entry.
type EntryKind int

const (
	// EntryContent references an origin segment by sequence number; each
	// rendition resolves the URI from its own fetched playlist.
	EntryContent EntryKind = iota
	// EntryAd is an ad pod segment.
	EntryAd
	// EntrySlate is a fallback filler segment.
	EntrySlate
)

// BreakMarker carries what the writer needs to emit one half of a paired
// range marker. The announce and finalize halves share an ID.
type BreakMarker struct {
	ID      string
	Start   time.Time
	Planned time.Duration
	End     time.Time
	Raw     string // SCTE-35 payload in hex, "" when signaling was tag-only
}

// TimelineEntry is one slot of the stitched output timeline. Entries are
// immutable once appended; rendering works from copies.
type TimelineEntry struct {
	Kind          EntryKind
	Sequence      int64 // output media sequence, assigned on append
	OriginSeq     int64 // content only
	URI           string
	Duration      time.Duration
	PDT           time.Time
	Discontinuity bool // EXT-X-DISCONTINUITY precedes this entry

	// Break markers. MarkerOut rides the first break entry, MarkerIn the
	// first content entry after the break. Mid-break ad entries carry
	// Elapsed for the EXT-X-CUE-OUT-CONT compatibility tag.
	MarkerOut *BreakMarker
	MarkerIn  *BreakMarker
	Elapsed   time.Duration
	BreakDur  time.Duration
}

// Timeline is the channel-level stitched output: the single place where
// splice boundaries, markers, and media-sequence arithmetic live. Every
// rendition renders from a snapshot of it, which is what makes ladder
// agreement structural instead of per-rendition re-derivation.
type Timeline struct {
	entries  []TimelineEntry
	baseSeq  int64 // output sequence of entries[0]
	discSeq  int64 // discontinuities that have slid out of the window
	nextSeq  int64
	assigned bool
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{}
}

// Append adds an entry, assigning its output sequence and clamping its PDT
// so program-date-time stays monotonic across the whole playlist.
func (t *Timeline) Append(e TimelineEntry) {
	if !t.assigned {
		t.baseSeq = t.nextSeq
		t.assigned = true
	}
	if n := len(t.entries); n > 0 {
		prevEnd := t.entries[n-1].PDT.Add(t.entries[n-1].Duration)
		if e.PDT.Before(prevEnd) {
			e.PDT = prevEnd
		}
	}
	e.Sequence = t.nextSeq
	t.nextSeq++
	t.entries = append(t.entries, e)
}

// Trim drops entries off the head until at most window remain, advancing the
// base media sequence and, for dropped entries that opened a discontinuity,
// the discontinuity sequence.
func (t *Timeline) Trim(window int) {
	for len(t.entries) > window {
		if t.entries[0].Discontinuity {
			t.discSeq++
		}
		t.entries = t.entries[1:]
		t.baseSeq++
	}
}

// End returns the PDT at which the stitched timeline currently ends.
func (t *Timeline) End() time.Time {
	if len(t.entries) == 0 {
		return time.Time{}
	}
	last := t.entries[len(t.entries)-1]
	return last.PDT.Add(last.Duration)
}

// Len returns the number of entries in the window.
func (t *Timeline) Len() int { return len(t.entries) }

// Last returns the newest entry, if any.
func (t *Timeline) Last() (TimelineEntry, bool) {
	if len(t.entries) == 0 {
		return TimelineEntry{}, false
	}
	return t.entries[len(t.entries)-1], true
}

// TimelineSnapshot is the immutable view handed to the manifest writer. All
// rendition requests within one refresh cycle observe the same snapshot.
type TimelineSnapshot struct {
	BaseSequence          int64
	DiscontinuitySequence int64
	Entries               []TimelineEntry
}

// Snapshot copies the current window.
func (t *Timeline) Snapshot() TimelineSnapshot {
	return TimelineSnapshot{
		BaseSequence:          t.baseSeq,
		DiscontinuitySequence: t.discSeq,
		Entries:               append([]TimelineEntry(nil), t.entries...),
	}
}
