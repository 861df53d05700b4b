package stitcher

import (
	"time"

	"github.com/Comcast/gots/v2"
)

// ChannelID uniquely identifies a conditioned live channel.
type ChannelID string

// RenditionID identifies a bitrate rendition of a channel (e.g. "720p", "480p").
type RenditionID string

// CueKind distinguishes the two halves of an ad-break opportunity.
type CueKind int

const (
	// CueOut marks the start of an ad-break opportunity.
	CueOut CueKind = iota
	// CueIn marks the return to program content.
	CueIn
)

func (k CueKind) String() string {
	if k == CueIn {
		return "IN"
	}
	return "OUT"
}

// Cue is the canonical form of one splice signal, regardless of whether it
// arrived as an EXT-X-DATERANGE, a legacy cue tag, or a binary SCTE-35
// payload. Cues are value objects: a re-announced cue with refined fields
// supersedes the old value, it is never mutated in place.
type Cue struct {
	ID            string
	Kind          CueKind
	PTS           gots.PTS
	HasPTS        bool
	WallClock     time.Time     // zero if the signal carried no date
	BreakDuration time.Duration // 0 if unknown
	Raw           string        // SCTE-35 payload as "0x…" hex, "" for tag-only cues
}

// Segment is one media segment of an origin playlist as parsed.
type Segment struct {
	Sequence        int64
	Duration        time.Duration
	URI             string
	ProgramDateTime time.Time // chained from the nearest PDT anchor
	Discontinuity   bool      // EXT-X-DISCONTINUITY precedes this segment
	Cue             *Cue      // cue attached at this position, nil if none
}

// End returns the wall-clock time at which the segment ends.
func (s Segment) End() time.Time {
	return s.ProgramDateTime.Add(s.Duration)
}

// MediaPlaylist is a parsed origin media playlist.
type MediaPlaylist struct {
	Version               int
	TargetDuration        int
	MediaSequence         int64
	DiscontinuitySequence int64
	Segments              []Segment
	Ended                 bool
	Cues                  []Cue
}

// LiveEdge returns the end time of the newest segment, or the zero time for
// an empty playlist. It is the channel's notion of "now" in the PDT domain.
func (p *MediaPlaylist) LiveEdge() time.Time {
	if len(p.Segments) == 0 {
		return time.Time{}
	}
	return p.Segments[len(p.Segments)-1].End()
}

// SplicePoint annotates a cue with the segment boundary chosen for the cut.
// A point whose snap error exceeds the configured maximum is invalid and the
// break must be deferred rather than cut mid-segment.
type SplicePoint struct {
	CueID    string
	Ideal    time.Time
	Index    int   // index into the segment list snapped against
	Sequence int64 // origin sequence of the boundary segment
	Boundary time.Time
	SnapErr  time.Duration
}

// Valid reports whether the point may be cut, given the maximum allowed
// snap error.
func (p SplicePoint) Valid(maxErr time.Duration) bool {
	return p.Index >= 0 && p.SnapErr >= 0 && p.SnapErr <= maxErr
}

// AdSegment is one creative segment inside an ad pod. URIs may carry a
// "{rendition}" placeholder that the writer resolves per rendition.
type AdSegment struct {
	URI            string `json:"uri"`
	DurationMs     int64  `json:"durationMs"`
	BitrateVariant string `json:"bitrateVariant,omitempty"`
}

// AdPod is a decision-service result: the ordered set of ad segments filling
// one break. Owned by the break state for the duration of one break.
type AdPod struct {
	ID              string      `json:"podId"`
	Segments        []AdSegment `json:"segments"`
	TotalDurationMs int64       `json:"totalDurationMs"`
}

// TotalDuration returns the pod duration, summing segments when the
// advertised total is absent.
func (p *AdPod) TotalDuration() time.Duration {
	if p.TotalDurationMs > 0 {
		return time.Duration(p.TotalDurationMs) * time.Millisecond
	}
	var ms int64
	for _, s := range p.Segments {
		ms += s.DurationMs
	}
	return time.Duration(ms) * time.Millisecond
}

// BreakPhase is the orchestrator's per-channel state machine phase.
type BreakPhase int

const (
	// PhaseIdle means no break is in progress.
	PhaseIdle BreakPhase = iota
	// PhaseArmed means an OUT cue is recorded and awaiting a valid splice point.
	PhaseArmed
	// PhaseDeciding means the decision service call is in flight.
	PhaseDeciding
	// PhaseActive means ad segments are being exposed in place of content.
	PhaseActive
	// PhaseReturning means the break is over and a valid IN boundary is sought.
	PhaseReturning
	// PhaseAborted is a terminal-per-break phase: the break was skipped.
	PhaseAborted
)

func (p BreakPhase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseArmed:
		return "ARMED"
	case PhaseDeciding:
		return "DECIDING"
	case PhaseActive:
		return "ACTIVE"
	case PhaseReturning:
		return "RETURNING"
	case PhaseAborted:
		return "ABORTED"
	}
	return "UNKNOWN"
}

// BreakState is the single source of break truth for one channel. It is owned
// exclusively by the channel's orchestrator; renditions read snapshots.
type BreakState struct {
	Channel          ChannelID
	Phase            BreakPhase
	BreakID          string
	Cue              *Cue
	Pod              *AdPod
	Degraded         bool
	TargetDuration   time.Duration
	Actual           time.Duration
	SegmentsConsumed int
	OutPoint         SplicePoint
	InPoint          SplicePoint

	startWall   time.Time // PDT-domain time of the OUT boundary
	adEmitted   int       // pod segments appended to the timeline so far
	slateIdx    int       // next slate segment for padding, cycles
	snapRetries int
}

// DecisionRequest is the payload sent to the ad decision service.
type DecisionRequest struct {
	// RequestID correlates one decision attempt across logs and the ad
	// server; retries for the same cue carry fresh IDs.
	RequestID       string    `json:"requestId"`
	ChannelID       ChannelID `json:"channelId"`
	CueID           string    `json:"cueId"`
	BreakDurationMs int64     `json:"breakDurationMs"`
}
