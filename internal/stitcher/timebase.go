package stitcher

import (
	"time"

	"github.com/Comcast/gots/v2"
)

const (
	ptsClockRate = 90000
	ptsRollover  = int64(1) << 33
)

// driftWindow is how many anchor deviations the rolling drift metric keeps.
const driftWindow = 32

// TimebaseMapping is an affine relation between the 90 kHz presentation
// timestamp domain and wall-clock time:
//
//	wall = WallClock0 + (pts - OriginPTS) / 90000
//
// A mapping belongs to exactly one PTS domain; a discontinuity invalidates it
// and the replacement drops the old value entirely.
type TimebaseMapping struct {
	OriginPTS  gots.PTS
	WallClock0 time.Time
}

// Project converts a PTS to wall-clock time, handling 33-bit rollover.
func (m TimebaseMapping) Project(pts gots.PTS) time.Time {
	return m.WallClock0.Add(ptsDelta(pts, m.OriginPTS))
}

// Timebase tracks the active PTS↔wall-clock mapping for one channel plus a
// rolling drift metric. Not safe for concurrent use; it is owned by the
// channel's actor.
type Timebase struct {
	mapping *TimebaseMapping
	drift   []float64 // ms, most recent last
}

// NewTimebase returns a cold timebase with no mapping established.
func NewTimebase() *Timebase {
	return &Timebase{}
}

// Update records a (pts, wall-clock) anchor pair. When isDiscontinuity is
// set the previous mapping is replaced wholesale: extrapolating across a
// discontinuity is the documented root cause of boundary misses. Otherwise
// the anchor refreshes the mapping and its deviation from the prediction is
// sampled into the drift metric.
func (t *Timebase) Update(anchorPTS gots.PTS, anchorWall time.Time, isDiscontinuity bool) TimebaseMapping {
	if t.mapping != nil && !isDiscontinuity {
		predicted := t.mapping.Project(anchorPTS)
		t.sampleDrift(anchorWall.Sub(predicted))
	} else if isDiscontinuity {
		t.drift = t.drift[:0]
	}
	m := TimebaseMapping{OriginPTS: anchorPTS, WallClock0: anchorWall}
	t.mapping = &m
	return m
}

// Project converts a PTS through the active mapping. Returns ErrNoMapping
// before the first anchor has been observed.
func (t *Timebase) Project(pts gots.PTS) (time.Time, error) {
	if t.mapping == nil {
		return time.Time{}, ErrNoMapping
	}
	return t.mapping.Project(pts), nil
}

// Mapping returns the active mapping, if any.
func (t *Timebase) Mapping() (TimebaseMapping, bool) {
	if t.mapping == nil {
		return TimebaseMapping{}, false
	}
	return *t.mapping, true
}

// DriftMs returns the most recent observed anchor deviation in milliseconds.
// Observability only; it never feeds back into the mapping.
func (t *Timebase) DriftMs() float64 {
	if len(t.drift) == 0 {
		return 0
	}
	return t.drift[len(t.drift)-1]
}

func (t *Timebase) sampleDrift(d time.Duration) {
	t.drift = append(t.drift, float64(d)/float64(time.Millisecond))
	if len(t.drift) > driftWindow {
		t.drift = t.drift[len(t.drift)-driftWindow:]
	}
}

// ptsDelta returns pts-base as a duration, unwrapping a single 33-bit
// rollover in either direction.
func ptsDelta(pts, base gots.PTS) time.Duration {
	d := int64(pts) - int64(base)
	if d < -ptsRollover/2 {
		d += ptsRollover
	} else if d > ptsRollover/2 {
		d -= ptsRollover
	}
	return time.Duration(d) * time.Second / ptsClockRate
}

// ptsToDuration converts a 90 kHz tick count to a duration.
func ptsToDuration(pts gots.PTS) time.Duration {
	return time.Duration(pts) * time.Second / ptsClockRate
}
