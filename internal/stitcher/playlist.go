package stitcher

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseMediaPlaylist parses an origin live media playlist. Beyond the basic
// segment structure it extracts everything the conditioning engine feeds on:
// program-date-time anchors (chained forward across segments that lack an
// explicit tag), discontinuities, EXT-X-DATERANGE splice signaling, legacy
// cue tags, and binary EXT-OATCLS-SCTE35 payloads.
//
// A cue that fails to decode is skipped and reported in errs; the playlist
// itself still parses. Callers log malformed cues and treat the channel as
// cue-less for the affected position, never as failed.
func ParseMediaPlaylist(data []byte) (*MediaPlaylist, []error) {
	pl := &MediaPlaylist{}
	var errs []error

	var (
		pendingDur    time.Duration
		pendingPDT    time.Time
		pendingDisc   bool
		pendingCue    *Cue
		lastEnd       time.Time
		nextSeq       int64
		haveSeq       bool
		sawSegmentTag bool
	)

	appendCue := func(c Cue) {
		pl.Cues = append(pl.Cues, c)
		if pendingCue == nil {
			cc := c
			pendingCue = &cc
		}
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			pl.Version, _ = strconv.Atoi(tagValue(line))
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			pl.TargetDuration, _ = strconv.Atoi(tagValue(line))
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			pl.MediaSequence, _ = strconv.ParseInt(tagValue(line), 10, 64)
			if !haveSeq {
				nextSeq = pl.MediaSequence
				haveSeq = true
			}
		case strings.HasPrefix(line, "#EXT-X-DISCONTINUITY-SEQUENCE:"):
			pl.DiscontinuitySequence, _ = strconv.ParseInt(tagValue(line), 10, 64)
		case strings.HasPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:"):
			if ts, err := time.Parse(time.RFC3339Nano, tagValue(line)); err == nil {
				pendingPDT = ts
			} else {
				errs = append(errs, fmt.Errorf("bad program-date-time %q: %w", tagValue(line), err))
			}
		case line == "#EXT-X-DISCONTINUITY":
			pendingDisc = true
		case strings.HasPrefix(line, "#EXTINF:"):
			v := tagValue(line)
			if i := strings.IndexByte(v, ','); i >= 0 {
				v = v[:i]
			}
			secs, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("bad EXTINF %q: %w", line, err))
				continue
			}
			pendingDur = time.Duration(secs * float64(time.Second))
			sawSegmentTag = true
		case strings.HasPrefix(line, "#EXT-X-DATERANGE:"):
			c, ok, err := NormalizeDateRange(parseAttributes(tagValue(line)))
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				appendCue(c)
			}
		case strings.HasPrefix(line, "#EXT-X-CUE-OUT:") || line == "#EXT-X-CUE-OUT":
			c, err := NormalizeCueTag(CueOut, tagValue(line), nextSeq)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			appendCue(c)
		case strings.HasPrefix(line, "#EXT-X-CUE-IN") && !strings.HasPrefix(line, "#EXT-X-CUE-IN-"):
			c, err := NormalizeCueTag(CueIn, "", nextSeq)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			appendCue(c)
		case strings.HasPrefix(line, "#EXT-OATCLS-SCTE35:"):
			raw, err := decodeSplicePayload(tagValue(line))
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %v", ErrMalformedCue, err))
				continue
			}
			c, err := NormalizeSCTE35(raw)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			appendCue(c)
		case line == "#EXT-X-ENDLIST":
			pl.Ended = true
		case strings.HasPrefix(line, "#"):
			// Unknown tags pass through unharmed.
		default:
			if !sawSegmentTag {
				continue
			}
			seg := Segment{
				Sequence:      nextSeq,
				Duration:      pendingDur,
				URI:           line,
				Discontinuity: pendingDisc,
				Cue:           pendingCue,
			}
			if !pendingPDT.IsZero() {
				seg.ProgramDateTime = pendingPDT
			} else if !lastEnd.IsZero() {
				seg.ProgramDateTime = lastEnd
			}
			if !seg.ProgramDateTime.IsZero() {
				lastEnd = seg.End()
			}

			// Cues without a wall-clock of their own take the attachment
			// segment's PDT so snapping has an ideal time to work with.
			if seg.Cue != nil && seg.Cue.WallClock.IsZero() && !seg.ProgramDateTime.IsZero() {
				seg.Cue.WallClock = seg.ProgramDateTime
				for i := range pl.Cues {
					if pl.Cues[i].ID == seg.Cue.ID && pl.Cues[i].WallClock.IsZero() {
						pl.Cues[i].WallClock = seg.ProgramDateTime
					}
				}
			}
			pl.Segments = append(pl.Segments, seg)

			nextSeq++
			pendingDur = 0
			pendingPDT = time.Time{}
			pendingDisc = false
			pendingCue = nil
			sawSegmentTag = false
		}
	}

	return pl, errs
}

func tagValue(line string) string {
	if i := strings.IndexByte(line, ':'); i >= 0 {
		return line[i+1:]
	}
	return ""
}

// parseAttributes splits an HLS attribute list, honoring quoted values that
// contain commas.
func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		rest := s[eq+1:]

		var val string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				val = rest[1:]
				rest = ""
			} else {
				val = rest[1 : 1+end]
				rest = rest[2+end:]
				rest = strings.TrimPrefix(rest, ",")
			}
		} else if i := strings.IndexByte(rest, ','); i >= 0 {
			val = rest[:i]
			rest = rest[i+1:]
		} else {
			val = rest
			rest = ""
		}
		attrs[key] = val
		s = rest
	}
	return attrs
}
