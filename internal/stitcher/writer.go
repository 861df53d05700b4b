package stitcher

import (
	"fmt"
	"math"
	"strings"
)

// pdtLayout is RFC 3339 with millisecond precision, the customary form for
// EXT-X-PROGRAM-DATE-TIME.
const pdtLayout = "2006-01-02T15:04:05.000Z07:00"

// RenderPlaylist converts a timeline snapshot into the stitched playlist for
// one rendition. Content entries resolve their URI from the rendition's own
// origin window; ad and slate entries carry theirs (with an optional
// "{rendition}" placeholder). The function is pure: it mutates neither the
// snapshot nor any break state.
//
// Each break is announced and finalized by a pair of EXT-X-DATERANGE tags
// sharing one ID, carrying the SCTE-35 payload in hex, alongside the legacy
// EXT-X-CUE-OUT / EXT-X-CUE-OUT-CONT / EXT-X-CUE-IN compatibility tags.
//
// As defense in depth it refuses to render a playlist that would end in a
// discontinuity with no segment after it, or whose content cannot be
// resolved against the rendition window; the orchestrator's RETURNING gate
// should make that unreachable.
func RenderPlaylist(rendition RenditionID, win *MediaPlaylist, snap TimelineSnapshot, ended bool) (string, error) {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:6\n")

	if len(snap.Entries) == 0 {
		b.WriteString("#EXT-X-TARGETDURATION:1\n")
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		if ended {
			b.WriteString("#EXT-X-ENDLIST\n")
		}
		return b.String(), nil
	}

	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDurationFromEntries(snap.Entries))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", snap.BaseSequence)
	fmt.Fprintf(&b, "#EXT-X-DISCONTINUITY-SEQUENCE:%d\n\n", snap.DiscontinuitySequence)

	for _, e := range snap.Entries {
		uri, err := resolveURI(rendition, win, e)
		if err != nil {
			return "", err
		}

		if e.Discontinuity {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		switch {
		case e.MarkerOut != nil:
			writeDateRange(&b, e.MarkerOut, true)
			fmt.Fprintf(&b, "#EXT-X-CUE-OUT:%.3f\n", e.BreakDur.Seconds())
		case e.MarkerIn != nil:
			writeDateRange(&b, e.MarkerIn, false)
			b.WriteString("#EXT-X-CUE-IN\n")
		case e.Kind == EntryAd || e.Kind == EntrySlate:
			fmt.Fprintf(&b, "#EXT-X-CUE-OUT-CONT:ElapsedTime=%.3f,Duration=%.3f\n",
				e.Elapsed.Seconds(), e.BreakDur.Seconds())
		}
		if !e.PDT.IsZero() {
			fmt.Fprintf(&b, "#EXT-X-PROGRAM-DATE-TIME:%s\n", e.PDT.UTC().Format(pdtLayout))
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", e.Duration.Seconds())
		b.WriteString(uri)
		b.WriteString("\n")
	}

	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String(), nil
}

// resolveURI maps a timeline entry to a rendition-local URI. A content entry
// whose origin segment is missing from this rendition's window makes the
// window incomplete: the writer refuses rather than guessing at media.
func resolveURI(rendition RenditionID, win *MediaPlaylist, e TimelineEntry) (string, error) {
	switch e.Kind {
	case EntryContent:
		if win != nil {
			for _, seg := range win.Segments {
				if seg.Sequence == e.OriginSeq {
					return seg.URI, nil
				}
			}
		}
		return "", fmt.Errorf("%w: origin sequence %d absent from rendition %s",
			ErrIncompleteWindow, e.OriginSeq, rendition)
	default:
		if e.URI == "" {
			return "", fmt.Errorf("%w: break entry without media", ErrIncompleteWindow)
		}
		return strings.ReplaceAll(e.URI, "{rendition}", string(rendition)), nil
	}
}

// writeDateRange emits one half of the paired range marker. The announce
// half carries START-DATE, PLANNED-DURATION, and SCTE35-OUT; the finalize
// half shares the ID and carries END-DATE, DURATION, and SCTE35-IN. SCTE-35
// payloads are written unquoted, in hex, exactly as observed.
func writeDateRange(b *strings.Builder, m *BreakMarker, announce bool) {
	fmt.Fprintf(b, "#EXT-X-DATERANGE:ID=%q", m.ID)
	if !m.Start.IsZero() {
		fmt.Fprintf(b, ",START-DATE=%q", m.Start.UTC().Format(pdtLayout))
	}
	if announce {
		if m.Planned > 0 {
			fmt.Fprintf(b, ",PLANNED-DURATION=%.3f", m.Planned.Seconds())
		}
		if m.Raw != "" {
			fmt.Fprintf(b, ",SCTE35-OUT=%s", m.Raw)
		}
	} else {
		if !m.End.IsZero() {
			fmt.Fprintf(b, ",END-DATE=%q", m.End.UTC().Format(pdtLayout))
			if !m.Start.IsZero() {
				fmt.Fprintf(b, ",DURATION=%.3f", m.End.Sub(m.Start).Seconds())
			}
		}
		if m.Raw != "" {
			fmt.Fprintf(b, ",SCTE35-IN=%s", m.Raw)
		}
	}
	b.WriteString("\n")
}

// targetDurationFromEntries returns the EXT-X-TARGETDURATION value: the
// ceiling of the longest entry duration in seconds.
func targetDurationFromEntries(entries []TimelineEntry) int {
	maxDur := 0.0
	for _, e := range entries {
		if s := e.Duration.Seconds(); s > maxDur {
			maxDur = s
		}
	}
	if maxDur <= 0 {
		return 1
	}
	return int(math.Ceil(maxDur))
}
