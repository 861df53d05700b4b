package stitcher

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Comcast/gots/v2/scte35"
)

// NormalizeSCTE35 decodes a binary splice_info_section into a canonical Cue.
// The payload survives in Cue.Raw as hex so the writer can re-emit it
// verbatim. Returns ErrMalformedCue when the section does not decode (bad
// CRC, truncated payload, unsupported command).
func NormalizeSCTE35(payload []byte) (Cue, error) {
	sig, err := scte35.NewSCTE35(payload)
	if err != nil {
		return Cue{}, fmt.Errorf("%w: %v", ErrMalformedCue, err)
	}

	c := Cue{Raw: "0x" + strings.ToUpper(hex.EncodeToString(payload))}
	if sig.HasPTS() {
		c.PTS = sig.PTS()
		c.HasPTS = true
	}

	switch sig.Command() {
	case scte35.SpliceInsert:
		ins, ok := sig.CommandInfo().(scte35.SpliceInsertCommand)
		if !ok {
			return Cue{}, fmt.Errorf("%w: splice_insert without command body", ErrMalformedCue)
		}
		c.ID = fmt.Sprintf("scte35-%d", ins.EventID())
		if ins.IsOut() {
			c.Kind = CueOut
		} else {
			c.Kind = CueIn
		}
		if ins.HasDuration() {
			c.BreakDuration = ptsToDuration(ins.Duration())
		}
		return c, nil
	case scte35.TimeSignal:
		for _, d := range sig.Descriptors() {
			switch {
			case d.IsOut():
				c.ID = fmt.Sprintf("scte35-%d", d.EventID())
				c.Kind = CueOut
				if d.HasDuration() {
					c.BreakDuration = ptsToDuration(d.Duration())
				}
				return c, nil
			case d.IsIn():
				c.ID = fmt.Sprintf("scte35-%d", d.EventID())
				c.Kind = CueIn
				return c, nil
			}
		}
		return Cue{}, fmt.Errorf("%w: time_signal without in/out segmentation", ErrMalformedCue)
	default:
		return Cue{}, fmt.Errorf("%w: splice command %v carries no break boundary", ErrMalformedCue, sig.Command())
	}
}

// NormalizeDateRange builds a Cue from EXT-X-DATERANGE attributes. An
// SCTE35-OUT attribute yields an OUT cue, SCTE35-IN an IN cue; a date range
// with neither is not splice signaling and yields ok=false.
func NormalizeDateRange(attrs map[string]string) (Cue, bool, error) {
	var kind CueKind
	var payload string
	switch {
	case attrs["SCTE35-OUT"] != "":
		kind, payload = CueOut, attrs["SCTE35-OUT"]
	case attrs["SCTE35-IN"] != "":
		kind, payload = CueIn, attrs["SCTE35-IN"]
	default:
		return Cue{}, false, nil
	}

	raw, err := decodeSplicePayload(payload)
	if err != nil {
		return Cue{}, false, fmt.Errorf("%w: %v", ErrMalformedCue, err)
	}

	// Decode for PTS and duration, but the DATERANGE attributes are
	// authoritative for identity and dates.
	c, err := NormalizeSCTE35(raw)
	if err != nil {
		return Cue{}, false, err
	}
	c.Kind = kind
	c.Raw = payload
	if id := attrs["ID"]; id != "" {
		c.ID = id
	}
	if d := attrs["START-DATE"]; d != "" {
		if ts, err := time.Parse(time.RFC3339Nano, d); err == nil {
			c.WallClock = ts
		}
	}
	if d := attrs["PLANNED-DURATION"]; d != "" && c.BreakDuration == 0 {
		if secs, err := strconv.ParseFloat(d, 64); err == nil {
			c.BreakDuration = time.Duration(secs * float64(time.Second))
		}
	}
	if d := attrs["DURATION"]; d != "" && c.BreakDuration == 0 {
		if secs, err := strconv.ParseFloat(d, 64); err == nil {
			c.BreakDuration = time.Duration(secs * float64(time.Second))
		}
	}
	return c, true, nil
}

// NormalizeCueTag builds a Cue from the legacy EXT-X-CUE-OUT / EXT-X-CUE-IN
// tags, which carry no SCTE-35 payload. seq is the origin sequence of the
// segment the tag attaches to; it keeps the synthesized id stable across
// refreshes of the same playlist.
func NormalizeCueTag(kind CueKind, value string, seq int64) (Cue, error) {
	c := Cue{Kind: kind}
	if kind == CueOut {
		c.ID = fmt.Sprintf("cue-out-%d", seq)
		if value != "" {
			// Both "30" and "DURATION=30" forms are seen in the wild.
			v := strings.TrimPrefix(value, "DURATION=")
			secs, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return Cue{}, fmt.Errorf("%w: bad cue-out duration %q", ErrMalformedCue, value)
			}
			c.BreakDuration = time.Duration(secs * float64(time.Second))
		}
		return c, nil
	}
	c.ID = fmt.Sprintf("cue-in-%d", seq)
	return c, nil
}

// decodeSplicePayload accepts the hex ("0x…") form required on the wire and,
// for tolerance with origins that still emit OATCLS base64, that form too.
// A bare string of hex digits always reads as hex: many hex payloads are also
// well-formed base64, and the wrong alphabet yields bytes that fail the
// SCTE-35 CRC downstream.
func decodeSplicePayload(s string) ([]byte, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return hex.DecodeString(s[2:])
	}
	if len(s)%2 == 0 && isHexDigits(s) {
		return hex.DecodeString(s)
	}
	return base64.StdEncoding.DecodeString(s)
}

func isHexDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case '0' <= c && c <= '9', 'a' <= c && c <= 'f', 'A' <= c && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// CueSet deduplicates cues by id for one channel. Re-observing a cue is
// idempotent; a re-announcement with refined fields supersedes the stored
// value as a whole.
type CueSet struct {
	byID  map[string]Cue
	order []string
}

// NewCueSet returns an empty cue set.
func NewCueSet() *CueSet {
	return &CueSet{byID: make(map[string]Cue)}
}

// Observe records the cue and reports whether its id was new. A known id
// never reports new, even when the stored value is refined.
func (s *CueSet) Observe(c Cue) bool {
	old, seen := s.byID[c.ID]
	if !seen {
		s.byID[c.ID] = c
		s.order = append(s.order, c.ID)
		return true
	}
	s.byID[c.ID] = refineCue(old, c)
	return false
}

// Get returns the stored cue for id.
func (s *CueSet) Get(id string) (Cue, bool) {
	c, ok := s.byID[id]
	return c, ok
}

// All returns cues in first-observation order.
func (s *CueSet) All() []Cue {
	out := make([]Cue, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// refineCue merges a re-announcement into the stored cue, keeping any field
// the new observation leaves unknown.
func refineCue(old, next Cue) Cue {
	if !next.HasPTS && old.HasPTS {
		next.PTS, next.HasPTS = old.PTS, true
	}
	if next.WallClock.IsZero() {
		next.WallClock = old.WallClock
	}
	if next.BreakDuration == 0 {
		next.BreakDuration = old.BreakDuration
	}
	if next.Raw == "" {
		next.Raw = old.Raw
	}
	return next
}
