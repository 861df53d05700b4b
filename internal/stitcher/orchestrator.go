package stitcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"hls-stitcher/internal/platform/metrics"
)

// Orchestrator owns the ad-break lifecycle for one channel: it arms on OUT
// cues, requests ad decisions, paces ad segments onto the stitched timeline,
// and gates the return to content. All mutation happens on the channel's
// actor goroutine; nothing here is locked.
type Orchestrator struct {
	channel         ChannelID
	decision        DecisionService
	slate           *AdPod
	tolerance       time.Duration
	minTrailing     int
	retryLimit      int
	decisionTimeout time.Duration
	window          int
	log             *slog.Logger
	metrics         *metrics.Metrics

	state    BreakState
	cues     *CueSet
	timebase *Timebase
	timeline *Timeline

	consumedOut map[string]bool
	consumedIn  map[string]bool
	inCue       *Cue
	inIdealBase time.Time
	// pendingReturn decorates the first content entry appended after a
	// break with the finalize marker and its discontinuity.
	pendingReturn *BreakMarker

	lastOriginSeq int64
	lastAnchorSeq int64
}

// OrchestratorConfig carries the per-channel tuning the orchestrator needs.
type OrchestratorConfig struct {
	Channel         ChannelID
	Decision        DecisionService
	Slate           *AdPod
	SnapTolerance   time.Duration
	MinTrailing     int
	SnapRetryLimit  int
	DecisionTimeout time.Duration
	WindowSize      int
	Log             *slog.Logger
	Metrics         *metrics.Metrics
}

// NewOrchestrator creates the per-channel state machine. It starts IDLE with
// a cold timebase and an empty stitched timeline.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		channel:         cfg.Channel,
		decision:        cfg.Decision,
		slate:           cfg.Slate,
		tolerance:       cfg.SnapTolerance,
		minTrailing:     cfg.MinTrailing,
		retryLimit:      cfg.SnapRetryLimit,
		decisionTimeout: cfg.DecisionTimeout,
		window:          cfg.WindowSize,
		log:             cfg.Log,
		metrics:         cfg.Metrics,
		state:           BreakState{Channel: cfg.Channel, Phase: PhaseIdle},
		cues:            NewCueSet(),
		timebase:        NewTimebase(),
		timeline:        NewTimeline(),
		consumedOut:     make(map[string]bool),
		consumedIn:      make(map[string]bool),
		lastOriginSeq:   -1,
		lastAnchorSeq:   -1,
	}
}

// State returns a copy of the current break state.
func (o *Orchestrator) State() BreakState { return o.state }

// Snapshot returns the immutable timeline view for rendering.
func (o *Orchestrator) Snapshot() TimelineSnapshot { return o.timeline.Snapshot() }

// DriftMs exposes the timebase drift metric.
func (o *Orchestrator) DriftMs() float64 { return o.timebase.DriftMs() }

// Advance runs the state machine once against a freshly parsed origin
// window. It is called exactly once per refresh cycle, on the channel actor.
func (o *Orchestrator) Advance(ctx context.Context, win *MediaPlaylist) {
	o.ingestCues(win)
	o.updateTimebase(win)

	// A single cycle may legally chain several transitions
	// (IDLE→ARMED→DECIDING→ACTIVE); the bound is defensive.
	for i := 0; i < 6; i++ {
		if o.step(ctx, win) {
			break
		}
	}
	o.timeline.Trim(o.window)

	if o.metrics != nil {
		o.metrics.SetTimebaseDrift(string(o.channel), o.DriftMs())
	}
}

// step advances at most one transition. It returns true once the cycle is
// complete and rendering may proceed.
func (o *Orchestrator) step(ctx context.Context, win *MediaPlaylist) bool {
	switch o.state.Phase {
	case PhaseIdle:
		if cue, ok := o.nextOutCue(); ok {
			o.arm(cue)
			return false
		}
		o.appendContent(win, -1, time.Time{})
		return true

	case PhaseArmed:
		return o.stepArmed(win)

	case PhaseDeciding:
		o.appendContent(win, o.state.OutPoint.Sequence, time.Time{})
		o.decide(ctx)
		return false

	case PhaseActive:
		return o.stepActive(win)

	case PhaseReturning:
		return o.stepReturning(win)

	default: // PhaseAborted is transient; abort() already reset the state.
		return true
	}
}

func (o *Orchestrator) arm(cue Cue) {
	o.consumedOut[cue.ID] = true
	// IN cues at or before the OUT belong to earlier breaks and must not
	// end this one. The matching IN may already be visible when the first
	// window spans the whole break, so IN cues past the OUT stay live.
	outAt := o.idealTime(&cue)
	for _, c := range o.cues.All() {
		if c.Kind != CueIn || o.consumedIn[c.ID] {
			continue
		}
		inAt := o.idealTime(&c)
		if inAt.IsZero() || outAt.IsZero() || !inAt.After(outAt) {
			o.consumedIn[c.ID] = true
		}
	}
	c := cue
	o.state = BreakState{
		Channel: o.channel,
		Phase:   PhaseArmed,
		BreakID: cue.ID,
		Cue:     &c,
	}
	o.inCue = nil
	o.inIdealBase = time.Time{}
	if o.metrics != nil {
		o.metrics.IncBreaksArmed()
	}
	o.log.Info("break armed",
		slog.String("channel", string(o.channel)),
		slog.String("cue_id", cue.ID),
		slog.Duration("break_duration", cue.BreakDuration))
}

func (o *Orchestrator) stepArmed(win *MediaPlaylist) bool {
	// The cue may have been re-announced with refined fields.
	if c, ok := o.cues.Get(o.state.BreakID); ok {
		o.state.Cue = &c
	}
	ideal := o.idealTime(o.state.Cue)
	p := Snap(o.state.BreakID, ideal, win.Segments, o.lastOriginSeq)
	if !p.Valid(o.tolerance) {
		o.state.snapRetries++
		if o.state.snapRetries > o.retryLimit {
			o.abort("splice point retries exhausted")
			return false
		}
		// Content up to the cue keeps flowing; segments past the ideal
		// time stay withheld so the boundary remains cuttable.
		o.appendContent(win, -1, ideal)
		o.log.Info("splice point unresolved, retrying next cycle",
			slog.String("channel", string(o.channel)),
			slog.String("cue_id", o.state.BreakID),
			slog.Int("attempt", o.state.snapRetries))
		return true
	}
	o.state.OutPoint = p
	o.state.Phase = PhaseDeciding
	if o.metrics != nil {
		o.metrics.ObserveSnapError(float64(p.SnapErr) / float64(time.Millisecond))
	}
	return false
}

func (o *Orchestrator) decide(ctx context.Context) {
	st := &o.state
	req := DecisionRequest{
		RequestID:       uuid.NewString(),
		ChannelID:       o.channel,
		CueID:           st.BreakID,
		BreakDurationMs: st.Cue.BreakDuration.Milliseconds(),
	}
	pod, err := decideWithTimeout(ctx, o.decision, req, o.decisionTimeout)
	if err != nil {
		pod = slatePod(o.slate)
		if pod == nil {
			o.log.Warn("ad decision failed and no slate configured, skipping break",
				slog.String("channel", string(o.channel)),
				slog.String("cue_id", st.BreakID),
				slog.String("error", err.Error()))
			o.abort("no pod available")
			return
		}
		st.Degraded = true
		if o.metrics != nil {
			o.metrics.IncDecisionFallbacks()
		}
		o.log.Warn("ad decision failed, falling back to slate",
			slog.String("channel", string(o.channel)),
			slog.String("cue_id", st.BreakID),
			slog.String("error", err.Error()))
	}
	st.Pod = pod
	st.startWall = st.OutPoint.Boundary
	st.TargetDuration = st.Cue.BreakDuration
	if st.TargetDuration == 0 {
		st.TargetDuration = pod.TotalDuration()
	}
	st.Phase = PhaseActive
	o.log.Info("break active",
		slog.String("channel", string(o.channel)),
		slog.String("cue_id", st.BreakID),
		slog.String("request_id", req.RequestID),
		slog.String("pod_id", pod.ID),
		slog.Bool("degraded", st.Degraded),
		slog.Duration("target", st.TargetDuration))
}

func (o *Orchestrator) stepActive(win *MediaPlaylist) bool {
	st := &o.state
	o.appendContent(win, st.OutPoint.Sequence, time.Time{})

	edge := win.LiveEdge()
	in, hasIn := o.pendingInCue()
	if hasIn {
		// Pacing never pushes the stitched edge past a signaled return
		// point; remaining fill is RETURNING's reconcile job.
		if at := o.idealTime(&in); !at.IsZero() && (edge.IsZero() || at.Before(edge)) {
			edge = at
		}
	}
	o.emitAds(edge)

	if hasIn {
		o.consumedIn[in.ID] = true
		c := in
		o.inCue = &c
		o.inIdealBase = o.idealTime(&c)
		if o.inIdealBase.IsZero() {
			o.inIdealBase = st.startWall.Add(st.TargetDuration)
		}
		st.Phase = PhaseReturning
		return false
	}
	if st.TargetDuration > 0 && !edge.IsZero() && !edge.Before(st.startWall.Add(st.TargetDuration)) {
		// Duration exhaustion is the fallback for a missing IN cue and
		// must never happen silently.
		o.log.Warn("break duration exhausted without IN cue",
			slog.String("channel", string(o.channel)),
			slog.String("cue_id", st.BreakID),
			slog.Duration("target", st.TargetDuration))
		o.inIdealBase = st.startWall.Add(st.TargetDuration)
		st.Phase = PhaseReturning
		return false
	}
	return true
}

func (o *Orchestrator) stepReturning(win *MediaPlaylist) bool {
	st := &o.state
	ideal := o.inIdealBase
	if emittedEnd := st.startWall.Add(st.Actual); emittedEnd.After(ideal) {
		ideal = emittedEnd
	}
	p := Snap(st.BreakID, ideal, win.Segments, st.OutPoint.Sequence-1)
	if p.Index < 0 || TrailingContent(p, win.Segments) < o.minTrailing {
		// The origin has not produced enough fresh segments past the
		// boundary yet. Hold and re-attempt every refresh rather than
		// emitting a manifest that ends at a discontinuity.
		if o.metrics != nil {
			o.metrics.IncReturnHolds()
		}
		o.log.Warn("return boundary not ready, holding",
			slog.String("channel", string(o.channel)),
			slog.String("cue_id", st.BreakID),
			slog.Int("trailing", TrailingContent(p, win.Segments)),
			slog.Int("min_trailing", o.minTrailing))
		return true
	}

	st.InPoint = p
	span := p.Boundary.Sub(st.startWall)
	o.reconcile(span)

	var raw string
	if o.inCue != nil {
		raw = o.inCue.Raw
	}
	o.pendingReturn = &BreakMarker{
		ID:      st.BreakID,
		Start:   st.startWall,
		Planned: st.TargetDuration,
		End:     p.Boundary,
		Raw:     raw,
	}
	// Origin content covered by the break is skipped, never emitted.
	if p.Sequence-1 > o.lastOriginSeq {
		o.lastOriginSeq = p.Sequence - 1
	}
	if o.metrics != nil {
		o.metrics.IncBreaksCompleted()
	}
	o.log.Info("break completed",
		slog.String("channel", string(o.channel)),
		slog.String("cue_id", st.BreakID),
		slog.Duration("span", span),
		slog.Duration("stitched", st.Actual),
		slog.Bool("degraded", st.Degraded),
		slog.Int("segments", st.SegmentsConsumed))
	o.state = BreakState{Channel: o.channel, Phase: PhaseIdle}
	o.inCue = nil
	return false
}

// reconcile stretches or stops the stitched break so its duration matches
// the snapped IN boundary: remaining pod segments that fit are emitted, a
// shortfall beyond the snap tolerance is padded with slate, and pod content
// that would overrun the boundary is dropped. The boundary wins; the pod
// never moves it.
func (o *Orchestrator) reconcile(span time.Duration) {
	st := &o.state
	for st.adEmitted < len(st.Pod.Segments) {
		d := time.Duration(st.Pod.Segments[st.adEmitted].DurationMs) * time.Millisecond
		if st.Actual+d > span+o.tolerance {
			dropped := len(st.Pod.Segments) - st.adEmitted
			o.log.Info("trimming ad pod to snapped boundary",
				slog.String("channel", string(o.channel)),
				slog.Int("dropped_segments", dropped))
			break
		}
		o.appendAd(st.Pod.Segments[st.adEmitted], EntryAd)
	}
	for st.Actual+o.tolerance < span {
		if o.slate == nil || len(o.slate.Segments) == 0 {
			o.log.Warn("break underruns boundary and no slate to pad with",
				slog.String("channel", string(o.channel)),
				slog.Duration("shortfall", span-st.Actual))
			break
		}
		seg := o.slate.Segments[st.slateIdx%len(o.slate.Segments)]
		st.slateIdx++
		if seg.DurationMs <= 0 {
			break
		}
		o.appendAd(seg, EntrySlate)
	}
}

// emitAds paces pod segments onto the timeline so the stitched edge tracks
// the origin live edge: an ad is exposed once its start time is reached.
func (o *Orchestrator) emitAds(edge time.Time) {
	st := &o.state
	for st.adEmitted < len(st.Pod.Segments) {
		start := st.startWall.Add(st.Actual)
		if !edge.IsZero() && start.After(edge) {
			return
		}
		o.appendAd(st.Pod.Segments[st.adEmitted], EntryAd)
	}
}

func (o *Orchestrator) appendAd(seg AdSegment, kind EntryKind) {
	st := &o.state
	d := time.Duration(seg.DurationMs) * time.Millisecond
	e := TimelineEntry{
		Kind:     kind,
		URI:      seg.URI,
		Duration: d,
		PDT:      st.startWall.Add(st.Actual),
		Elapsed:  st.Actual,
		BreakDur: st.TargetDuration,
	}
	if st.adEmitted == 0 {
		e.Discontinuity = true
		e.MarkerOut = &BreakMarker{
			ID:      st.BreakID,
			Start:   st.startWall,
			Planned: st.TargetDuration,
			Raw:     st.Cue.Raw,
		}
	}
	o.timeline.Append(e)
	if kind == EntryAd {
		st.adEmitted++
	} else {
		// Slate padding still occupies a break slot so the marker logic
		// above only ever fires once.
		st.adEmitted = max(st.adEmitted, 1)
	}
	st.SegmentsConsumed++
	st.Actual += d
}

// appendContent appends origin segments not yet exposed. beforeSeq bounds
// the append exclusively when >= 0; a non-zero beforeTime withholds any
// segment that would cross it.
func (o *Orchestrator) appendContent(win *MediaPlaylist, beforeSeq int64, beforeTime time.Time) {
	for _, seg := range win.Segments {
		if seg.Sequence <= o.lastOriginSeq {
			continue
		}
		if beforeSeq >= 0 && seg.Sequence >= beforeSeq {
			return
		}
		if !beforeTime.IsZero() && !seg.ProgramDateTime.IsZero() && seg.End().After(beforeTime) {
			return
		}
		e := TimelineEntry{
			Kind:          EntryContent,
			OriginSeq:     seg.Sequence,
			Duration:      seg.Duration,
			PDT:           seg.ProgramDateTime,
			Discontinuity: seg.Discontinuity,
		}
		if o.pendingReturn != nil {
			e.Discontinuity = true
			e.MarkerIn = o.pendingReturn
			o.pendingReturn = nil
		}
		o.timeline.Append(e)
		o.lastOriginSeq = seg.Sequence
	}
}

// abort skips the break: content plays through without a cut. If ads were
// already exposed the abort routes through RETURNING so the manifest still
// ends on real media and returns on a clean boundary.
func (o *Orchestrator) abort(reason string) {
	st := &o.state
	if o.metrics != nil {
		o.metrics.IncBreaksAborted()
	}
	o.log.Warn("break aborted",
		slog.String("channel", string(o.channel)),
		slog.String("cue_id", st.BreakID),
		slog.String("phase", st.Phase.String()),
		slog.String("reason", reason))
	if st.adEmitted > 0 {
		o.inIdealBase = st.startWall.Add(st.Actual)
		st.Phase = PhaseReturning
		return
	}
	st.Phase = PhaseAborted
	o.state = BreakState{Channel: o.channel, Phase: PhaseIdle}
}

func (o *Orchestrator) nextOutCue() (Cue, bool) {
	for _, c := range o.cues.All() {
		if c.Kind == CueOut && !o.consumedOut[c.ID] {
			return c, true
		}
	}
	return Cue{}, false
}

func (o *Orchestrator) pendingInCue() (Cue, bool) {
	for _, c := range o.cues.All() {
		if c.Kind == CueIn && !o.consumedIn[c.ID] {
			return c, true
		}
	}
	return Cue{}, false
}

// idealTime resolves a cue to the wall-clock instant the splice should
// ideally occur: projected from PTS when a mapping exists, otherwise the
// cue's own date, otherwise unknown.
func (o *Orchestrator) idealTime(c *Cue) time.Time {
	if c.HasPTS {
		if t, err := o.timebase.Project(c.PTS); err == nil {
			return t
		}
	}
	return c.WallClock
}

func (o *Orchestrator) ingestCues(win *MediaPlaylist) {
	for _, c := range win.Cues {
		o.cues.Observe(c)
	}
}

// updateTimebase feeds (PTS, PDT) anchor pairs from the window into the
// mapping. A discontinuity between anchors replaces the mapping wholesale;
// the old PTS domain is never extrapolated across it. Each anchor is fed
// exactly once: windows overlap between refreshes, and re-feeding a pair the
// mapping was built from would only ever sample zero drift.
func (o *Orchestrator) updateTimebase(win *MediaPlaylist) {
	disc := false
	for _, seg := range win.Segments {
		if seg.Sequence <= o.lastAnchorSeq {
			continue
		}
		if seg.Discontinuity {
			disc = true
		}
		if seg.Cue != nil && seg.Cue.HasPTS && !seg.ProgramDateTime.IsZero() {
			o.timebase.Update(seg.Cue.PTS, seg.ProgramDateTime, disc)
			o.lastAnchorSeq = seg.Sequence
			disc = false
		}
	}
}
