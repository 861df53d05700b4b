package stitcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"hls-stitcher/internal/platform/metrics"
)

// staleWindowFactor bounds how long a previously fetched origin window may
// keep being served after fetches start failing.
const staleWindowFactor = 3

type renderRequest struct {
	ctx       context.Context
	rendition RenditionID
	reply     chan renderResult
}

type renderResult struct {
	playlist string
	err      error
}

type fetchedWindow struct {
	playlist  *MediaPlaylist
	fetchedAt time.Time
}

// Channel is the per-channel actor: the one logical owner of break state.
// All state transitions are processed one at a time in arrival order on the
// run loop, even though many rendition requests arrive concurrently. The
// decision-service call is the loop's only long suspension point and is
// bounded by its timeout, so a slow decision degrades to slate instead of
// stalling playlist responses indefinitely.
type Channel struct {
	id       ChannelID
	registry Registry
	origin   OriginFetcher
	orch     *Orchestrator
	opts     Options
	log      *slog.Logger

	requests chan renderRequest
	quit     chan struct{}

	// Owned by the run loop.
	windows map[RenditionID]*fetchedWindow
	cycleAt time.Time
}

// newChannel spins up the actor for one channel. cfg provides the slate and
// tuning overrides; the registry stays authoritative for renditions and the
// ended flag, so configuration updates apply without restarting the actor.
func newChannel(cfg ChannelConfig, registry Registry, origin OriginFetcher, decision DecisionService,
	opts Options, log *slog.Logger, m *metrics.Metrics) *Channel {

	orch := NewOrchestrator(OrchestratorConfig{
		Channel:         cfg.ID,
		Decision:        decision,
		Slate:           cfg.Slate,
		SnapTolerance:   cfg.snapTolerance(opts.SnapTolerance),
		MinTrailing:     cfg.minTrailing(opts.MinTrailingSegments),
		SnapRetryLimit:  cfg.snapRetryLimit(opts.SnapRetryLimit),
		DecisionTimeout: cfg.decisionTimeout(opts.DecisionTimeout),
		WindowSize:      opts.WindowSize,
		Log:             log,
		Metrics:         m,
	})

	c := &Channel{
		id:       cfg.ID,
		registry: registry,
		origin:   origin,
		orch:     orch,
		opts:     opts,
		log:      log,
		requests: make(chan renderRequest),
		quit:     make(chan struct{}),
		windows:  make(map[RenditionID]*fetchedWindow),
	}
	go c.run()
	return c
}

// Render asks the actor for this rendition's stitched playlist. If the
// caller abandons the request mid-render, work already triggered completes
// and populates channel state for subsequent requests; only the response is
// discarded.
func (c *Channel) Render(ctx context.Context, rendition RenditionID) (string, error) {
	req := renderRequest{ctx: ctx, rendition: rendition, reply: make(chan renderResult, 1)}
	select {
	case c.requests <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.quit:
		return "", ErrChannelNotFound
	}
	select {
	case res := <-req.reply:
		return res.playlist, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stop terminates the actor. Pending requests fail.
func (c *Channel) Stop() {
	close(c.quit)
}

func (c *Channel) run() {
	for {
		select {
		case req := <-c.requests:
			res := c.handleRender(req)
			// The reply channel is buffered; an abandoned requester
			// never blocks the loop.
			req.reply <- res
		case <-c.quit:
			return
		}
	}
}

func (c *Channel) handleRender(req renderRequest) renderResult {
	cfg, ended, ok := c.registry.Get(c.id)
	if !ok {
		return renderResult{err: ErrChannelNotFound}
	}
	url, ok := cfg.Renditions[req.rendition]
	if !ok {
		return renderResult{err: ErrRenditionNotFound}
	}

	now := c.opts.Now()

	win := c.windows[req.rendition]
	if !ended {
		fresh, err := c.refreshWindow(req.ctx, req.rendition, url, now)
		if err != nil {
			if win == nil || now.Sub(win.fetchedAt) > staleWindowFactor*c.opts.RefreshInterval {
				return renderResult{err: err}
			}
			// A timed-out origin fetch means "no fresh data this
			// cycle", not a hard failure; the previous window is
			// still within validity.
			c.log.Warn("origin refresh failed, serving previous window",
				slog.String("channel", string(c.id)),
				slog.String("rendition", string(req.rendition)),
				slog.String("error", err.Error()))
		} else if fresh != nil {
			win = fresh
		}

		// One state-machine advance per refresh cycle; every rendition
		// request inside the cycle renders from the same snapshot.
		if win != nil && (c.cycleAt.IsZero() || now.Sub(c.cycleAt) >= c.opts.RefreshInterval) {
			c.orch.Advance(context.WithoutCancel(req.ctx), win.playlist)
			c.cycleAt = now
		}
	}

	var pl *MediaPlaylist
	if win != nil {
		pl = win.playlist
	}
	text, err := RenderPlaylist(req.rendition, pl, c.orch.Snapshot(), ended)
	if err != nil {
		return renderResult{err: err}
	}
	return renderResult{playlist: text}
}

// refreshWindow fetches and parses the rendition's origin playlist when the
// cached copy is older than the refresh interval. Returns nil with no error
// when the cache is still fresh.
func (c *Channel) refreshWindow(ctx context.Context, rendition RenditionID, url string, now time.Time) (*fetchedWindow, error) {
	if cached, ok := c.windows[rendition]; ok && now.Sub(cached.fetchedAt) < c.opts.RefreshInterval {
		return nil, nil
	}

	// Detached from the requester: a triggered fetch completes even if
	// the client goes away, and its cost is then not wasted.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.OriginTimeout)
	defer cancel()

	data, err := c.origin.FetchPlaylist(fctx, url)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrOriginUnavailable
		}
		return nil, err
	}

	pl, cueErrs := ParseMediaPlaylist(data)
	for _, cerr := range cueErrs {
		// Malformed signaling skips the cue, never the channel.
		c.log.Warn("skipping malformed cue",
			slog.String("channel", string(c.id)),
			slog.String("rendition", string(rendition)),
			slog.String("error", cerr.Error()))
	}

	fw := &fetchedWindow{playlist: pl, fetchedAt: now}
	c.windows[rendition] = fw
	return fw, nil
}
