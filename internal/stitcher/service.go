package stitcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"hls-stitcher/internal/platform/metrics"
)

// Tuning defaults. All of them are operational knobs, not constants: the
// snap budget and trailing-segment minimum in particular are provisional
// values refined per deployment.
const (
	DefaultWindowSize          = 8
	DefaultRefreshInterval     = time.Second
	DefaultSnapTolerance       = 250 * time.Millisecond
	DefaultMinTrailingSegments = 3
	DefaultSnapRetryLimit      = 5
	DefaultDecisionTimeout     = 1500 * time.Millisecond
	DefaultOriginTimeout       = 2 * time.Second
)

// Options carries service-wide tuning. Per-channel overrides in
// ChannelConfig win over these.
type Options struct {
	WindowSize          int
	RefreshInterval     time.Duration
	SnapTolerance       time.Duration
	MinTrailingSegments int
	SnapRetryLimit      int
	DecisionTimeout     time.Duration
	OriginTimeout       time.Duration

	// Now is the clock; tests inject a fake one.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.WindowSize <= 0 {
		o.WindowSize = DefaultWindowSize
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = DefaultRefreshInterval
	}
	if o.SnapTolerance <= 0 {
		o.SnapTolerance = DefaultSnapTolerance
	}
	if o.MinTrailingSegments <= 0 {
		o.MinTrailingSegments = DefaultMinTrailingSegments
	}
	if o.SnapRetryLimit <= 0 {
		o.SnapRetryLimit = DefaultSnapRetryLimit
	}
	if o.DecisionTimeout <= 0 {
		o.DecisionTimeout = DefaultDecisionTimeout
	}
	if o.OriginTimeout <= 0 {
		o.OriginTimeout = DefaultOriginTimeout
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// Service is the edge-facing facade: it owns the channel registry and the
// per-channel actors, and delegates stitching to them. Channels are
// independent units of concurrency; there is no cross-channel shared state
// beyond the registry.
type Service struct {
	registry Registry
	origin   OriginFetcher
	decision DecisionService
	opts     Options
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	channels map[ChannelID]*Channel
}

// NewService wires the stitching core. Metrics may be nil to disable metric
// recording (e.g. in tests).
func NewService(registry Registry, origin OriginFetcher, decision DecisionService,
	opts Options, log *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		registry: registry,
		origin:   origin,
		decision: decision,
		opts:     opts.withDefaults(),
		log:      log,
		metrics:  m,
		channels: make(map[ChannelID]*Channel),
	}
}

// RegisterChannel creates or updates channel configuration.
func (s *Service) RegisterChannel(cfg ChannelConfig) error {
	return s.registry.Register(cfg)
}

// EndChannel marks the channel ended; its playlists gain an ENDLIST and new
// configuration is rejected. Idempotent.
func (s *Service) EndChannel(id ChannelID) error {
	return s.registry.End(id)
}

// ActiveChannelCount reports channels not yet ended, for metrics.
func (s *Service) ActiveChannelCount() int {
	return s.registry.ActiveChannelCount()
}

// RenderPlaylist produces the stitched playlist for one rendition of one
// channel. Errors surface to the edge as transport-level failures; the core
// never synthesizes a fake manifest on failure paths.
func (s *Service) RenderPlaylist(ctx context.Context, id ChannelID, rendition RenditionID) (string, error) {
	cfg, _, ok := s.registry.Get(id)
	if !ok {
		return "", ErrChannelNotFound
	}
	return s.channel(cfg).Render(ctx, rendition)
}

// Close stops all channel actors.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		ch.Stop()
	}
	s.channels = make(map[ChannelID]*Channel)
}

// channel returns the running actor for the channel, starting it on first
// use.
func (s *Service) channel(cfg ChannelConfig) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[cfg.ID]; ok {
		return ch
	}
	ch := newChannel(cfg, s.registry, s.origin, s.decision, s.opts, s.log, s.metrics)
	s.channels[cfg.ID] = ch
	return ch
}
