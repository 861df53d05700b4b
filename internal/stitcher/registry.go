package stitcher

import (
	"fmt"
	"sync"
	"time"
)

// ChannelConfig is the per-channel configuration the core consumes but does
// not own: rendition origins, the slate reference, and tuning overrides.
// This also matches the input JSON payload for registering channels.
type ChannelConfig struct {
	ID         ChannelID              `json:"id"`
	Renditions map[RenditionID]string `json:"renditions"` // rendition -> origin playlist URL
	Slate      *AdPod                 `json:"slate,omitempty"`

	// Optional overrides of the service-wide tuning defaults.
	SnapToleranceMs     int `json:"snapToleranceMs,omitempty"`
	MinTrailingSegments int `json:"minTrailingSegments,omitempty"`
	SnapRetryLimit      int `json:"snapRetryLimit,omitempty"`
	DecisionTimeoutMs   int `json:"decisionTimeoutMs,omitempty"`
}

// Validate checks the fields a channel cannot operate without.
func (c ChannelConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("channel id is required")
	}
	if len(c.Renditions) == 0 {
		return fmt.Errorf("channel %s has no renditions", c.ID)
	}
	for r, url := range c.Renditions {
		if url == "" {
			return fmt.Errorf("rendition %s of channel %s has no origin URL", r, c.ID)
		}
	}
	return nil
}

// snapTolerance returns the channel's snap budget, falling back to def.
func (c ChannelConfig) snapTolerance(def time.Duration) time.Duration {
	if c.SnapToleranceMs > 0 {
		return time.Duration(c.SnapToleranceMs) * time.Millisecond
	}
	return def
}

func (c ChannelConfig) minTrailing(def int) int {
	if c.MinTrailingSegments > 0 {
		return c.MinTrailingSegments
	}
	return def
}

func (c ChannelConfig) snapRetryLimit(def int) int {
	if c.SnapRetryLimit > 0 {
		return c.SnapRetryLimit
	}
	return def
}

func (c ChannelConfig) decisionTimeout(def time.Duration) time.Duration {
	if c.DecisionTimeoutMs > 0 {
		return time.Duration(c.DecisionTimeoutMs) * time.Millisecond
	}
	return def
}

// Registry defines the concurrency-safe contract for channel configuration.
type Registry interface {
	// Register creates or updates a channel's configuration. Registering
	// over an ended channel returns ErrChannelEnded.
	Register(cfg ChannelConfig) error

	// Get returns the channel's configuration and its ended flag. The ok
	// return is false if the channel does not exist.
	Get(id ChannelID) (cfg ChannelConfig, ended bool, ok bool)

	// End marks a channel as ended. Playlist requests keep serving the
	// last stitched window with an ENDLIST; configuration updates are
	// rejected. Ending a non-existent channel is a no-op.
	End(id ChannelID) error

	// ActiveChannelCount returns the number of channels that are not
	// ended. Used for metrics.
	ActiveChannelCount() int
}

// InMemoryRegistry is a concurrency-safe in-memory implementation of
// Registry. It uses a Store for persistence; by default that is an
// InMemoryStore.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	store Store
}

// NewInMemoryRegistry constructs a registry with a default in-memory store.
func NewInMemoryRegistry() *InMemoryRegistry {
	return NewInMemoryRegistryWithStore(NewInMemoryStore())
}

// NewInMemoryRegistryWithStore constructs a registry that uses the given
// Store. Useful for testing or for plugging in a different backend.
func NewInMemoryRegistryWithStore(store Store) *InMemoryRegistry {
	return &InMemoryRegistry{store: store}
}

// Register implements Registry.Register.
func (r *InMemoryRegistry) Register(cfg ChannelConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.store.GetChannel(cfg.ID); ok {
		if rec.Ended {
			return ErrChannelEnded
		}
		rec.Config = cfg
		return nil
	}
	r.store.SetChannel(&ChannelRecord{Config: cfg})
	return nil
}

// Get implements Registry.Get.
func (r *InMemoryRegistry) Get(id ChannelID) (ChannelConfig, bool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.store.GetChannel(id)
	if !ok {
		return ChannelConfig{}, false, false
	}
	return rec.Config, rec.Ended, true
}

// End implements Registry.End.
func (r *InMemoryRegistry) End(id ChannelID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.store.GetChannel(id)
	if !ok {
		// Treat ending a non-existent channel as a no-op for idempotency.
		return nil
	}
	rec.Ended = true
	return nil
}

// ActiveChannelCount implements Registry.ActiveChannelCount.
func (r *InMemoryRegistry) ActiveChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, id := range r.store.ListChannelIDs() {
		if rec, ok := r.store.GetChannel(id); ok && !rec.Ended {
			n++
		}
	}
	return n
}
