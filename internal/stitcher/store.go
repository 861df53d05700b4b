package stitcher

// ChannelRecord is the registry's unit of storage: a channel's configuration
// plus its lifecycle flag.
type ChannelRecord struct {
	Config ChannelConfig
	Ended  bool
}

// Store is the persistence abstraction for channel configuration.
// Implementations can be in-memory, file-based, or remote. The Registry uses
// Store for all reads and writes; callers of Registry do not need to know
// which Store is used.
type Store interface {
	GetChannel(id ChannelID) (*ChannelRecord, bool)
	SetChannel(rec *ChannelRecord)
	ListChannelIDs() []ChannelID
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	channels map[ChannelID]*ChannelRecord
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		channels: make(map[ChannelID]*ChannelRecord),
	}
}

// GetChannel implements Store.GetChannel.
func (s *InMemoryStore) GetChannel(id ChannelID) (*ChannelRecord, bool) {
	rec, ok := s.channels[id]
	return rec, ok
}

// SetChannel implements Store.SetChannel.
func (s *InMemoryStore) SetChannel(rec *ChannelRecord) {
	s.channels[rec.Config.ID] = rec
}

// ListChannelIDs implements Store.ListChannelIDs.
func (s *InMemoryStore) ListChannelIDs() []ChannelID {
	ids := make([]ChannelID, 0, len(s.channels))
	for id := range s.channels {
		ids = append(ids, id)
	}
	return ids
}
