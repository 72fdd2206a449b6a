package events

import (
	"context"
	"sort"
	"sync"
	"time"
)

// storedEvent is a persisted envelope with its storage metadata.
type storedEvent struct {
	envelope   *Envelope
	channel    string
	insertedAt time.Time
	expiresAt  time.Time
}

// MemoryStoreConfig configures the in-memory event store.
type MemoryStoreConfig struct {
	MaxEvents       int
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
}

// MemoryStore is a bounded TTL store keyed by event id. When MaxEvents is
// exceeded the oldest insertion is evicted first.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*storedEvent
	order   []string // insertion order of event ids
	config  MemoryStoreConfig

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore creates an in-memory store and starts its expiry sweeper.
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 10000
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	s := &MemoryStore{
		entries: make(map[string]*storedEvent),
		config:  cfg,
		stopCh:  make(chan struct{}),
	}
	go s.sweeper()
	return s
}

func (s *MemoryStore) sweeper() {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.removeExpired(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) removeExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rec := range s.entries {
		if now.After(rec.expiresAt) {
			delete(s.entries, id)
		}
	}
	s.compactOrderLocked()
}

// compactOrderLocked drops order entries whose records are gone. Caller
// holds the lock.
func (s *MemoryStore) compactOrderLocked() {
	if len(s.order) == len(s.entries) {
		return
	}
	kept := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.entries[id]; ok {
			kept = append(kept, id)
		}
	}
	s.order = kept
}

// Persist stores the envelope. A ttl of zero uses the default.
func (s *MemoryStore) Persist(ctx context.Context, e *Envelope, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[e.EventID]; !exists {
		s.order = append(s.order, e.EventID)
	}
	s.entries[e.EventID] = &storedEvent{
		envelope:   e.Clone(),
		channel:    SourceChannel(e.Source, e.Type),
		insertedAt: now,
		expiresAt:  now.Add(ttl),
	}

	// Evict oldest insertions beyond the cap.
	for len(s.entries) > s.config.MaxEvents {
		evicted := false
		for len(s.order) > 0 {
			oldest := s.order[0]
			s.order = s.order[1:]
			if _, ok := s.entries[oldest]; ok {
				delete(s.entries, oldest)
				evicted = true
				break
			}
		}
		if !evicted {
			break
		}
	}

	return nil
}

// History returns matching envelopes ordered by timestamp, ties broken by
// event id.
func (s *MemoryStore) History(ctx context.Context, f HistoryFilter) ([]*Envelope, error) {
	now := time.Now()

	s.mu.RLock()
	matched := make([]*Envelope, 0)
	for _, rec := range s.entries {
		if now.After(rec.expiresAt) {
			continue
		}
		if f.matches(rec.envelope) {
			matched = append(matched, rec.envelope.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].EventID < matched[j].EventID
		}
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})

	if limit := f.limit(); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Size returns the number of stored records, including expired records the
// sweeper has not removed yet.
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the sweeper.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

// Compile-time interface check
var _ EventStore = (*MemoryStore)(nil)
