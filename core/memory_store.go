package core

import (
	"context"
	"sync"
	"time"
)

// InMemoryDecisionStore keeps all decision state in process memory.
// Suitable for development and single-instance deployments; multi-instance
// fleets should use the Redis-backed store so blocks hold everywhere.
type InMemoryDecisionStore struct {
	mu       sync.RWMutex
	blocks   map[string]blockEntry
	counters map[string]*counterEntry
	kv       map[string]kvEntry
	logger   Logger
}

type blockEntry struct {
	reason string
	expiry time.Time // zero = permanent
}

type counterEntry struct {
	count  int64
	expiry time.Time
}

type kvEntry struct {
	value  string
	expiry time.Time // zero = no expiry
}

func expired(expiry time.Time) bool {
	return !expiry.IsZero() && time.Now().After(expiry)
}

// NewInMemoryDecisionStore creates an empty in-memory store
func NewInMemoryDecisionStore() *InMemoryDecisionStore {
	return &InMemoryDecisionStore{
		blocks:   make(map[string]blockEntry),
		counters: make(map[string]*counterEntry),
		kv:       make(map[string]kvEntry),
		logger:   &NoOpLogger{},
	}
}

// SetLogger configures the logger for this store
func (s *InMemoryDecisionStore) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// IsBlocked reports whether a non-expired block exists for key
func (s *InMemoryDecisionStore) IsBlocked(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.blocks[key]
	if !ok {
		return false, nil
	}
	if expired(entry.expiry) {
		delete(s.blocks, key)
		return false, nil
	}
	return true, nil
}

// Block records a block. A duration of 0 blocks permanently.
func (s *InMemoryDecisionStore) Block(ctx context.Context, key, reason string, duration time.Duration) error {
	var expiry time.Time
	if duration > 0 {
		expiry = time.Now().Add(duration)
	}

	s.mu.Lock()
	s.blocks[key] = blockEntry{reason: reason, expiry: expiry}
	s.mu.Unlock()

	durationLabel := "permanent"
	if duration > 0 {
		durationLabel = duration.String()
	}
	s.logger.Info("Target blocked", map[string]interface{}{
		"target":   key,
		"reason":   reason,
		"duration": durationLabel,
	})
	return nil
}

// Unblock removes a block immediately
func (s *InMemoryDecisionStore) Unblock(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.blocks, key)
	s.mu.Unlock()

	s.logger.Info("Target unblocked", map[string]interface{}{"target": key})
	return nil
}

// IncrementCounter atomically bumps a windowed counter. The window is set
// when the counter is created and is never extended by later increments.
func (s *InMemoryDecisionStore) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.counters[key]
	if !ok || expired(entry.expiry) {
		entry = &counterEntry{count: 1, expiry: time.Now().Add(window)}
		s.counters[key] = entry
		return 1, nil
	}
	entry.count++
	return entry.count, nil
}

// GetCounter returns the current count without incrementing
func (s *InMemoryDecisionStore) GetCounter(ctx context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.counters[key]
	if !ok || expired(entry.expiry) {
		return 0, nil
	}
	return entry.count, nil
}

// Put stores a value with a TTL. A ttl of 0 means no expiry.
func (s *InMemoryDecisionStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiry time.Time
	if ttl > 0 {
		expiry = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.kv[key] = kvEntry{value: value, expiry: expiry}
	s.mu.Unlock()
	return nil
}

// Get returns the value for key, or "" if absent or expired
func (s *InMemoryDecisionStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.kv[key]
	if !ok || expired(entry.expiry) {
		return "", nil
	}
	return entry.value, nil
}

// AllBlocked returns a snapshot of non-expired blocks
func (s *InMemoryDecisionStore) AllBlocked(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make(map[string]string, len(s.blocks))
	for key, entry := range s.blocks {
		if expired(entry.expiry) {
			continue
		}
		snapshot[key] = entry.reason
	}
	return snapshot, nil
}
