package metacache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store.
type MemoryStore[V any] struct {
	mu      sync.RWMutex
	entries map[string]Entry[V]
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore[V any]() *MemoryStore[V] {
	return &MemoryStore[V]{entries: make(map[string]Entry[V])}
}

// Get implements Store.
func (s *MemoryStore[V]) Get(_ context.Context, key string) (Entry[V], bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok, nil
}

// Set implements Store.
func (s *MemoryStore[V]) Set(_ context.Context, key string, entry Entry[V]) error {
	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

// Touch implements Store.
func (s *MemoryStore[V]) Touch(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.AccessedAt = at
		s.entries[key] = e
	}
	return nil
}

// Delete implements Store.
func (s *MemoryStore[V]) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Clear implements Store.
func (s *MemoryStore[V]) Clear(context.Context) error {
	s.mu.Lock()
	s.entries = make(map[string]Entry[V])
	s.mu.Unlock()
	return nil
}

// Len implements Store.
func (s *MemoryStore[V]) Len(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// Oldest implements Store.
func (s *MemoryStore[V]) Oldest(context.Context) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		oldestKey string
		oldestAt  time.Time
		found     bool
	)
	for k, e := range s.entries {
		if !found || e.AccessedAt.Before(oldestAt) || (e.AccessedAt.Equal(oldestAt) && k < oldestKey) {
			oldestKey, oldestAt, found = k, e.AccessedAt, true
		}
	}
	return oldestKey, found, nil
}
