// Package memory provides an in-process fieldsync.Store. It is the fallback
// when no persistent store is available, and the default double in tests.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"fieldsync"
	"fieldsync/common"
)

type item struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// Store implements fieldsync.Store over a mutex-guarded map. Expired entries
// are dropped lazily on read.
type Store struct {
	mu    sync.RWMutex
	items map[string]item
	now   func() time.Time
}

// Ensure Store implements fieldsync.Store.
var _ fieldsync.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{items: make(map[string]item), now: time.Now}
}

// NewWithClock creates a store with an injected time source, for tests that
// exercise TTL behavior.
func NewWithClock(now func() time.Time) *Store {
	return &Store{items: make(map[string]item), now: now}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	it, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, common.ErrNotFound
	}
	if !it.expiresAt.IsZero() && s.now().After(it.expiresAt) {
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return nil, common.ErrNotFound
	}
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.items[key] = item{value: stored, expiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

func (s *Store) GetAll(ctx context.Context, prefix string) (map[string][]byte, error) {
	now := s.now()
	out := make(map[string][]byte)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, it := range s.items {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !it.expiresAt.IsZero() && now.After(it.expiresAt) {
			continue
		}
		v := make([]byte, len(it.value))
		copy(v, it.value)
		out[key] = v
	}
	return out, nil
}

// Len returns the number of stored entries, including not-yet-swept expired
// ones.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Store) Close() error { return nil }
