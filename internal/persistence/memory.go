package persistence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/marcushq/marcus/internal/marcuserr"
)

// memoryCollection holds one collection's records in insertion order under a
// reader/writer lock.
type memoryCollection struct {
	mu       sync.RWMutex
	order    []string
	items    map[string][]byte
	storedAt map[string]time.Time
}

// MemoryStore is the in-memory backend, used by tests and as the reference
// implementation of the Query contract.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]*memoryCollection
	clock       func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]*memoryCollection),
		clock:       time.Now,
	}
}

func (s *MemoryStore) collection(name string) *memoryCollection {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		c = &memoryCollection{
			items:    make(map[string][]byte),
			storedAt: make(map[string]time.Time),
		}
		s.collections[name] = c
	}
	return c
}

// Store implements Store.
func (s *MemoryStore) Store(_ context.Context, collection, key string, value any) error {
	now := s.clock().UTC()
	raw, err := encode(value, now)
	if err != nil {
		return err
	}

	c := s.collection(collection)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = raw
	c.storedAt[key] = now
	return nil
}

// Retrieve implements Store.
func (s *MemoryStore) Retrieve(_ context.Context, collection, key string, out any) error {
	c := s.collection(collection)
	c.mu.RLock()
	raw, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return marcuserr.ErrNotFound
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return marcuserr.Wrap(marcuserr.KindStorage, err, "stored record does not match requested type")
	}
	return nil
}

// Query implements Store.
func (s *MemoryStore) Query(_ context.Context, collection string, filter Filter, limit, offset int) ([]json.RawMessage, error) {
	c := s.collection(collection)
	c.mu.RLock()
	defer c.mu.RUnlock()

	filtered := make([]json.RawMessage, 0, len(c.order))
	for _, key := range c.order {
		raw := c.items[key]
		if filter == nil || filter(raw) {
			filtered = append(filtered, raw)
		}
	}
	return page(filtered, limit, offset), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, collection, key string) error {
	c := s.collection(collection)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; !ok {
		return nil
	}
	delete(c.items, key)
	delete(c.storedAt, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}

// ClearOld implements Store.
func (s *MemoryStore) ClearOld(_ context.Context, collection string, olderThan time.Time) (int, error) {
	c := s.collection(collection)
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.order[:0]
	removed := 0
	for _, key := range c.order {
		if c.storedAt[key].Before(olderThan) {
			delete(c.items, key)
			delete(c.storedAt, key)
			removed++
			continue
		}
		kept = append(kept, key)
	}
	c.order = kept
	return removed, nil
}

// Keys implements Store.
func (s *MemoryStore) Keys(_ context.Context, collection string) ([]string, error) {
	c := s.collection(collection)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
