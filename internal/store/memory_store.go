package store

import (
	"context"
	"sync"
)

// MemoryStore keeps documents in process memory, mainly for tests.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemoryStore creates an empty in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

// Read implements DocumentStore.
func (m *MemoryStore) Read(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	body, ok := m.docs[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	clone := make([]byte, len(body))
	copy(clone, body)
	return clone, nil
}

// Write implements DocumentStore.
func (m *MemoryStore) Write(_ context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := make([]byte, len(body))
	copy(clone, body)
	m.docs[key] = clone
	return nil
}

// Close implements DocumentStore.
func (m *MemoryStore) Close() error {
	return nil
}
