// Package kvstore provides durable on-device key-value storage for cached
// query results and the pending-mutation log.
package kvstore

import "sync"

// Store is the persistence contract of the data layer. Values are opaque
// serialized strings; callers own the encoding. Implementations must be safe
// for concurrent use.
type Store interface {
	// GetItem returns the value for key. The bool reports presence; a
	// missing key is not an error.
	GetItem(key string) (string, bool, error)

	// SetItem stores value under key, replacing any previous value.
	SetItem(key, value string) error

	// RemoveItem deletes key. Removing a missing key is a no-op.
	RemoveItem(key string) error

	// Keys returns all stored keys with the given prefix.
	Keys(prefix string) ([]string, error)

	// Close releases underlying resources.
	Close() error
}

// MemoryStore is an in-memory Store. It backs tests and serves as the
// degraded fallback when durable storage fails mid-session.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]string)}
}

// GetItem returns the value for key.
func (s *MemoryStore) GetItem(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok, nil
}

// SetItem stores value under key.
func (s *MemoryStore) SetItem(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

// RemoveItem deletes key.
func (s *MemoryStore) RemoveItem(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// Keys returns all keys with the given prefix.
func (s *MemoryStore) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.items {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
