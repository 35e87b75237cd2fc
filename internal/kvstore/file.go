package kvstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/natefinch/atomic"
)

// FileStore is a Store persisted as a single JSON snapshot, rewritten
// atomically on every change. Suited to small installs where pulling in a
// database is overkill; the whole map lives in memory.
type FileStore struct {
	path  string
	mu    sync.RWMutex
	items map[string]string
}

// OpenFile opens (or creates) a file-backed store at dataDir/offline.json.
func OpenFile(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &FileStore{
		path:  filepath.Join(dataDir, "offline.json"),
		items: make(map[string]string),
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.items); err != nil {
			return nil, fmt.Errorf("failed to parse store file: %w", err)
		}
	}
	return s, nil
}

// GetItem returns the value for key.
func (s *FileStore) GetItem(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok, nil
}

// SetItem stores value under key and rewrites the snapshot.
func (s *FileStore) SetItem(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return s.flushLocked()
}

// RemoveItem deletes key and rewrites the snapshot.
func (s *FileStore) RemoveItem(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		return nil
	}
	delete(s.items, key)
	return s.flushLocked()
}

// Keys returns all keys with the given prefix.
func (s *FileStore) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close is a no-op; every write already lands on disk.
func (s *FileStore) Close() error {
	return nil
}

// flushLocked writes the snapshot via an atomic rename so a crash mid-write
// never corrupts the store. Caller must hold s.mu.
func (s *FileStore) flushLocked() error {
	data, err := json.MarshalIndent(s.items, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode store snapshot: %w", err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write store snapshot: %w", err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
