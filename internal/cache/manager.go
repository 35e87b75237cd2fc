// Package cache provides the key-addressed read cache backing offline
// queries. Reads are synchronous against an in-memory mirror; every write is
// written through to the persistent store so the last-known value survives a
// restart.
package cache

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/tallyup/offline/internal/kvstore"
	"github.com/tallyup/offline/internal/logging"
	"github.com/tallyup/offline/internal/models"
)

// storeKeyPrefix namespaces cache entries inside the shared KV store.
const storeKeyPrefix = "cache:"

// Manager maps logical query keys to their last known-good results.
type Manager struct {
	store kvstore.Store
	log   *logging.Logger

	mu      sync.RWMutex
	entries map[string]models.CacheEntry
	missing map[string]bool // keys known absent from the store, skips re-reads

	subMu   sync.Mutex
	subs    map[string]map[int]func(models.CacheEntry)
	nextSub int

	now func() time.Time
}

// NewManager creates a Manager backed by store.
func NewManager(store kvstore.Store) *Manager {
	return &Manager{
		store:   store,
		log:     logging.Get(),
		entries: make(map[string]models.CacheEntry),
		missing: make(map[string]bool),
		subs:    make(map[string]map[int]func(models.CacheEntry)),
		now:     time.Now,
	}
}

// Get returns the entry for key. The bool reports presence. Never blocks on
// network; a miss in the mirror falls back to one synchronous store read.
func (m *Manager) Get(key string) (models.CacheEntry, bool) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	miss := m.missing[key]
	m.mu.RUnlock()
	if ok {
		return entry, true
	}
	if miss {
		return models.CacheEntry{}, false
	}

	return m.hydrate(key)
}

// hydrate loads key from the persistent store into the mirror.
func (m *Manager) hydrate(key string) (models.CacheEntry, bool) {
	raw, found, err := m.store.GetItem(storeKeyPrefix + key)
	if err != nil {
		// Treated as a miss; the next successful fetch repopulates.
		m.log.Warn("cache read failed, treating as miss", map[string]interface{}{
			"key": key, "error": err.Error(),
		})
		return models.CacheEntry{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another goroutine may have hydrated or written while we read.
	if entry, ok := m.entries[key]; ok {
		return entry, true
	}
	if !found {
		m.missing[key] = true
		return models.CacheEntry{}, false
	}

	var entry models.CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		m.log.Warn("cache entry corrupt, treating as miss", map[string]interface{}{
			"key": key, "error": err.Error(),
		})
		m.missing[key] = true
		return models.CacheEntry{}, false
	}
	m.entries[key] = entry
	return entry, true
}

// Set replaces the entry's data and fetch time wholesale and writes through
// to the persistent store. Idempotent.
func (m *Manager) Set(key string, data json.RawMessage) {
	entry := models.CacheEntry{
		Key:       key,
		Data:      data,
		FetchedAt: m.now().Unix(),
		Stale:     false,
	}
	m.put(entry)
}

// Invalidate marks entries for refetch on the next read without deleting
// their data, so readers keep the last-good value while a fetch is in
// flight. Invalidating a missing or already-stale key is a no-op.
func (m *Manager) Invalidate(keys ...string) {
	for _, key := range keys {
		entry, ok := m.Get(key)
		if !ok || entry.Stale {
			continue
		}
		entry.Stale = true
		m.put(entry)
	}
}

// Patch applies a tagged patch descriptor to the current data, supporting
// optimistic local mutation before remote confirmation. The fetch time is
// left untouched: a patch is advisory, not a fetch.
func (m *Manager) Patch(key string, p Patch) error {
	entry, ok := m.Get(key)
	if !ok {
		entry = models.CacheEntry{Key: key, FetchedAt: m.now().Unix()}
	}

	data, err := p.apply(entry.Data)
	if err != nil {
		return err
	}
	if !ok && len(data) == 0 {
		// Nothing was cached and the patch produced nothing: stay absent.
		return nil
	}
	entry.Data = data
	m.put(entry)
	return nil
}

// Remove deletes the entry outright. Used when a fetch fails and no prior
// value existed, and by explicit purges.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.missing[key] = true
	m.mu.Unlock()

	if err := m.store.RemoveItem(storeKeyPrefix + key); err != nil {
		m.log.Warn("cache remove failed", map[string]interface{}{
			"key": key, "error": err.Error(),
		})
	}
}

// Keys returns all keys currently cached, persisted or mirrored.
func (m *Manager) Keys() []string {
	seen := make(map[string]bool)

	stored, err := m.store.Keys(storeKeyPrefix)
	if err != nil {
		m.log.Warn("cache key listing failed", map[string]interface{}{"error": err.Error()})
	}
	for _, k := range stored {
		seen[k[len(storeKeyPrefix):]] = true
	}

	m.mu.RLock()
	for k := range m.entries {
		seen[k] = true
	}
	m.mu.RUnlock()

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	return keys
}

// Subscribe registers fn to run on every update of key. The returned
// function unsubscribes. This is the explicit replacement for a rendering
// lifecycle: register interest instead of mounting, unsubscribe instead of
// unmounting.
func (m *Manager) Subscribe(key string, fn func(models.CacheEntry)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextSub
	m.nextSub++
	if m.subs[key] == nil {
		m.subs[key] = make(map[int]func(models.CacheEntry))
	}
	m.subs[key][id] = fn

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs[key], id)
		if len(m.subs[key]) == 0 {
			delete(m.subs, key)
		}
	}
}

// put installs entry in the mirror, writes through, and notifies
// subscribers. Persistence failures are logged and never propagated: the
// mirror stays authoritative for the session.
func (m *Manager) put(entry models.CacheEntry) {
	m.mu.Lock()
	m.entries[entry.Key] = entry
	delete(m.missing, entry.Key)
	m.mu.Unlock()

	raw, err := json.Marshal(entry)
	if err != nil {
		m.log.Error("cache entry not serializable", err, map[string]interface{}{"key": entry.Key})
	} else if err := m.store.SetItem(storeKeyPrefix+entry.Key, string(raw)); err != nil {
		m.log.Warn("cache write-through failed, in-memory only this session", map[string]interface{}{
			"key": entry.Key, "error": err.Error(),
		})
	}

	m.notify(entry)
}

// notify invokes subscribers for the entry's key.
func (m *Manager) notify(entry models.CacheEntry) {
	m.subMu.Lock()
	fns := make([]func(models.CacheEntry), 0, len(m.subs[entry.Key]))
	for _, fn := range m.subs[entry.Key] {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(entry)
	}
}
