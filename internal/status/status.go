// Package status holds the process-wide sync status: connectivity, drain
// progress, and the pending/failed mutation lists. The connectivity monitor
// and sync engine write it; UI surfaces (the offline banner) read it.
// Readers get point-in-time snapshots, eventually consistent by design since
// the status only drives advisory display.
package status

import (
	"sync"

	"github.com/tallyup/offline/internal/models"
)

// Banner is the single state the offline banner renders.
type Banner string

const (
	BannerHidden  Banner = "hidden"
	BannerOffline Banner = "offline"
	BannerSyncing Banner = "syncing"
	BannerFailed  Banner = "sync_failed"
)

// Snapshot is a point-in-time copy of the sync status.
type Snapshot struct {
	Online  bool
	Syncing bool
	Pending []models.QueuedMutation
	Failed  []models.QueuedMutation
}

// Banner derives the banner state. Precedence: failed > syncing > offline >
// hidden.
func (s Snapshot) Banner() Banner {
	switch {
	case len(s.Failed) > 0:
		return BannerFailed
	case s.Online && s.Syncing && len(s.Pending) > 0:
		return BannerSyncing
	case !s.Online:
		return BannerOffline
	default:
		return BannerHidden
	}
}

// Store is the process-wide status instance.
type Store struct {
	mu      sync.RWMutex
	online  bool
	syncing bool
	pending []models.QueuedMutation
	failed  []models.QueuedMutation

	subMu   sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int
}

// NewStore creates an empty status store.
func NewStore() *Store {
	return &Store{subs: make(map[int]func(Snapshot))}
}

// SetOnline records the last-known connectivity state.
func (s *Store) SetOnline(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// SetSyncing records whether the sync engine is draining the queue.
func (s *Store) SetSyncing(syncing bool) {
	s.mu.Lock()
	changed := s.syncing != syncing
	s.syncing = syncing
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// SetQueue replaces the pending and failed mutation lists.
func (s *Store) SetQueue(pending, failed []models.QueuedMutation) {
	s.mu.Lock()
	s.pending = cloneAll(pending)
	s.failed = cloneAll(failed)
	s.mu.Unlock()
	s.notify()
}

// Snapshot returns a copy of the current status.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Online:  s.online,
		Syncing: s.syncing,
		Pending: cloneAll(s.pending),
		Failed:  cloneAll(s.failed),
	}
}

// Online returns the last-known connectivity state.
func (s *Store) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// Banner derives the banner state from the current status.
func (s *Store) Banner() Banner {
	return s.Snapshot().Banner()
}

// Subscribe registers fn to run on every status change. The returned
// function unsubscribes.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

// notify pushes a fresh snapshot to subscribers.
func (s *Store) notify() {
	snap := s.Snapshot()

	s.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func cloneAll(in []models.QueuedMutation) []models.QueuedMutation {
	if in == nil {
		return nil
	}
	out := make([]models.QueuedMutation, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}
