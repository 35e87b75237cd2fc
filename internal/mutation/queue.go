// Package mutation implements the offline-safe write path. A mutation is
// attempted against the backend directly while online; when the device is
// offline or the call fails at the transport level, the mutation is
// persisted for replay, the affected cache entries are patched
// optimistically, and the caller proceeds as if the write succeeded.
package mutation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tallyup/offline/internal/cache"
	"github.com/tallyup/offline/internal/faults"
	"github.com/tallyup/offline/internal/kvstore"
	"github.com/tallyup/offline/internal/logging"
	"github.com/tallyup/offline/internal/models"
	"github.com/tallyup/offline/internal/mutid"
	"github.com/tallyup/offline/internal/remote"
	"github.com/tallyup/offline/internal/status"
)

// queueStoreKey is where the serialized queue lives in the KV store.
const queueStoreKey = "mutations:queue"

// Descriptor describes a write issued by a screen.
type Descriptor struct {
	Table      string
	Operation  models.Operation
	Payload    json.RawMessage // absent for delete
	MatchKey   string          // identifies the target row for update/delete
	MatchField string          // cache match field, defaults to "id"
	CacheKeys  []string        // cache keys to invalidate once the write lands
}

// validate rejects malformed descriptors before they reach the backend or
// the queue.
func (d Descriptor) validate() error {
	if d.Table == "" {
		return faults.New(faults.ErrInvalid, "mutation missing table")
	}
	if !d.Operation.Valid() {
		return faults.New(faults.ErrInvalid, fmt.Sprintf("unknown operation %q", d.Operation))
	}
	if d.Operation != models.OpDelete && len(d.Payload) == 0 {
		return faults.New(faults.ErrInvalid, "mutation missing payload")
	}
	if d.Operation != models.OpInsert && d.MatchKey == "" {
		return faults.New(faults.ErrInvalid, "mutation missing match key")
	}
	return nil
}

// Queue is the persistent mutation log. All queued writes, whatever their
// status, live in one creation-ordered list; pending items drain strictly
// FIFO so multiple offline edits to the same record replay in issue order.
type Queue struct {
	store   kvstore.Store
	cache   *cache.Manager
	statusS *status.Store
	backend remote.Backend
	online  func() bool
	log     *logging.Logger

	mu    sync.Mutex
	items []models.QueuedMutation
}

// NewQueue creates the queue and restores any mutations persisted by a
// previous session. Items left in_flight by a crash mid-drain revert to
// pending; their delivery was never confirmed.
func NewQueue(store kvstore.Store, cacheMgr *cache.Manager, statusStore *status.Store,
	backend remote.Backend, online func() bool) (*Queue, error) {

	q := &Queue{
		store:   store,
		cache:   cacheMgr,
		statusS: statusStore,
		backend: backend,
		online:  online,
		log:     logging.Get(),
	}

	if err := q.restore(); err != nil {
		return nil, err
	}
	q.pushStatus()
	return q, nil
}

// restore loads the persisted queue. An unreadable or corrupt queue is
// logged and dropped rather than wedging the process; the alternative is
// never starting.
func (q *Queue) restore() error {
	raw, ok, err := q.store.GetItem(queueStoreKey)
	if err != nil {
		q.log.Error("mutation queue unreadable, starting empty", err)
		return nil
	}
	if !ok {
		return nil
	}

	var items []models.QueuedMutation
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		q.log.Error("mutation queue corrupt, discarding", err)
		return nil
	}

	for i := range items {
		if items[i].Status == models.StatusInFlight {
			items[i].Status = models.StatusPending
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return mutid.Compare(items[i].ID, items[j].ID) < 0
	})

	q.items = items
	return nil
}

// Mutate attempts the write. Returned errors are always application-class:
// connectivity failures are absorbed into the queue and reported as success,
// matching the optimistic-success contract.
func (q *Queue) Mutate(ctx context.Context, d Descriptor) error {
	if err := d.validate(); err != nil {
		return err
	}

	if q.online() {
		err := Execute(ctx, q.backend, models.QueuedMutation{
			Table:     d.Table,
			Operation: d.Operation,
			Payload:   d.Payload,
			MatchKey:  d.MatchKey,
		})
		if err == nil {
			q.cache.Invalidate(d.CacheKeys...)
			return nil
		}
		if !faults.IsConnectivity(err) {
			// Backend rejected the write. Retrying it is never correct.
			return err
		}
		q.log.Info("mutation hit connectivity failure, queueing", map[string]interface{}{
			"table": d.Table, "operation": string(d.Operation),
		})
	}

	q.enqueue(d)
	return nil
}

// enqueue persists the mutation, applies the optimistic cache patch, and
// publishes the new queue state.
func (q *Queue) enqueue(d Descriptor) {
	m := models.QueuedMutation{
		ID:                mutid.New(),
		Table:             d.Table,
		Operation:         d.Operation,
		Payload:           d.Payload,
		MatchKey:          d.MatchKey,
		AffectedCacheKeys: append([]string(nil), d.CacheKeys...),
		Status:            models.StatusPending,
		CreatedAt:         time.Now().Unix(),
	}

	q.mu.Lock()
	q.items = append(q.items, m)
	q.persistLocked()
	q.mu.Unlock()

	patch := cache.Patch{
		Kind:       d.Operation,
		MatchField: d.MatchField,
		MatchKey:   d.MatchKey,
		Payload:    d.Payload,
	}
	for _, key := range d.CacheKeys {
		if err := q.cache.Patch(key, patch); err != nil {
			q.log.Warn("optimistic patch failed", map[string]interface{}{
				"key": key, "error": err.Error(),
			})
		}
	}

	q.pushStatus()
}

// Execute performs a queued mutation's remote call.
func Execute(ctx context.Context, backend remote.Backend, m models.QueuedMutation) error {
	switch m.Operation {
	case models.OpInsert:
		_, err := backend.Insert(ctx, m.Table, m.Payload)
		return err
	case models.OpUpdate:
		_, err := backend.Update(ctx, m.Table, m.MatchKey, m.Payload)
		return err
	case models.OpDelete:
		return backend.Delete(ctx, m.Table, m.MatchKey)
	default:
		return faults.New(faults.ErrInvalid, fmt.Sprintf("unknown operation %q", m.Operation))
	}
}

// HeadPending returns the oldest pending mutation, preserving global FIFO
// order. Failed items are skipped; they wait for an explicit retry.
func (q *Queue) HeadPending() (models.QueuedMutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.items {
		if m.Status == models.StatusPending {
			return m.Clone(), true
		}
	}
	return models.QueuedMutation{}, false
}

// MarkInFlight transitions a mutation to in_flight and counts the attempt.
func (q *Queue) MarkInFlight(id string) {
	q.transition(id, func(m *models.QueuedMutation) {
		m.Status = models.StatusInFlight
		m.Attempts++
	})
}

// MarkPending reverts an in_flight mutation to pending after an aborted
// drain.
func (q *Queue) MarkPending(id string) {
	q.transition(id, func(m *models.QueuedMutation) {
		m.Status = models.StatusPending
	})
}

// MarkFailed records a terminal backend rejection. The mutation stays in
// the log for user-driven retry or discard.
func (q *Queue) MarkFailed(id string, cause error) {
	q.transition(id, func(m *models.QueuedMutation) {
		m.Status = models.StatusFailed
		if cause != nil {
			m.LastError = cause.Error()
		}
	})
}

// Remove deletes a mutation after confirmed delivery (or discard).
func (q *Queue) Remove(id string) {
	q.mu.Lock()
	kept := q.items[:0]
	for _, m := range q.items {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	q.items = kept
	q.persistLocked()
	q.mu.Unlock()
	q.pushStatus()
}

// Retry flips a failed mutation back to pending at its original queue
// position.
func (q *Queue) Retry(id string) error {
	var found bool
	q.transition(id, func(m *models.QueuedMutation) {
		if m.Status == models.StatusFailed {
			m.Status = models.StatusPending
			m.LastError = ""
			found = true
		}
	})
	if !found {
		return faults.New(faults.ErrNotFound, fmt.Sprintf("no failed mutation %s", id))
	}
	return nil
}

// Discard drops a failed mutation permanently.
func (q *Queue) Discard(id string) error {
	q.mu.Lock()
	var found bool
	kept := q.items[:0]
	for _, m := range q.items {
		if m.ID == id && m.Status == models.StatusFailed {
			found = true
			continue
		}
		kept = append(kept, m)
	}
	q.items = kept
	if found {
		q.persistLocked()
	}
	q.mu.Unlock()

	if !found {
		return faults.New(faults.ErrNotFound, fmt.Sprintf("no failed mutation %s", id))
	}
	q.pushStatus()
	return nil
}

// Pending returns pending and in_flight mutations in creation order.
func (q *Queue) Pending() []models.QueuedMutation {
	return q.filter(func(m models.QueuedMutation) bool {
		return m.Status == models.StatusPending || m.Status == models.StatusInFlight
	})
}

// Failed returns failed mutations in creation order.
func (q *Queue) Failed() []models.QueuedMutation {
	return q.filter(func(m models.QueuedMutation) bool {
		return m.Status == models.StatusFailed
	})
}

// HasPending reports whether any mutation awaits delivery.
func (q *Queue) HasPending() bool {
	_, ok := q.HeadPending()
	return ok
}

func (q *Queue) filter(keep func(models.QueuedMutation) bool) []models.QueuedMutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.QueuedMutation
	for _, m := range q.items {
		if keep(m) {
			out = append(out, m.Clone())
		}
	}
	return out
}

// transition mutates one item, persists, and publishes.
func (q *Queue) transition(id string, apply func(*models.QueuedMutation)) {
	q.mu.Lock()
	for i := range q.items {
		if q.items[i].ID == id {
			apply(&q.items[i])
			break
		}
	}
	q.persistLocked()
	q.mu.Unlock()
	q.pushStatus()
}

// persistLocked serializes the whole queue. Storage failures degrade to
// in-memory operation for the session and are never propagated as mutation
// failures. Caller must hold q.mu.
func (q *Queue) persistLocked() {
	raw, err := json.Marshal(q.items)
	if err != nil {
		q.log.Error("mutation queue not serializable", err)
		return
	}
	if err := q.store.SetItem(queueStoreKey, string(raw)); err != nil {
		q.log.Warn("mutation queue persist failed, in-memory only this session", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// pushStatus publishes the current queue contents to the status store.
func (q *Queue) pushStatus() {
	q.statusS.SetQueue(q.Pending(), q.Failed())
}
