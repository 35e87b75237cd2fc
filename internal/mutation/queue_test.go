package mutation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/tallyup/offline/internal/cache"
	"github.com/tallyup/offline/internal/faults"
	"github.com/tallyup/offline/internal/kvstore"
	"github.com/tallyup/offline/internal/models"
	"github.com/tallyup/offline/internal/remote"
	"github.com/tallyup/offline/internal/status"
)

// fakeBackend records calls and returns scripted errors.
type fakeBackend struct {
	mu    sync.Mutex
	calls []string
	err   error
}

var _ remote.Backend = (*fakeBackend)(nil)

func (f *fakeBackend) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeBackend) Insert(ctx context.Context, table string, payload json.RawMessage) (json.RawMessage, error) {
	return payload, f.record("insert:" + table)
}

func (f *fakeBackend) Update(ctx context.Context, table, matchKey string, payload json.RawMessage) (json.RawMessage, error) {
	return payload, f.record("update:" + table + ":" + matchKey)
}

func (f *fakeBackend) Delete(ctx context.Context, table, matchKey string) error {
	return f.record("delete:" + table + ":" + matchKey)
}

func (f *fakeBackend) Select(ctx context.Context, table, matchKey string) (json.RawMessage, error) {
	return nil, f.record("select:" + table)
}

func (f *fakeBackend) Health(ctx context.Context) error { return f.err }

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	store   kvstore.Store
	cache   *cache.Manager
	status  *status.Store
	backend *fakeBackend
	online  bool
}

func newFixture(online bool) *fixture {
	return &fixture{
		store:   kvstore.NewMemoryStore(),
		cache:   cache.NewManager(kvstore.NewMemoryStore()),
		status:  status.NewStore(),
		backend: &fakeBackend{},
		online:  online,
	}
}

func (f *fixture) queue(t *testing.T) *Queue {
	t.Helper()
	q, err := NewQueue(f.store, f.cache, f.status, f.backend, func() bool { return f.online })
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	return q
}

func insertClient(id string) Descriptor {
	return Descriptor{
		Table:     "clients",
		Operation: models.OpInsert,
		Payload:   json.RawMessage(`{"id":"` + id + `","name":"Dana"}`),
		CacheKeys: []string{"clients"},
	}
}

func TestOnlineMutationHitsBackendAndInvalidates(t *testing.T) {
	f := newFixture(true)
	f.cache.Set("clients", json.RawMessage(`[]`))
	q := f.queue(t)

	if err := q.Mutate(context.Background(), insertClient("c1")); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	if f.backend.callCount() != 1 {
		t.Fatalf("backend calls = %d, want 1", f.backend.callCount())
	}
	if q.HasPending() {
		t.Error("successful online mutation must not be queued")
	}
	entry, ok := f.cache.Get("clients")
	if !ok || !entry.Stale {
		t.Error("affected cache key not invalidated after delivery")
	}
}

func TestApplicationErrorIsReturnedNotQueued(t *testing.T) {
	f := newFixture(true)
	f.backend.err = faults.New(faults.ErrValidation, "name required")
	q := f.queue(t)

	err := q.Mutate(context.Background(), insertClient("c1"))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if faults.CodeOf(err) != faults.ErrValidation {
		t.Errorf("code = %v, want ErrValidation", faults.CodeOf(err))
	}
	if q.HasPending() || len(q.Failed()) != 0 {
		t.Error("rejected mutation must not enter the queue")
	}
}

func TestOfflineMutationQueuesAndPatchesOptimistically(t *testing.T) {
	f := newFixture(false)
	f.cache.Set("clients", json.RawMessage(`[{"id":"c0","name":"Ana"}]`))
	q := f.queue(t)

	if err := q.Mutate(context.Background(), insertClient("c1")); err != nil {
		t.Fatalf("offline mutation must report success, got %v", err)
	}

	if f.backend.callCount() != 0 {
		t.Error("offline mutation must not touch the backend")
	}

	pending := q.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].Status != models.StatusPending {
		t.Errorf("status = %q", pending[0].Status)
	}

	// Optimistic patch: the new client is visible in cache before delivery.
	entry, _ := f.cache.Get("clients")
	var list []map[string]interface{}
	if err := json.Unmarshal(entry.Data, &list); err != nil {
		t.Fatalf("unmarshal cache: %v", err)
	}
	if len(list) != 2 || list[1]["id"] != "c1" {
		t.Errorf("cache after optimistic insert = %s", entry.Data)
	}

	snap := f.status.Snapshot()
	if len(snap.Pending) != 1 {
		t.Errorf("status pending = %d, want 1", len(snap.Pending))
	}
}

func TestConnectivityFailureFallsBackToQueue(t *testing.T) {
	f := newFixture(true)
	f.backend.err = faults.New(faults.ErrNetwork, "connection refused")
	q := f.queue(t)

	if err := q.Mutate(context.Background(), insertClient("c1")); err != nil {
		t.Fatalf("connectivity failure must be absorbed, got %v", err)
	}
	if !q.HasPending() {
		t.Error("mutation not queued after transport failure")
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	f := newFixture(false)
	q := f.queue(t)

	if err := q.Mutate(context.Background(), insertClient("c1")); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if err := q.Mutate(context.Background(), insertClient("c2")); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	// Simulate a crash mid-drain: first item was marked in_flight but never
	// confirmed.
	head, _ := q.HeadPending()
	q.MarkInFlight(head.ID)

	// New session over the same store.
	q2 := f.queue(t)

	pending := q2.Pending()
	if len(pending) != 2 {
		t.Fatalf("restored pending = %d, want 2", len(pending))
	}
	if pending[0].Status != models.StatusPending {
		t.Errorf("in_flight item not reverted to pending, got %q", pending[0].Status)
	}
	if pending[0].ID != head.ID {
		t.Error("restored queue lost creation order")
	}
}

// brokenReadStore fails every read, like a device whose storage went away
// between sessions.
type brokenReadStore struct {
	kvstore.Store
}

func (s *brokenReadStore) GetItem(key string) (string, bool, error) {
	return "", false, faults.New(faults.ErrStorage, "disk gone")
}

func TestUnreadableQueueStartsEmpty(t *testing.T) {
	f := newFixture(false)
	f.store = &brokenReadStore{Store: kvstore.NewMemoryStore()}

	// Storage read failures degrade to an empty queue instead of refusing
	// to start, same as a corrupt queue.
	q := f.queue(t)
	if q.HasPending() || len(q.Failed()) != 0 {
		t.Error("queue not empty after unreadable restore")
	}

	// The session is still usable: offline mutations queue as usual.
	if err := q.Mutate(context.Background(), insertClient("c1")); err != nil {
		t.Fatalf("Mutate after degraded restore: %v", err)
	}
	if len(q.Pending()) != 1 {
		t.Error("mutation not queued after degraded restore")
	}
}

func TestRetryAndDiscardRequireFailedStatus(t *testing.T) {
	f := newFixture(false)
	q := f.queue(t)

	if err := q.Mutate(context.Background(), insertClient("c1")); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	head, _ := q.HeadPending()

	if err := q.Retry(head.ID); err == nil {
		t.Error("retry of a pending mutation must fail")
	}
	if err := q.Discard(head.ID); err == nil {
		t.Error("discard of a pending mutation must fail")
	}

	q.MarkFailed(head.ID, faults.New(faults.ErrConflict, "duplicate"))
	failed := q.Failed()
	if len(failed) != 1 || failed[0].LastError == "" {
		t.Fatalf("failed = %+v", failed)
	}
	if len(f.status.Snapshot().Failed) != 1 {
		t.Error("status store not told about the failure")
	}

	if err := q.Retry(head.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	got, ok := q.HeadPending()
	if !ok || got.ID != head.ID || got.LastError != "" {
		t.Errorf("after retry head = %+v", got)
	}

	q.MarkFailed(head.ID, nil)
	if err := q.Discard(head.ID); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if len(q.Failed()) != 0 || q.HasPending() {
		t.Error("discard left the mutation in the queue")
	}
}

func TestValidateRejectsMalformedDescriptors(t *testing.T) {
	f := newFixture(true)
	q := f.queue(t)

	cases := []struct {
		name string
		d    Descriptor
	}{
		{"missing table", Descriptor{Operation: models.OpInsert, Payload: json.RawMessage(`{}`)}},
		{"unknown op", Descriptor{Table: "clients", Operation: "upsert", Payload: json.RawMessage(`{}`)}},
		{"insert without payload", Descriptor{Table: "clients", Operation: models.OpInsert}},
		{"update without match key", Descriptor{Table: "clients", Operation: models.OpUpdate, Payload: json.RawMessage(`{}`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := q.Mutate(context.Background(), tc.d)
			if faults.CodeOf(err) != faults.ErrInvalid {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
	if f.backend.callCount() != 0 {
		t.Error("malformed descriptor reached the backend")
	}
}
