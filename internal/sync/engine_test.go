package sync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tallyup/offline/internal/cache"
	"github.com/tallyup/offline/internal/connectivity"
	"github.com/tallyup/offline/internal/faults"
	"github.com/tallyup/offline/internal/kvstore"
	"github.com/tallyup/offline/internal/models"
	"github.com/tallyup/offline/internal/mutation"
	"github.com/tallyup/offline/internal/remote"
	"github.com/tallyup/offline/internal/status"
)

// scriptedBackend records the order of calls and answers each one through
// errFor, so a test can fail specific mutations.
type scriptedBackend struct {
	mu     sync.Mutex
	calls  []string
	errFor func(call string) error
}

var _ remote.Backend = (*scriptedBackend)(nil)

func (b *scriptedBackend) record(call string) error {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	errFor := b.errFor
	b.mu.Unlock()
	if errFor != nil {
		return errFor(call)
	}
	return nil
}

func (b *scriptedBackend) Insert(ctx context.Context, table string, payload json.RawMessage) (json.RawMessage, error) {
	return payload, b.record("insert:" + table)
}

func (b *scriptedBackend) Update(ctx context.Context, table, matchKey string, payload json.RawMessage) (json.RawMessage, error) {
	return payload, b.record("update:" + table + ":" + matchKey)
}

func (b *scriptedBackend) Delete(ctx context.Context, table, matchKey string) error {
	return b.record("delete:" + table + ":" + matchKey)
}

func (b *scriptedBackend) Select(ctx context.Context, table, matchKey string) (json.RawMessage, error) {
	return nil, b.record("select:" + table)
}

func (b *scriptedBackend) Health(ctx context.Context) error { return nil }

func (b *scriptedBackend) callLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *scriptedBackend) script(errFor func(call string) error) {
	b.mu.Lock()
	b.errFor = errFor
	b.mu.Unlock()
}

type rig struct {
	cache   *cache.Manager
	status  *status.Store
	backend *scriptedBackend
	queue   *mutation.Queue
	engine  *Engine
}

// newRig builds an engine over an offline queue so enqueued mutations stay
// local until the test drains them.
func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		cache:   cache.NewManager(kvstore.NewMemoryStore()),
		status:  status.NewStore(),
		backend: &scriptedBackend{},
	}
	q, err := mutation.NewQueue(kvstore.NewMemoryStore(), r.cache, r.status, r.backend,
		func() bool { return false })
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	r.queue = q
	r.engine = NewEngine(q, r.backend, r.cache, r.status)
	return r
}

func (r *rig) enqueueUpdate(t *testing.T, id string) {
	t.Helper()
	err := r.queue.Mutate(context.Background(), mutation.Descriptor{
		Table:     "clients",
		Operation: models.OpUpdate,
		Payload:   json.RawMessage(`{"name":"n-` + id + `"}`),
		MatchKey:  id,
		CacheKeys: []string{"clients", "client_detail:" + id},
	})
	if err != nil {
		t.Fatalf("Mutate(%s): %v", id, err)
	}
}

func TestDrainDeliversInCreationOrder(t *testing.T) {
	r := newRig(t)
	r.cache.Set("clients", json.RawMessage(`[]`))
	r.enqueueUpdate(t, "c1")
	r.enqueueUpdate(t, "c2")

	res, err := r.engine.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if res.Delivered != 2 || res.Rejected != 0 || res.Aborted {
		t.Errorf("result = %+v", res)
	}

	want := []string{"update:clients:c1", "update:clients:c2"}
	if diff := cmp.Diff(want, r.backend.callLog()); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}

	if r.queue.HasPending() {
		t.Error("queue not empty after full drain")
	}
	if entry, _ := r.cache.Get("clients"); !entry.Stale {
		t.Error("affected cache key not invalidated after delivery")
	}
	if r.engine.Syncing() {
		t.Error("syncing flag stuck")
	}
	if r.engine.LastSync() == nil {
		t.Error("lastSync not recorded")
	}
}

func TestDrainAbortsOnConnectivityFailure(t *testing.T) {
	r := newRig(t)
	r.cache.Set("clients", json.RawMessage(`[{"id":"c1"},{"id":"c2"}]`))
	r.enqueueUpdate(t, "c1")
	r.enqueueUpdate(t, "c2")

	r.backend.script(func(call string) error {
		return faults.New(faults.ErrNetwork, "connection reset")
	})

	res, err := r.engine.Drain(context.Background())
	if err == nil {
		t.Fatal("expected drain error")
	}
	if !res.Aborted || res.Delivered != 0 {
		t.Errorf("result = %+v", res)
	}

	// One attempt only; the second mutation was never tried.
	if got := len(r.backend.callLog()); got != 1 {
		t.Errorf("backend calls = %d, want 1", got)
	}

	pending := r.queue.Pending()
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want both mutations kept", len(pending))
	}
	for _, m := range pending {
		if m.Status != models.StatusPending {
			t.Errorf("mutation %s status = %q, want pending", m.ID, m.Status)
		}
	}
	if r.status.Snapshot().Syncing {
		t.Error("syncing flag not cleared after abort")
	}
	if r.engine.LastError() == nil {
		t.Error("abort cause not recorded")
	}
	// No delivery confirmed, so nothing may be marked for refetch.
	if entry, _ := r.cache.Get("clients"); entry.Stale {
		t.Error("aborted drain invalidated a cache key")
	}
}

func TestDrainMovesRejectedMutationToFailedAndContinues(t *testing.T) {
	r := newRig(t)
	r.enqueueUpdate(t, "c1")
	r.enqueueUpdate(t, "c2")

	r.backend.script(func(call string) error {
		if call == "update:clients:c1" {
			return faults.New(faults.ErrConflict, "edited elsewhere")
		}
		return nil
	})

	res, err := r.engine.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if res.Delivered != 1 || res.Rejected != 1 || res.Aborted {
		t.Errorf("result = %+v", res)
	}

	failed := r.queue.Failed()
	if len(failed) != 1 || failed[0].MatchKey != "c1" {
		t.Fatalf("failed = %+v", failed)
	}
	if failed[0].LastError == "" {
		t.Error("rejection reason not recorded on the mutation")
	}
	if r.status.Banner() != status.BannerFailed {
		t.Errorf("banner = %q, want sync_failed", r.status.Banner())
	}
}

func TestRetryRedeliversFailedMutation(t *testing.T) {
	r := newRig(t)
	r.enqueueUpdate(t, "c1")

	r.backend.script(func(call string) error {
		return faults.New(faults.ErrConflict, "edited elsewhere")
	})
	if _, err := r.engine.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	failed := r.queue.Failed()
	if len(failed) != 1 {
		t.Fatalf("failed = %d, want 1", len(failed))
	}

	// Conflict resolved server-side; retry should deliver.
	r.backend.script(nil)
	if err := r.engine.Retry(context.Background(), failed[0].ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if len(r.queue.Failed()) != 0 || r.queue.HasPending() {
		t.Error("mutation still queued after successful retry")
	}
}

func TestDiscardDropsMutationAndRefreshesCache(t *testing.T) {
	r := newRig(t)
	r.cache.Set("client_detail:c1", json.RawMessage(`{"id":"c1"}`))
	r.enqueueUpdate(t, "c1")

	r.backend.script(func(call string) error {
		return faults.New(faults.ErrRejected, "no longer editable")
	})
	if _, err := r.engine.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	failed := r.queue.Failed()
	if len(failed) != 1 {
		t.Fatalf("failed = %d, want 1", len(failed))
	}

	if err := r.engine.Discard(failed[0].ID); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if len(r.queue.Failed()) != 0 {
		t.Error("mutation survived discard")
	}
	// The optimistic local value must be re-fetched from backend truth.
	if entry, ok := r.cache.Get("client_detail:c1"); !ok || !entry.Stale {
		t.Error("affected cache key not invalidated after discard")
	}
	if r.status.Banner() == status.BannerFailed {
		t.Error("failed banner still up after discard")
	}
}

func TestConcurrentDrainCollapses(t *testing.T) {
	r := newRig(t)
	r.enqueueUpdate(t, "c1")

	release := make(chan struct{})
	r.backend.script(func(call string) error {
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := r.engine.Drain(context.Background()); err != nil {
			t.Errorf("Drain: %v", err)
		}
	}()

	waitFor(t, func() bool { return r.engine.Syncing() })

	res, err := r.engine.Drain(context.Background())
	if res != nil || err != nil {
		t.Errorf("concurrent drain = (%+v, %v), want (nil, nil)", res, err)
	}

	close(release)
	<-done
}

func TestBindDrainsOnReconnect(t *testing.T) {
	r := newRig(t)
	r.enqueueUpdate(t, "c1")

	monitor := connectivity.NewMonitor(connectivity.ProberFunc(func(ctx context.Context) error {
		return nil
	}), 0)
	r.engine.Bind(monitor)
	defer r.engine.Unbind()

	monitor.SetOnline(false)
	monitor.SetOnline(true)

	waitFor(t, func() bool { return !r.queue.HasPending() })

	if got := len(r.backend.callLog()); got != 1 {
		t.Errorf("backend calls = %d, want 1", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
