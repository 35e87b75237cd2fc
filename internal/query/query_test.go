package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tallyup/offline/internal/cache"
	"github.com/tallyup/offline/internal/faults"
	"github.com/tallyup/offline/internal/kvstore"
)

func newQuerier(online bool) (*Querier, *cache.Manager, *atomicBool) {
	state := &atomicBool{}
	state.Store(online)
	mgr := cache.NewManager(kvstore.NewMemoryStore())
	return NewQuerier(mgr, state.Load), mgr, state
}

type atomicBool struct {
	v atomic.Bool
}

func (b *atomicBool) Store(v bool) { b.v.Store(v) }
func (b *atomicBool) Load() bool   { return b.v.Load() }

func TestOfflineReadServesStaleCacheWithoutNetwork(t *testing.T) {
	q, mgr, _ := newQuerier(false)

	// Stale entry from a prior session.
	mgr.Set("invoices", json.RawMessage(`[{"id":"inv1"}]`))

	var calls atomic.Int64
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`[]`), nil
	}

	h := q.Query(context.Background(), "invoices", fetch, nil)
	defer h.Close()

	res := h.Result()
	if !res.HasData || string(res.Data) != `[{"id":"inv1"}]` {
		t.Errorf("result = %+v, want cached invoices", res)
	}
	if res.Loading {
		t.Error("cached data should mean loading=false")
	}
	if !res.Offline {
		t.Error("offline flag not set")
	}

	// Give a stray fetch a moment to fire if the implementation is wrong.
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 0 {
		t.Errorf("fetch called %d times while offline, want 0", calls.Load())
	}
}

func TestOfflineQueryWithoutCacheIsIdle(t *testing.T) {
	q, mgr, _ := newQuerier(false)

	var calls atomic.Int64
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`[]`), nil
	}

	h := q.Query(context.Background(), "payments", fetch, nil)
	defer h.Close()

	res := h.Result()
	if res.HasData || res.Loading {
		t.Errorf("result = %+v, want empty non-loading result", res)
	}
	if !res.Offline {
		t.Error("offline flag not set")
	}

	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 0 {
		t.Errorf("fetch called %d times while offline, want 0", calls.Load())
	}

	// A later cache write (an optimistic patch, say) still reaches the handle.
	mgr.Set("payments", json.RawMessage(`["p1"]`))
	waitFor(t, func() bool { return string(h.Result().Data) == `["p1"]` })
}

func TestQuerySeesWriteRacingHandleCreation(t *testing.T) {
	q, mgr, _ := newQuerier(false)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			mgr.Set("clients", json.RawMessage(fmt.Sprintf(`[%d]`, i)))
		}
	}()

	h := q.Query(context.Background(), "clients", nil, nil)
	defer h.Close()
	<-done

	// Whatever interleaving happened, the handle must converge on the
	// final written value rather than miss a write that landed while it
	// was being built.
	waitFor(t, func() bool { return string(h.Result().Data) == `[199]` })
}

func TestOnlineQueryFetchesAndCaches(t *testing.T) {
	q, mgr, _ := newQuerier(true)

	gate := make(chan struct{})
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		<-gate
		return json.RawMessage(`[{"id":"c1"}]`), nil
	}

	h := q.Query(context.Background(), "clients", fetch, nil)
	defer h.Close()

	if !h.Result().Loading {
		t.Error("cold query should report loading")
	}
	close(gate)

	waitFor(t, func() bool {
		res := h.Result()
		return res.HasData && !res.Loading
	})

	if string(h.Result().Data) != `[{"id":"c1"}]` {
		t.Errorf("data = %s", h.Result().Data)
	}
	if entry, ok := mgr.Get("clients"); !ok || string(entry.Data) != `[{"id":"c1"}]` {
		t.Error("fetch result not written to cache")
	}
}

func TestAtMostOneInFlightFetchPerKey(t *testing.T) {
	q, _, _ := newQuerier(true)

	var calls atomic.Int64
	gate := make(chan struct{})
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		calls.Add(1)
		<-gate
		return json.RawMessage(`[]`), nil
	}

	h := q.Query(context.Background(), "bookings", fetch, nil)
	defer h.Close()

	// Two concurrent refresh taps while the initial fetch is in flight.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Refresh(context.Background())
		}()
	}

	// Let the refreshes join the flight, then release it.
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("fetch called %d times, want exactly 1", calls.Load())
	}
	if h.Result().Refreshing {
		t.Error("refreshing flag stuck")
	}
}

func TestFetchFailureKeepsCachedValue(t *testing.T) {
	q, mgr, _ := newQuerier(true)
	mgr.Set("invoices", json.RawMessage(`["old"]`))

	var toasts atomic.Int64
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		return nil, faults.New(faults.ErrValidation, "bad filter")
	}

	h := q.Query(context.Background(), "invoices", fetch, &Options{
		OnError: func(err error) { toasts.Add(1) },
	})
	defer h.Close()

	h.Refresh(context.Background())

	res := h.Result()
	if string(res.Data) != `["old"]` {
		t.Errorf("data = %s, want last cached value", res.Data)
	}
	if h.Err() == nil {
		t.Error("fetch error not surfaced on the handle")
	}
	if toasts.Load() == 0 {
		t.Error("OnError not invoked")
	}
}

func TestDisabledSkipsCacheAndFetch(t *testing.T) {
	q, mgr, _ := newQuerier(true)
	mgr.Set("booking_detail:1", json.RawMessage(`{"id":"1"}`))

	var calls atomic.Int64
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		calls.Add(1)
		return nil, nil
	}

	h := q.Query(context.Background(), "booking_detail:1", fetch, &Options{Disabled: true})
	defer h.Close()

	res := h.Result()
	if res.HasData || res.Loading {
		t.Errorf("disabled query returned %+v, want empty idle result", res)
	}

	h.Refresh(context.Background())
	if calls.Load() != 0 {
		t.Error("disabled query must never fetch")
	}
}

func TestRefreshWhileOfflineIsNoop(t *testing.T) {
	q, mgr, online := newQuerier(true)
	mgr.Set("clients", json.RawMessage(`[]`))

	var calls atomic.Int64
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`[]`), nil
	}

	h := q.Query(context.Background(), "clients", fetch, nil)
	defer h.Close()
	waitFor(t, func() bool { return !h.Result().Loading && calls.Load() == 1 })

	online.Store(false)
	h.Refresh(context.Background())

	if calls.Load() != 1 {
		t.Errorf("fetch called %d times, offline refresh must not fetch", calls.Load())
	}
	if !h.Result().Offline {
		t.Error("offline flag not set by offline refresh")
	}
}

func TestInvalidationTriggersRevalidation(t *testing.T) {
	q, mgr, _ := newQuerier(true)
	mgr.Set("invoices", json.RawMessage(`["v1"]`))

	var calls atomic.Int64
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`["v2"]`), nil
	}

	h := q.Query(context.Background(), "invoices", fetch, nil)
	defer h.Close()
	waitFor(t, func() bool { return calls.Load() >= 1 })

	mgr.Invalidate("invoices")

	waitFor(t, func() bool {
		return string(h.Result().Data) == `["v2"]`
	})
}

// waitFor polls until cond holds or the test times out.
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
