// Package query implements offline-first reads: cached data is returned
// synchronously when present, a background refetch revalidates it when the
// device is online, and staleness never blocks a screen.
//
// A Handle replaces a UI hook's lifecycle: opening one is "mount",
// Close is "unmount", and cache subscriptions replace re-render-driven
// refetching.
package query

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tallyup/offline/internal/cache"
	"github.com/tallyup/offline/internal/logging"
	"github.com/tallyup/offline/internal/models"
)

// FetchFunc loads fresh data for a key from the backend.
type FetchFunc func(ctx context.Context) (json.RawMessage, error)

// Options tune a single query.
type Options struct {
	// Disabled skips both the cache read and the fetch; the handle reports
	// no data and no loading. Used for queries waiting on a parameter.
	Disabled bool

	// OnError receives fetch failures out of band (the toast path). Render
	// state is never poisoned by a failed refetch.
	OnError func(error)
}

// Result is a point-in-time view of a query.
type Result struct {
	Data       json.RawMessage
	HasData    bool
	FetchedAt  int64
	Loading    bool // first load, nothing cached yet
	Refreshing bool // manual refresh with cached data still showing
	Offline    bool // fetch skipped because the device is offline
}

// Querier issues offline-first queries against the cache. It guarantees at
// most one in-flight fetch per key: concurrent refreshes coalesce onto the
// running attempt.
type Querier struct {
	cache  *cache.Manager
	online func() bool
	log    *logging.Logger

	mu       sync.Mutex
	inflight map[string]*flight
}

// flight is one in-progress fetch shared by every waiter on its key.
type flight struct {
	done chan struct{}
	err  error
}

// NewQuerier creates a Querier. online reports current connectivity.
func NewQuerier(cacheMgr *cache.Manager, online func() bool) *Querier {
	return &Querier{
		cache:    cacheMgr,
		online:   online,
		log:      logging.Get(),
		inflight: make(map[string]*flight),
	}
}

// Query opens a handle for key. Cached data is available on the returned
// handle immediately; if the device is online a background refetch starts
// right away.
func (q *Querier) Query(ctx context.Context, key string, fetch FetchFunc, opts *Options) *Handle {
	var o Options
	if opts != nil {
		o = *opts
	}

	h := &Handle{
		q:     q,
		key:   key,
		fetch: fetch,
		opts:  o,
		subs:  make(map[int]func(Result)),
	}

	if o.Disabled {
		return h
	}

	// Subscribe before the initial read so a write landing in between is
	// delivered to the handle instead of silently missed.
	h.unsub = q.cache.Subscribe(key, h.onCacheUpdate)

	h.mu.Lock()
	if !h.hasData {
		if entry, ok := q.cache.Get(key); ok {
			h.data = entry.Data
			h.hasData = true
			h.fetchedAt = entry.FetchedAt
		} else {
			h.loading = true
		}
	}
	if !q.online() {
		h.offline = true
		h.loading = false
		h.mu.Unlock()
		return h
	}
	h.mu.Unlock()

	go h.await(q.start(ctx, key, fetch), false)

	return h
}

// start begins (or joins) the fetch for key. The returned flight completes
// when the underlying fetch does, for every waiter.
func (q *Querier) start(ctx context.Context, key string, fetch FetchFunc) *flight {
	q.mu.Lock()
	if f, ok := q.inflight[key]; ok {
		q.mu.Unlock()
		return f
	}
	f := &flight{done: make(chan struct{})}
	q.inflight[key] = f
	q.mu.Unlock()

	go func() {
		data, err := fetch(ctx)
		if err == nil {
			// Keyed cache write: safe even if every handle is gone.
			q.cache.Set(key, data)
		} else {
			q.log.Warn("fetch failed, keeping cached value", map[string]interface{}{
				"key": key, "error": err.Error(),
			})
		}

		f.err = err

		q.mu.Lock()
		delete(q.inflight, key)
		q.mu.Unlock()

		close(f.done)
	}()

	return f
}

// Handle is a live query: it tracks the cached value for its key and exposes
// loading/refreshing/offline flags.
type Handle struct {
	q     *Querier
	key   string
	fetch FetchFunc
	opts  Options

	mu         sync.Mutex
	data       json.RawMessage
	hasData    bool
	fetchedAt  int64
	loading    bool
	refreshing bool
	offline    bool
	err        error
	closed     bool

	subs    map[int]func(Result)
	nextSub int

	unsub func()
}

// Result returns the current view.
func (h *Handle) Result() Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resultLocked()
}

func (h *Handle) resultLocked() Result {
	return Result{
		Data:       h.data,
		HasData:    h.hasData,
		FetchedAt:  h.fetchedAt,
		Loading:    h.loading,
		Refreshing: h.refreshing,
		Offline:    h.offline,
	}
}

// Err returns the last fetch error, if any. Errors never clear data; the
// stale value keeps serving.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Refresh manually revalidates the key and blocks until the fetch settles.
// While a fetch for the key is already in flight this joins it rather than
// issuing a second network call. Offline refreshes are no-ops that flag the
// handle offline.
func (h *Handle) Refresh(ctx context.Context) {
	h.mu.Lock()
	if h.closed || h.opts.Disabled {
		h.mu.Unlock()
		return
	}
	if !h.q.online() {
		h.offline = true
		snap := h.resultLocked()
		h.mu.Unlock()
		h.notify(snap)
		return
	}
	h.offline = false
	h.refreshing = true
	snap := h.resultLocked()
	h.mu.Unlock()
	h.notify(snap)

	h.await(h.q.start(ctx, h.key, h.fetch), true)
}

// Subscribe registers fn to run on every result change. The returned
// function unsubscribes.
func (h *Handle) Subscribe(fn func(Result)) func() {
	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Close detaches the handle from cache updates. Any in-flight fetch keeps
// running; its result still lands in the cache for future readers.
func (h *Handle) Close() {
	h.mu.Lock()
	h.closed = true
	unsub := h.unsub
	h.unsub = nil
	h.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// await blocks on a flight and settles the handle's flags.
func (h *Handle) await(f *flight, refresh bool) {
	<-f.done

	h.mu.Lock()
	if refresh {
		h.refreshing = false
	}
	h.loading = false
	h.err = f.err
	snap := h.resultLocked()
	onErr := h.opts.OnError
	h.mu.Unlock()

	h.notify(snap)

	if f.err != nil && onErr != nil {
		onErr(f.err)
	}
}

// onCacheUpdate receives cache writes for the handle's key. A write that
// marks the entry stale while the device is online triggers a background
// revalidation; the stale data keeps serving meanwhile.
func (h *Handle) onCacheUpdate(entry models.CacheEntry) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.data = entry.Data
	h.hasData = true
	h.fetchedAt = entry.FetchedAt
	h.loading = false
	if !entry.Stale {
		h.offline = false
	}
	revalidate := entry.Stale && h.q.online()
	snap := h.resultLocked()
	h.mu.Unlock()

	h.notify(snap)

	if revalidate {
		go h.await(h.q.start(context.Background(), h.key, h.fetch), false)
	}
}

// notify pushes a result snapshot to subscribers.
func (h *Handle) notify(snap Result) {
	h.mu.Lock()
	fns := make([]func(Result), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
