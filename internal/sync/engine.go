// Package sync drains the persisted mutation queue against the backend once
// connectivity returns.
package sync

import (
	"context"
	"sync"
	"time"

	"github.com/tallyup/offline/internal/cache"
	"github.com/tallyup/offline/internal/connectivity"
	"github.com/tallyup/offline/internal/faults"
	"github.com/tallyup/offline/internal/logging"
	"github.com/tallyup/offline/internal/mutation"
	"github.com/tallyup/offline/internal/remote"
	"github.com/tallyup/offline/internal/status"
)

// Engine replays queued mutations in strict creation order. Its lifecycle is
// idle -> syncing -> idle, entered on each offline->online transition with a
// non-empty queue, and once at cold start if persisted mutations exist.
type Engine struct {
	queue   *mutation.Queue
	backend remote.Backend
	cache   *cache.Manager
	statusS *status.Store
	log     *logging.Logger

	mu       sync.Mutex
	syncing  bool
	lastSync *time.Time
	lastErr  error

	unbind func()
}

// DrainResult summarizes one drain attempt.
type DrainResult struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Delivered int
	Rejected  int
	Aborted   bool // stopped early on a connectivity failure
}

// NewEngine creates an Engine.
func NewEngine(queue *mutation.Queue, backend remote.Backend, cacheMgr *cache.Manager,
	statusStore *status.Store) *Engine {
	return &Engine{
		queue:   queue,
		backend: backend,
		cache:   cacheMgr,
		statusS: statusStore,
		log:     logging.Get(),
	}
}

// Syncing reports whether a drain is in progress.
func (e *Engine) Syncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// LastSync returns the end time of the last completed drain.
func (e *Engine) LastSync() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// LastError returns the error that ended the last drain, if any.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Bind subscribes the engine to connectivity transitions: every move into
// "online" with pending work schedules a drain. Returns after registering;
// call Unbind to detach.
func (e *Engine) Bind(monitor *connectivity.Monitor) {
	e.unbind = monitor.Subscribe(func(online bool) {
		if online && e.queue.HasPending() {
			go func() {
				if _, err := e.Drain(context.Background()); err != nil {
					e.log.Warn("reconnect drain incomplete", map[string]interface{}{
						"error": err.Error(),
					})
				}
			}()
		}
	})
}

// Unbind detaches the engine from connectivity transitions.
func (e *Engine) Unbind() {
	if e.unbind != nil {
		e.unbind()
		e.unbind = nil
	}
}

// Drain replays pending mutations in FIFO creation order. A connectivity
// failure aborts the drain at the first undeliverable item, leaving it and
// everything behind it pending, so no mutation is ever applied out of order.
// A backend rejection moves that item to failed and the drain continues with
// the next independent mutation.
//
// At most one drain runs at a time; a concurrent call returns immediately
// with no error so reconnect storms collapse into the running drain.
func (e *Engine) Drain(ctx context.Context) (*DrainResult, error) {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil, nil
	}
	e.syncing = true
	e.lastErr = nil
	e.mu.Unlock()

	e.statusS.SetSyncing(true)

	result := &DrainResult{StartTime: time.Now()}

	defer func() {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)

		e.mu.Lock()
		e.syncing = false
		if e.lastErr == nil {
			end := result.EndTime
			e.lastSync = &end
		}
		e.mu.Unlock()

		e.statusS.SetSyncing(false)
	}()

	for {
		if err := ctx.Err(); err != nil {
			result.Aborted = true
			e.setErr(err)
			return result, faults.Wrap(faults.ErrTimeout, "drain cancelled", err)
		}

		m, ok := e.queue.HeadPending()
		if !ok {
			break
		}

		e.queue.MarkInFlight(m.ID)

		err := mutation.Execute(ctx, e.backend, m)
		switch {
		case err == nil:
			e.queue.Remove(m.ID)
			e.cache.Invalidate(m.AffectedCacheKeys...)
			result.Delivered++

		case faults.IsConnectivity(err):
			// Stop at the first undeliverable item; skipping ahead would
			// apply later writes before earlier ones.
			e.queue.MarkPending(m.ID)
			result.Aborted = true
			e.setErr(err)
			e.log.Info("drain aborted, backend unreachable", map[string]interface{}{
				"delivered": result.Delivered, "mutation": m.ID,
			})
			return result, err

		default:
			e.queue.MarkFailed(m.ID, err)
			result.Rejected++
			e.log.Warn("mutation rejected by backend", map[string]interface{}{
				"mutation": m.ID, "table": m.Table, "error": err.Error(),
			})
		}
	}

	e.log.Info("drain complete", map[string]interface{}{
		"delivered": result.Delivered, "rejected": result.Rejected,
	})
	return result, nil
}

// Retry re-queues a failed mutation and drains immediately.
func (e *Engine) Retry(ctx context.Context, id string) error {
	if err := e.queue.Retry(id); err != nil {
		return err
	}
	_, err := e.Drain(ctx)
	return err
}

// Discard drops a failed mutation and refreshes its affected cache keys so
// the optimistic local effect is superseded by backend truth.
func (e *Engine) Discard(id string) error {
	failed := e.queue.Failed()
	if err := e.queue.Discard(id); err != nil {
		return err
	}
	for _, m := range failed {
		if m.ID == id {
			e.cache.Invalidate(m.AffectedCacheKeys...)
			break
		}
	}
	return nil
}

func (e *Engine) setErr(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
}
