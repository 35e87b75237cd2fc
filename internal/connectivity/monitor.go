// Package connectivity observes network reachability and app foreground
// transitions, and publishes online/offline transitions to subscribers.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/tallyup/offline/internal/logging"
)

// Prober checks whether the backend is reachable right now.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// DefaultProbeInterval is how often reachability is checked in the
// background once the monitor is started.
const DefaultProbeInterval = 30 * time.Second

// probeTimeout bounds a single reachability check.
const probeTimeout = 5 * time.Second

// Monitor tracks the device's last-known connectivity state. Transitions
// are pushed to subscribers; the sync engine subscribes to offline->online.
type Monitor struct {
	prober   Prober
	interval time.Duration
	log      *logging.Logger

	mu        sync.Mutex
	online    bool
	isRunning bool
	stopCh    chan struct{}
	kick      chan struct{}
	wg        sync.WaitGroup

	subMu   sync.Mutex
	subs    map[int]func(online bool)
	nextSub int
}

// NewMonitor creates a Monitor. The initial state is offline until the
// first probe or an explicit SetOnline; callers that know better (platform
// reachability callbacks) should seed the state before Start.
func NewMonitor(prober Prober, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		log:      logging.Get(),
		kick:     make(chan struct{}, 1),
		subs:     make(map[int]func(online bool)),
	}
}

// Online returns the last-known connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity state pushed from outside (an OS
// reachability callback), notifying subscribers on transition.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if changed {
		m.log.Info("connectivity changed", map[string]interface{}{"online": online})
		m.notify(online)
	}
}

// Resume signals that the app returned to the foreground: probe now instead
// of waiting for the next tick.
func (m *Monitor) Resume() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Subscribe registers fn to run on every online/offline transition. The
// returned function unsubscribes.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs, id)
	}
}

// Start launches the background probe loop. No-op without a prober or when
// already running.
func (m *Monitor) Start(ctx context.Context) {
	if m.prober == nil {
		return
	}

	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	// Fresh channel per run so the monitor can be restarted after Stop.
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go m.probeLoop(ctx, stopCh)

	logging.Info("connectivity monitor started", map[string]interface{}{
		"interval": m.interval.String(),
	})
}

// Stop stops the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

// probeLoop checks reachability on a ticker, plus immediately on Resume.
func (m *Monitor) probeLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer m.wg.Done()

	// Establish the initial state without waiting a full interval.
	m.probeOnce(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-m.kick:
			m.probeOnce(ctx)
		case <-ticker.C:
			m.probeOnce(ctx)
		}
	}
}

// probeOnce runs a single bounded reachability check.
func (m *Monitor) probeOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := m.prober.Probe(probeCtx)
	m.SetOnline(err == nil)
}

// notify invokes subscribers with the new state.
func (m *Monitor) notify(online bool) {
	m.subMu.Lock()
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}
