// Package offline is the offline-first data layer of the TallyUp client.
// It gives screens a consistent view of remote, possibly-stale,
// possibly-pending data while the device is offline or flaky, and reconciles
// local optimistic state with the backend once connectivity returns.
//
// The layer is a service object built once at process start and passed by
// reference; there is no ambient module state, so tests construct a fresh
// instance each.
//
//	svc, err := offline.New(offline.Options{Backend: backend, Store: store})
//	svc.Start(ctx)
//	defer svc.Close()
//
//	h := svc.Query(ctx, "invoices", fetchInvoices, nil)
//	err = svc.Mutate(ctx, offline.Descriptor{
//		Table:     offline.CollectionInvoices,
//		Operation: offline.OpUpdate,
//		MatchKey:  "inv-42",
//		Payload:   payload,
//		CacheKeys: []string{"invoices", offline.Key("invoice_detail", "inv-42")},
//	})
package offline

import (
	"context"
	"strings"
	"time"

	"github.com/tallyup/offline/internal/cache"
	"github.com/tallyup/offline/internal/connectivity"
	"github.com/tallyup/offline/internal/kvstore"
	"github.com/tallyup/offline/internal/logging"
	"github.com/tallyup/offline/internal/models"
	"github.com/tallyup/offline/internal/mutation"
	"github.com/tallyup/offline/internal/query"
	"github.com/tallyup/offline/internal/remote"
	"github.com/tallyup/offline/internal/status"
	"github.com/tallyup/offline/internal/sync"
)

// Collections managed by the app.
const (
	CollectionClients       = "clients"
	CollectionBookings      = "bookings"
	CollectionInvoices      = "invoices"
	CollectionPayments      = "payments"
	CollectionSubscriptions = "subscriptions"
)

// Operation kinds, re-exported for callers.
const (
	OpInsert = models.OpInsert
	OpUpdate = models.OpUpdate
	OpDelete = models.OpDelete
)

// Aliases so callers never import internal packages.
type (
	// Backend is the remote document store collaborator.
	Backend = remote.Backend

	// RESTBackend is the HTTP client for the hosted backend.
	RESTBackend = remote.RESTBackend

	// RESTOption configures a RESTBackend.
	RESTOption = remote.RESTOption

	// Store is the persistent key-value collaborator.
	Store = kvstore.Store

	// Descriptor describes one write.
	Descriptor = mutation.Descriptor

	// QueuedMutation is a persisted, replayable write.
	QueuedMutation = models.QueuedMutation

	// Handle is a live offline-first query.
	Handle = query.Handle

	// QueryOptions tunes a single query.
	QueryOptions = query.Options

	// QueryResult is a point-in-time query view.
	QueryResult = query.Result

	// FetchFunc loads fresh data for a key.
	FetchFunc = query.FetchFunc

	// Snapshot is a point-in-time sync status.
	Snapshot = status.Snapshot

	// Banner is the offline banner state.
	Banner = status.Banner

	// DrainResult summarizes one sync drain.
	DrainResult = sync.DrainResult

	// Prober checks backend reachability.
	Prober = connectivity.Prober

	// ProberFunc adapts a function to Prober.
	ProberFunc = connectivity.ProberFunc
)

// Banner states, re-exported.
const (
	BannerHidden  = status.BannerHidden
	BannerOffline = status.BannerOffline
	BannerSyncing = status.BannerSyncing
	BannerFailed  = status.BannerFailed
)

// Key joins parts into a composite cache key using the `:` convention,
// e.g. Key("booking_detail", id).
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// NewRESTBackend creates a client for the hosted backend at baseURL.
func NewRESTBackend(baseURL string, opts ...RESTOption) *RESTBackend {
	return remote.NewRESTBackend(baseURL, opts...)
}

// OpenSQLiteStore opens the default durable store in dataDir.
func OpenSQLiteStore(dataDir string) (Store, error) {
	return kvstore.OpenSQLite(dataDir)
}

// OpenFileStore opens the JSON-snapshot store in dataDir.
func OpenFileStore(dataDir string) (Store, error) {
	return kvstore.OpenFile(dataDir)
}

// NewMemoryStore returns a volatile store for tests and previews.
func NewMemoryStore() Store {
	return kvstore.NewMemoryStore()
}

// Options configure the service.
type Options struct {
	// Backend is the remote document store. Required.
	Backend Backend

	// Store persists cache entries and the mutation queue. Defaults to an
	// in-memory store, which drops state on exit.
	Store Store

	// Prober checks reachability. Defaults to the backend's health probe.
	Prober Prober

	// ProbeInterval is the background reachability cadence.
	ProbeInterval time.Duration
}

// Service is the wired data layer: one instance per process.
type Service struct {
	Cache     *cache.Manager
	Queries   *query.Querier
	Mutations *mutation.Queue
	Engine    *sync.Engine
	Status    *status.Store
	Monitor   *connectivity.Monitor

	store kvstore.Store
	log   *logging.Logger
}

// New constructs the service graph. Persisted pending mutations from a
// previous session are restored into the queue and surfaced in the status
// store immediately.
func New(opts Options) (*Service, error) {
	store := opts.Store
	if store == nil {
		store = kvstore.NewMemoryStore()
	}

	prober := opts.Prober
	if prober == nil && opts.Backend != nil {
		prober = connectivity.ProberFunc(opts.Backend.Health)
	}

	cacheMgr := cache.NewManager(store)
	statusStore := status.NewStore()
	monitor := connectivity.NewMonitor(prober, opts.ProbeInterval)
	monitor.Subscribe(statusStore.SetOnline)

	queue, err := mutation.NewQueue(store, cacheMgr, statusStore, opts.Backend, monitor.Online)
	if err != nil {
		return nil, err
	}

	return &Service{
		Cache:     cacheMgr,
		Queries:   query.NewQuerier(cacheMgr, monitor.Online),
		Mutations: queue,
		Engine:    sync.NewEngine(queue, opts.Backend, cacheMgr, statusStore),
		Status:    statusStore,
		Monitor:   monitor,
		store:     store,
		log:       logging.Get(),
	}, nil
}

// Start begins connectivity monitoring and arms the sync engine. If the
// device is already online and mutations survived from a previous session, a
// drain is scheduled immediately.
func (s *Service) Start(ctx context.Context) {
	s.Engine.Bind(s.Monitor)
	s.Monitor.Start(ctx)

	if s.Monitor.Online() && s.Mutations.HasPending() {
		go func() {
			if _, err := s.Engine.Drain(ctx); err != nil {
				s.log.Warn("cold-start drain incomplete", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}()
	}
}

// Close detaches the engine, stops monitoring, and closes the store.
func (s *Service) Close() error {
	s.Engine.Unbind()
	s.Monitor.Stop()
	return s.store.Close()
}

// Query opens an offline-first read for key: cached data now, background
// revalidation when online.
func (s *Service) Query(ctx context.Context, key string, fetch FetchFunc, opts *QueryOptions) *Handle {
	return s.Queries.Query(ctx, key, fetch, opts)
}

// Mutate issues a write with optimistic-success semantics. A non-nil error
// is always an application rejection; connectivity failures queue silently.
func (s *Service) Mutate(ctx context.Context, d Descriptor) error {
	return s.Mutations.Mutate(ctx, d)
}
