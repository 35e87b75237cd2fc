package main

import (
	"context"
	"time"

	"github.com/tallyup/offline"
	"github.com/tallyup/offline/internal/config"
	"github.com/tallyup/offline/internal/remote"
)

// openService wires the data layer against the configured backend and store.
// The caller owns Close on the returned service.
func openService(cfg *config.Config) (*offline.Service, *remote.RESTBackend, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	var opts []remote.RESTOption
	if cfg.Backend.Token != "" {
		tok := cfg.Backend.Token
		opts = append(opts, remote.WithToken(func(context.Context) (string, error) {
			return tok, nil
		}))
	}
	backend := remote.NewRESTBackend(cfg.Backend.BaseURL, opts...)

	svc, err := offline.New(offline.Options{
		Backend:       backend,
		Store:         store,
		ProbeInterval: cfg.ProbeInterval(),
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return svc, backend, nil
}

// probeOnline runs a one-shot reachability check and seeds the service's
// connectivity state, so one-off commands see a real online/offline value
// without running the background monitor.
func probeOnline(svc *offline.Service, backend *remote.RESTBackend) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	online := backend.Health(ctx) == nil
	svc.Monitor.SetOnline(online)
	return online
}
