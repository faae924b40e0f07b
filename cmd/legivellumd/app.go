package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/PStryder/legivellum/internal/config"
	"github.com/PStryder/legivellum/internal/events"
	"github.com/PStryder/legivellum/internal/httpapi"
	"github.com/PStryder/legivellum/internal/ledger"
	"github.com/PStryder/legivellum/internal/lease"
	"github.com/PStryder/legivellum/internal/pgstore"
	"github.com/PStryder/legivellum/internal/query"
	"github.com/PStryder/legivellum/internal/querycache"
	"github.com/PStryder/legivellum/internal/reaper"
	"github.com/PStryder/legivellum/internal/tasks"
	"github.com/PStryder/legivellum/internal/tenant"
)

// App wires every component the service needs and owns their lifecycle.
// Modeled on cmd/semspec's App: a thin Start/Shutdown shell around
// component construction, no business logic of its own.
type App struct {
	cfg *config.Config
	log *slog.Logger

	pool        *pgstore.Pool
	bus         *events.Bus
	cache       *querycache.Cache
	invalidator *querycache.Invalidator
	reaper      *reaper.Reaper
	server      *http.Server
}

// NewApp records the configuration and logger only; constructing the
// components, dialing out, starting background loops, and binding a
// listener all happen in Start.
func NewApp(cfg *config.Config, log *slog.Logger) (*App, error) {
	return &App{cfg: cfg, log: log}, nil
}

// Start dials Postgres and NATS, wires the derived-query cache and its
// invalidator, starts the lease reaper, and binds the HTTP listener.
// It returns once the listener is up; it does not block on shutdown.
func (a *App) Start(ctx context.Context) error {
	pool, err := pgstore.Open(ctx, a.cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.pool = pool

	bus, err := events.Connect(ctx, a.cfg.NATS, a.log)
	if err != nil {
		a.pool.Close()
		return fmt.Errorf("connect nats: %w", err)
	}
	a.bus = bus

	cache, err := querycache.New(ctx, bus.JetStream())
	if err != nil {
		a.shutdownPartial()
		return fmt.Errorf("open query cache: %w", err)
	}
	a.cache = cache

	invalidator := querycache.NewInvalidator(cache, bus, a.log)
	if err := invalidator.Start(ctx); err != nil {
		a.shutdownPartial()
		return fmt.Errorf("start cache invalidator: %w", err)
	}
	a.invalidator = invalidator

	publisher := events.NewPublisher(bus)
	store := ledger.New(pool, publisher)
	taskEngine := tasks.New(pool, a.cfg.Tasks)
	leaseManager := lease.New(pool, store, a.cfg.Lease)
	queries := query.New(pool, a.cfg.Query.DepthCap)
	gate := tenant.New(tenant.StaticResolver(a.cfg.Tenants), a.cfg.HTTP.RequestBodyMaxBytes, a.cfg.HTTP.RatePerSecond, a.cfg.HTTP.RateBurst)

	rp := reaper.New(leaseManager, pool, a.cfg.Reaper, a.log)
	if err := rp.Start(ctx); err != nil {
		a.shutdownPartial()
		return fmt.Errorf("start reaper: %w", err)
	}
	a.reaper = rp

	router := httpapi.NewRouter(httpapi.Deps{
		Gate:    gate,
		Ledger:  store,
		Tasks:   taskEngine,
		Leases:  leaseManager,
		Queries: queries,
		Cache:   cache,
	})

	a.server = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.shutdownPartial()
		return fmt.Errorf("http listen: %w", err)
	case <-time.After(100 * time.Millisecond):
	}

	return nil
}

// Shutdown drains the HTTP listener, stops the reaper and cache
// invalidator, and closes the NATS and database connections.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.log.Error("http server shutdown", "error", err)
		}
	}
	a.shutdownPartial()
}

// shutdownPartial tears down whatever components Start had already
// brought up, in reverse order. Safe to call with any subset nil.
func (a *App) shutdownPartial() {
	if a.reaper != nil {
		a.reaper.Stop()
		a.reaper = nil
	}
	if a.invalidator != nil {
		a.invalidator.Stop()
		a.invalidator = nil
	}
	if a.bus != nil {
		a.bus.Close()
		a.bus = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

// migrate runs pending goose migrations against dsn and exits; it does
// not construct an App since no other component is needed.
func migrate(ctx context.Context, dsn string) error {
	return pgstore.Migrate(ctx, dsn)
}
