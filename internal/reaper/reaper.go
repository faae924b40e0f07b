// Package reaper implements the expiry sweep: a ticker-driven loop that
// finds leases past their lease_expires_at and resolves them through the
// same escalate-and-maybe-requeue path a worker's own Fail call takes.
// It polls the store directly rather than subscribing to anything —
// there is no event that fires when a lease merely goes stale.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/PStryder/legivellum/internal/apperr"
	"github.com/PStryder/legivellum/internal/config"
	"github.com/PStryder/legivellum/internal/ledger"
	"github.com/PStryder/legivellum/internal/lease"
	"github.com/PStryder/legivellum/internal/metrics"
	"github.com/PStryder/legivellum/internal/pgstore"
)

// sweepBatchSize bounds how many expired rows one sweep resolves, so a
// large backlog spreads across several ticks instead of monopolizing one.
const sweepBatchSize = 200

// Reaper periodically expires stale leases.
type Reaper struct {
	manager  *lease.Manager
	pool     *pgstore.Pool
	interval time.Duration
	log      *slog.Logger

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	startedAt time.Time

	sweeps    atomic.Int64
	expired   atomic.Int64
	quaranted atomic.Int64
}

// New creates a Reaper. pool is used only to guard store-unavailable
// sweeps behind the pool's circuit breaker (pgstore.Pool.Guard).
func New(manager *lease.Manager, pool *pgstore.Pool, cfg config.ReaperConfig, log *slog.Logger) *Reaper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{manager: manager, pool: pool, interval: interval, log: log}
}

// Start begins sweeping in a background goroutine and returns
// immediately. Stop (via ctx cancellation) halts it.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return apperr.New(apperr.KindInternal, "reaper already running")
	}
	r.running = true
	r.startedAt = time.Now()
	subCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	go r.loop(subCtx)
	r.log.Info("reaper started", "interval", r.interval)
	return nil
}

// Stop halts the sweep loop.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.cancel()
	r.running = false
	r.log.Info("reaper stopped", "sweeps", r.sweeps.Load(), "expired", r.expired.Load())
}

func (r *Reaper) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep runs one pass. A store-unavailable error retries with
// exponential backoff, itself guarded by the pool's circuit breaker so a
// persistently down database stops hammering it and just waits for the
// next tick (spec.md section 4.5, section 7).
func (r *Reaper) sweep(ctx context.Context) {
	started := time.Now()
	defer func() {
		metrics.ReaperSweepDuration.Observe(time.Since(started).Seconds())
	}()
	r.sweeps.Add(1)

	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)

	var expiredRows []lease.ExpiredLease
	err := backoff.Retry(func() error {
		_, guardErr := r.pool.Guard(func() (any, error) {
			rows, listErr := r.manager.ListExpired(ctx, sweepBatchSize)
			expiredRows = rows
			return nil, listErr
		})
		if apperr.KindOf(guardErr) == apperr.KindStoreUnavailable {
			return guardErr
		}
		if guardErr != nil {
			return backoff.Permanent(guardErr)
		}
		return nil
	}, bo)
	if err != nil {
		r.log.Error("reaper sweep: list expired leases", "error", err)
		return
	}

	for _, e := range expiredRows {
		if err := r.expireOne(ctx, e); err != nil {
			r.quaranted.Add(1)
			metrics.ReaperQuarantined.Inc()
			r.log.Warn("reaper: quarantining malformed lease row",
				"tenant_id", e.TenantID, "lease_id", e.LeaseID, "error", err)
			continue
		}
	}
}

// expireOne resolves a single expired row, retrying transient
// store-unavailable failures independently so one tenant's outage
// doesn't stall the rest of the batch.
func (r *Reaper) expireOne(ctx context.Context, e lease.ExpiredLease) error {
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)

	err := backoff.Retry(func() error {
		result, guardErr := r.pool.Guard(func() (any, error) {
			return r.manager.Expire(ctx, e)
		})
		if apperr.KindOf(guardErr) == apperr.KindStoreUnavailable {
			return guardErr
		}
		if guardErr != nil {
			return backoff.Permanent(guardErr)
		}
		if appended, ok := result.(*ledger.AppendResult); ok && appended != nil {
			r.expired.Add(1)
			metrics.ReaperExpired.Inc()
		}
		return nil
	}, bo)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
