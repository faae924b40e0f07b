// Package pgstore owns the Postgres connection pool and schema
// migrations shared by the ledger, task engine, and lease manager. It
// has no knowledge of receipts or tasks; it is purely plumbing.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/pressly/goose/v3"
	"github.com/sony/gobreaker"

	"github.com/PStryder/legivellum/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Pool wraps a database/sql.DB with a circuit breaker so repeated
// StoreUnavailable failures stop hammering a down database (spec.md
// section 4.5/section 7: "pauses the reaper with exponential backoff").
//
// database/sql over the pgx stdlib driver, rather than pgx's native
// pgxpool, is deliberate: it lets every store-layer test substitute a
// go-sqlmock DB without a running Postgres (see internal/ledger's test
// suite), which a native pgxpool connection cannot do.
type Pool struct {
	*sql.DB
	breaker *gobreaker.CircuitBreaker
}

// Open connects to Postgres and configures the pool. It does not run
// migrations; call Migrate separately, once, before Open in multi-replica
// deployments.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(int(cfg.MaxConns))
	}

	connectCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(connectCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{DB: db, breaker: defaultBreaker()}, nil
}

func defaultBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "pgstore",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
}

// Wrap adapts an already-open *sql.DB into a Pool with a fresh circuit
// breaker. Open is the normal path in production; Wrap exists for
// callers that already hold a *sql.DB — most notably tests substituting
// a go-sqlmock DB, which cannot go through Open's dial/ping sequence.
func Wrap(db *sql.DB) *Pool {
	return &Pool{DB: db, breaker: defaultBreaker()}
}

// Guard runs fn through the circuit breaker; once the breaker is open it
// fails fast instead of retrying against a store that is known to be
// down.
func (p *Pool) Guard(fn func() (any, error)) (any, error) {
	return p.breaker.Execute(fn)
}

// Migrate runs every pending migration in migrations/ against the
// database named by dsn. It opens its own handle, independent of any
// live Pool, so it can run once from a deploy step ahead of replicas
// starting up.
func Migrate(ctx context.Context, dsn string) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
