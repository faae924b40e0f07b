package reaper

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PStryder/legivellum/internal/config"
	"github.com/PStryder/legivellum/internal/ids"
	"github.com/PStryder/legivellum/internal/ledger"
	"github.com/PStryder/legivellum/internal/lease"
	"github.com/PStryder/legivellum/internal/pgstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestReaper(t *testing.T) (*Reaper, *lease.Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pool := pgstore.Wrap(db)
	store := ledger.New(pool, nil)
	manager := lease.New(pool, store, config.LeaseConfig{TTL: 15 * time.Minute, MaxLeaseLifetime: 2 * time.Hour})
	r := New(manager, pool, config.ReaperConfig{Interval: time.Hour}, discardLogger())
	return r, manager, mock
}

func TestReaper_Sweep_ExpiresAndRequeuesWithinBudget(t *testing.T) {
	r, _, mock := newTestReaper(t)
	taskID := ids.New()

	rows := sqlmock.NewRows([]string{
		"tenant_id", "lease_id", "attempt", "max_attempts",
		"task_id", "recipient_ai", "from_principal", "for_principal", "trust_domain",
		"task_type", "task_summary", "retry_handler",
	}).AddRow(
		"tenant-a", "lease-1", 0, 3,
		taskID.String(), "worker.x", "planner.x", "worker.x", "acme.internal",
		"codegen", "implement widget", "",
	)
	mock.ExpectQuery(`FROM tasks\s+WHERE status = 'leased' AND lease_expires_at < now\(\)`).WillReturnRows(rows)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE tasks SET status = \$1, attempt`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT payload_hash, stored_at FROM receipts`).WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO receipts`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	r.sweep(context.Background())

	assert.Equal(t, int64(1), r.sweeps.Load())
	assert.Equal(t, int64(1), r.expired.Load())
	assert.Equal(t, int64(0), r.quaranted.Load())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReaper_Sweep_EmptyQueueIsANoop(t *testing.T) {
	r, _, mock := newTestReaper(t)

	mock.ExpectQuery(`FROM tasks\s+WHERE status = 'leased'`).WillReturnRows(
		sqlmock.NewRows([]string{
			"tenant_id", "lease_id", "attempt", "max_attempts",
			"task_id", "recipient_ai", "from_principal", "for_principal", "trust_domain",
			"task_type", "task_summary", "retry_handler",
		}))

	r.sweep(context.Background())

	assert.Equal(t, int64(0), r.expired.Load())
	assert.NoError(t, mock.ExpectationsWereMet())
}
