package lease

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PStryder/legivellum/internal/ids"
	"github.com/PStryder/legivellum/internal/ledger"
	"github.com/PStryder/legivellum/internal/pgstore"
)

func newTestManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := ledger.New(pgstore.Wrap(db), nil)
	return &Manager{db: db, ledger: store, ttl: 15 * time.Minute, maxAge: 2 * time.Hour}, mock
}

func TestManager_Next_GrantsQueuedTask(t *testing.T) {
	mgr, mock := newTestManager(t)
	taskID := ids.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT task_id FROM tasks`).
		WillReturnRows(sqlmock.NewRows([]string{"task_id"}).AddRow(taskID.String()))
	mock.ExpectExec(`UPDATE tasks SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO leases`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	lease, err := mgr.Next(context.Background(), "tenant-a", "worker-1", nil)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, taskID, lease.TaskID)
	assert.Equal(t, "worker-1", lease.WorkerID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_Next_EmptyQueueReturnsNilNil(t *testing.T) {
	mgr, mock := newTestManager(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT task_id FROM tasks`).WillReturnError(sql.ErrNoRows)

	lease, err := mgr.Next(context.Background(), "tenant-a", "worker-1", nil)
	require.NoError(t, err)
	assert.Nil(t, lease)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_Next_RetriesOnLostGrantRace(t *testing.T) {
	mgr, mock := newTestManager(t)
	taskID := ids.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT task_id FROM tasks`).
		WillReturnRows(sqlmock.NewRows([]string{"task_id"}).AddRow(taskID.String()))
	mock.ExpectExec(`UPDATE tasks SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT task_id FROM tasks`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	lease, err := mgr.Next(context.Background(), "tenant-a", "worker-1", nil)
	require.NoError(t, err)
	assert.Nil(t, lease)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_Heartbeat_RejectsUnownedLease(t *testing.T) {
	mgr, mock := newTestManager(t)

	mock.ExpectExec(`UPDATE tasks SET lease_expires_at`).WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := mgr.Heartbeat(context.Background(), "tenant-a", "lease-1", "worker-1")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_Fail_RequeuesWithinAttemptBudget(t *testing.T) {
	mgr, mock := newTestManager(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE tasks SET status = \$1, attempt`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT payload_hash, stored_at FROM receipts`).WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO receipts`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	task := TaskContext{
		TaskID:        "task-1",
		RecipientAI:   "worker.x",
		FromPrincipal: "planner.x",
		ForPrincipal:  "worker.x",
		TrustDomain:   "acme.internal",
		TaskType:      "codegen",
		TaskSummary:   "implement widget",
	}

	_, err := mgr.Fail(context.Background(), "tenant-a", "lease-1", "worker-1", task, 3, 0, FailRequest{
		RetryRequested: true,
		Reason:         "transient worker crash",
		Class:          "other",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
