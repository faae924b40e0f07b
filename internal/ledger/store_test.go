package ledger

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PStryder/legivellum/internal/ids"
	"github.com/PStryder/legivellum/internal/receipts"
	"github.com/PStryder/legivellum/internal/validation"
)

func baseAccepted() *receipts.Receipt {
	return &receipts.Receipt{
		TaskID:           "task-1",
		FromPrincipal:    "planner.x",
		ForPrincipal:     "worker.x",
		SourceSystem:     "gateway",
		RecipientAI:      "worker.x",
		TrustDomain:      "acme.internal",
		Phase:            receipts.PhaseAccepted,
		Status:           receipts.StatusNA,
		TaskType:         "codegen",
		TaskSummary:      "implement widget",
		EscalationClass:  receipts.EscalationNA,
		ArtifactPointer:  receipts.SentinelNA,
		ArtifactLocation: receipts.SentinelNA,
		ArtifactMime:     receipts.SentinelNA,
		ArtifactChecksum: receipts.SentinelNA,
	}
}

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: db, validator: validation.NewValidator()}, mock
}

func sqlErrNoRows() error {
	return sql.ErrNoRows
}

func TestStore_Append_RejectsInvalidReceipt(t *testing.T) {
	store, mock := newTestStore(t)

	r := baseAccepted()
	r.TaskSummary = "TBD"

	_, err := store.Append(context.Background(), "tenant-a", r)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Append_InsertsNewReceipt(t *testing.T) {
	store, mock := newTestStore(t)
	r := baseAccepted()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT payload_hash, stored_at FROM receipts`).
		WillReturnError(sqlErrNoRows())
	mock.ExpectExec(`INSERT INTO receipts`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	res, err := store.Append(context.Background(), "tenant-a", r)
	require.NoError(t, err)
	assert.False(t, res.StoredAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Append_IdempotentReplaySamePayload(t *testing.T) {
	store, mock := newTestStore(t)
	r := baseAccepted()
	r.ReceiptID = ids.New() // a replay carries the receipt_id of the original append

	canonical, err := r.CanonicalJSON()
	require.NoError(t, err)
	hash := hashPayload(canonical)
	storedAt := time.Now().UTC()

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"payload_hash", "stored_at"}).AddRow(hash, storedAt)
	mock.ExpectQuery(`SELECT payload_hash, stored_at FROM receipts`).WillReturnRows(rows)
	mock.ExpectCommit()

	res, err := store.Append(context.Background(), "tenant-a", r)
	require.NoError(t, err)
	assert.Equal(t, storedAt, res.StoredAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Append_ConflictingReplayRejected(t *testing.T) {
	store, mock := newTestStore(t)
	r := baseAccepted()

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"payload_hash", "stored_at"}).AddRow("different-hash", time.Now())
	mock.ExpectQuery(`SELECT payload_hash, stored_at FROM receipts`).WillReturnRows(rows)

	_, err := store.Append(context.Background(), "tenant-a", r)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Archive_NotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec(`UPDATE receipts SET archived_at`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT 1 FROM receipts`).WillReturnError(sqlErrNoRows())

	err := store.Archive(context.Background(), "tenant-a", baseAccepted().ReceiptID)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
