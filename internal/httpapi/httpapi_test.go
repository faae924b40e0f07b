package httpapi

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PStryder/legivellum/internal/config"
	"github.com/PStryder/legivellum/internal/ledger"
	"github.com/PStryder/legivellum/internal/lease"
	"github.com/PStryder/legivellum/internal/pgstore"
	"github.com/PStryder/legivellum/internal/query"
	"github.com/PStryder/legivellum/internal/tasks"
	"github.com/PStryder/legivellum/internal/tenant"
)

func newTestRouter(t *testing.T) (http.Handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pool := pgstore.Wrap(db)
	store := ledger.New(pool, nil)
	engine := tasks.New(pool, config.TasksConfig{DefaultMaxAttempts: 3})
	manager := lease.New(pool, store, config.LeaseConfig{TTL: 900 * time.Second, MaxLeaseLifetime: 2 * time.Hour})
	queries := query.New(db, 1000)
	gate := tenant.New(tenant.StaticResolver{"tok-a": "tenant-a"}, 0, 0, 0)

	router := NewRouter(Deps{
		Gate:    gate,
		Ledger:  store,
		Tasks:   engine,
		Leases:  manager,
		Queries: queries,
	})
	return router, mock
}

func authedRequest(method, path string, body []byte) *http.Request {
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	r.Header.Set("Authorization", "Bearer tok-a")
	r.Header.Set("Content-Type", "application/json")
	return r
}

func TestRouter_RejectsMissingAuth(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/inbox?recipient_ai=worker.x", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitReceipt_ValidationFailureReturns422(t *testing.T) {
	router, mock := newTestRouter(t)

	body, err := json.Marshal(map[string]any{
		"task_id":      "task-1",
		"task_summary": "TBD",
		"phase":        "accepted",
	})
	require.NoError(t, err)

	req := authedRequest(http.MethodPost, "/v1/receipts", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Validation", resp.Kind)
}

func TestGetReceipt_NotFoundReturns404(t *testing.T) {
	router, mock := newTestRouter(t)

	receiptID := "01ARZ3NDEKTSV4RRFFQ69G5FAV"
	mock.ExpectQuery(`FROM receipts WHERE tenant_id = \$1 AND receipt_id = \$2`).
		WillReturnError(sql.ErrNoRows)

	req := authedRequest(http.MethodGet, "/v1/receipts/"+receiptID, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitTask_Returns201(t *testing.T) {
	router, mock := newTestRouter(t)

	mock.ExpectExec(`INSERT INTO tasks`).WillReturnResult(sqlmock.NewResult(1, 1))

	body, err := json.Marshal(map[string]any{
		"task_type":             "codegen",
		"task_summary":          "implement widget",
		"recipient_ai":          "worker.x",
		"from_principal":        "planner.x",
		"for_principal":         "worker.x",
		"trust_domain":          "trust.default",
		"expected_outcome_kind": "response_text",
	})
	require.NoError(t, err)

	req := authedRequest(http.MethodPost, "/v1/tasks", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())

	var resp submitTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TaskID)
}

func TestLeaseNext_EmptyQueueReturnsEmptyBody(t *testing.T) {
	router, mock := newTestRouter(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT task_id FROM tasks`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	body, err := json.Marshal(map[string]any{"worker_id": "w-1"})
	require.NoError(t, err)

	req := authedRequest(http.MethodPost, "/v1/leases", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "{}\n", rec.Body.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeat_Success(t *testing.T) {
	router, mock := newTestRouter(t)

	mock.ExpectExec(`UPDATE tasks SET lease_expires_at`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE leases SET heartbeats`).WillReturnResult(sqlmock.NewResult(0, 1))

	body, err := json.Marshal(map[string]any{"worker_id": "w-1"})
	require.NoError(t, err)

	req := authedRequest(http.MethodPost, "/v1/leases/lease-1/heartbeat", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())

	var resp heartbeatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.LeaseExpiresAt)
}

func TestArchiveReceipt_Success(t *testing.T) {
	router, mock := newTestRouter(t)

	receiptID := "01ARZ3NDEKTSV4RRFFQ69G5FAV"
	mock.ExpectExec(`UPDATE receipts SET archived_at`).WillReturnResult(sqlmock.NewResult(0, 1))

	req := authedRequest(http.MethodPost, "/v1/receipts/"+receiptID+"/archive", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())

	var resp archiveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "archived", resp.Status)
}

// receiptRow builds one full receipts-table row in ledger.SelectColumns'
// scan order, for handlers that go through query.Queries rather than
// ledger.Store directly.
func receiptRow(receiptID, taskID, causedBy string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"tenant_id", "receipt_id", "task_id", "parent_task_id", "caused_by_receipt_id",
		"from_principal", "for_principal", "source_system", "recipient_ai", "trust_domain",
		"phase", "status",
		"task_type", "task_summary", "task_body", "inputs", "expected_outcome_kind", "expected_artifact_mime",
		"outcome_kind", "outcome_text", "artifact_pointer", "artifact_location", "artifact_mime", "artifact_checksum", "artifact_size_bytes",
		"escalation_class", "escalation_reason", "escalation_to",
		"retry_requested", "attempt",
		"created_at", "stored_at", "started_at", "completed_at", "read_at", "archived_at",
		"dedupe_key", "metadata", "payload_hash",
	}).AddRow(
		"tenant-a", receiptID, taskID, "", causedBy,
		"planner.x", "worker.x", "worker.x", "planner.x", "",
		"complete", "success",
		"codegen", "implement widget", "", nil, "response_text", "",
		"response_text", "done", "n/a", "n/a", "n/a", "n/a", int64(0),
		"na", "", "na",
		false, 0,
		time.Now().UTC(), time.Now().UTC(), nil, nil, nil, nil,
		"", nil, "abcd1234",
	)
}

func TestTaskTimeline_ReturnsReceipts(t *testing.T) {
	router, mock := newTestRouter(t)

	receiptID := "01ARZ3NDEKTSV4RRFFQ69G5FAV"
	mock.ExpectQuery(`FROM receipts\s+WHERE tenant_id = \$1 AND task_id = \$2`).
		WillReturnRows(receiptRow(receiptID, "task-1", ""))

	req := authedRequest(http.MethodGet, "/v1/tasks/task-1/timeline", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())

	var resp timelineResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Receipts, 1)
}

func TestReceiptChain_SingleNodeNoParent(t *testing.T) {
	router, mock := newTestRouter(t)

	receiptID := "01ARZ3NDEKTSV4RRFFQ69G5FAV"
	mock.ExpectQuery(`FROM receipts WHERE tenant_id = \$1 AND receipt_id = \$2`).
		WillReturnRows(receiptRow(receiptID, "task-1", ""))
	mock.ExpectQuery(`caused_by_receipt_id = \$2`).
		WillReturnRows(sqlmock.NewRows([]string{
			"tenant_id", "receipt_id", "task_id", "parent_task_id", "caused_by_receipt_id",
			"from_principal", "for_principal", "source_system", "recipient_ai", "trust_domain",
			"phase", "status",
			"task_type", "task_summary", "task_body", "inputs", "expected_outcome_kind", "expected_artifact_mime",
			"outcome_kind", "outcome_text", "artifact_pointer", "artifact_location", "artifact_mime", "artifact_checksum", "artifact_size_bytes",
			"escalation_class", "escalation_reason", "escalation_to",
			"retry_requested", "attempt",
			"created_at", "stored_at", "started_at", "completed_at", "read_at", "archived_at",
			"dedupe_key", "metadata", "payload_hash",
		}))

	req := authedRequest(http.MethodGet, "/v1/receipts/"+receiptID+"/chain", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())

	var resp chainResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Chain, 1)
	assert.False(t, resp.Truncated)
}

func TestListInbox_NoCacheFallsThroughToQuery(t *testing.T) {
	router, mock := newTestRouter(t)

	receiptID := "01ARZ3NDEKTSV4RRFFQ69G5FAV"
	mock.ExpectQuery(`FROM receipts\s+WHERE tenant_id = \$1 AND recipient_ai = \$2 AND phase = 'accepted'`).
		WillReturnRows(receiptRow(receiptID, "task-1", ""))

	req := authedRequest(http.MethodGet, "/v1/inbox?recipient_ai=worker.x", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())

	var resp inboxResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
}
