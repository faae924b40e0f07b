package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/PStryder/legivellum/internal/apperr"
	"github.com/PStryder/legivellum/internal/config"
	"github.com/PStryder/legivellum/internal/ids"
	"github.com/PStryder/legivellum/internal/metrics"
	"github.com/PStryder/legivellum/internal/pgstore"
)

// dbHandle is the subset of *sql.DB (or *pgstore.Pool) Engine needs.
type dbHandle interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Engine owns task intake and the read-side of the queue: Submit, Get,
// and List. The lease-bound write path (lease_next/heartbeat/complete/
// fail) lives in internal/lease, against the same table.
type Engine struct {
	db                 dbHandle
	defaultMaxAttempts int
}

// New creates an Engine backed by pool, using cfg.Tasks for intake
// defaults.
func New(pool *pgstore.Pool, cfg config.TasksConfig) *Engine {
	maxAttempts := cfg.DefaultMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &Engine{db: pool, defaultMaxAttempts: maxAttempts}
}

// Submit inserts a new task in the queued state. It does not itself
// append a receipt; callers append the accompanying "accepted" receipt
// through internal/ledger separately, in the order spec.md section 4.3
// describes (task row first, then the receipt that announces it).
func (e *Engine) Submit(ctx context.Context, tenantID string, t *Task) (*Task, error) {
	t.TenantID = tenantID
	if t.TaskID.Zero() {
		t.TaskID = ids.New()
	}
	if t.Status == "" {
		t.Status = StatusQueued
	}
	if t.MaxAttempts < 1 {
		t.MaxAttempts = e.defaultMaxAttempts
	}
	t.CreatedAt = time.Now().UTC()

	_, err := e.db.ExecContext(ctx, insertTaskSQL,
		t.TenantID, t.TaskID.String(),
		t.TaskType, t.TaskSummary, t.TaskBody, t.Inputs, t.ExpectedOutcomeKind, t.ExpectedArtifactMime,
		t.RecipientAI, t.FromPrincipal, t.ForPrincipal, t.TrustDomain, t.RetryHandler,
		pq.Array(t.Capabilities), pq.Array(t.PreferredKinds),
		string(t.Status), t.Priority,
		t.Attempt, t.MaxAttempts,
		t.NotBefore, t.CreatedAt,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "submit task")
	}

	metrics.QueueDepth.WithLabelValues(tenantID).Inc()
	return t, nil
}

// Get fetches a single task, scoped to tenantID.
func (e *Engine) Get(ctx context.Context, tenantID string, taskID ids.ID) (*Task, error) {
	row := e.db.QueryRowContext(ctx, selectTaskColumns+" FROM tasks WHERE tenant_id = $1 AND task_id = $2",
		tenantID, taskID.String())
	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.KindNotFound, "task not found")
		}
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "get task")
	}
	return t, nil
}

// GetByLeaseID fetches the task currently holding leaseID, scoped to
// tenantID. internal/httpapi uses this to rebuild the task context a
// lease-bound transition (complete/fail) needs, since a lease carries no
// task payload of its own — just the id that unlocks it.
func (e *Engine) GetByLeaseID(ctx context.Context, tenantID, leaseID string) (*Task, error) {
	row := e.db.QueryRowContext(ctx, selectTaskColumns+" FROM tasks WHERE tenant_id = $1 AND lease_id = $2",
		tenantID, leaseID)
	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.KindNotFound, "no task holds this lease")
		}
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "get task by lease")
	}
	return t, nil
}

// ListFilter narrows a List query. Zero values mean "no filter".
type ListFilter struct {
	Status   Status
	Limit    int
	Offset   int
}

// List returns priority-then-age-ordered tasks for a
// tenant — the same discipline lease_next applies when picking the next
// candidate (spec.md section 4.3: "priority DESC, created_at ASC").
func (e *Engine) List(ctx context.Context, tenantID string, filter ListFilter) ([]*Task, error) {
	query := strings.Builder{}
	query.WriteString(selectTaskColumns + " FROM tasks WHERE tenant_id = $1")
	args := []any{tenantID}
	argN := 2

	if filter.Status != "" {
		query.WriteString(" AND status = $" + strconv.Itoa(argN))
		args = append(args, string(filter.Status))
		argN++
	}
	query.WriteString(" ORDER BY priority DESC, created_at ASC")

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query.WriteString(" LIMIT $" + strconv.Itoa(argN))
	args = append(args, limit)
	argN++

	if filter.Offset > 0 {
		query.WriteString(" OFFSET $" + strconv.Itoa(argN))
		args = append(args, filter.Offset)
	}

	rows, err := e.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "list tasks")
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "scan task row")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// scanner abstracts *sql.Row/*sql.Rows so scanTask serves both Get and List.
type scanner interface {
	Scan(dest ...any) error
}

const selectTaskColumns = `SELECT tenant_id, task_id,
	task_type, task_summary, task_body, inputs, expected_outcome_kind, expected_artifact_mime,
	recipient_ai, from_principal, for_principal, trust_domain, retry_handler,
	capabilities, preferred_kinds,
	status, priority,
	lease_id, worker_id, lease_expires_at,
	attempt, max_attempts,
	not_before,
	created_at, started_at, completed_at`

const insertTaskSQL = `INSERT INTO tasks (
	tenant_id, task_id,
	task_type, task_summary, task_body, inputs, expected_outcome_kind, expected_artifact_mime,
	recipient_ai, from_principal, for_principal, trust_domain, retry_handler,
	capabilities, preferred_kinds,
	status, priority,
	attempt, max_attempts,
	not_before, created_at
) VALUES (
	$1, $2,
	$3, $4, $5, $6, $7, $8,
	$9, $10, $11, $12, $13,
	$14, $15,
	$16, $17,
	$18, $19,
	$20, $21
)`

func scanTask(row scanner) (*Task, error) {
	var t Task
	var status string
	var inputs []byte
	var capabilities, preferredKinds pq.StringArray

	err := row.Scan(
		&t.TenantID, &t.TaskID,
		&t.TaskType, &t.TaskSummary, &t.TaskBody, &inputs, &t.ExpectedOutcomeKind, &t.ExpectedArtifactMime,
		&t.RecipientAI, &t.FromPrincipal, &t.ForPrincipal, &t.TrustDomain, &t.RetryHandler,
		&capabilities, &preferredKinds,
		&status, &t.Priority,
		&t.LeaseID, &t.WorkerID, &t.LeaseExpiresAt,
		&t.Attempt, &t.MaxAttempts,
		&t.NotBefore,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.Capabilities = []string(capabilities)
	t.PreferredKinds = []string(preferredKinds)
	if len(inputs) > 0 {
		t.Inputs = json.RawMessage(inputs)
	}
	return &t, nil
}
