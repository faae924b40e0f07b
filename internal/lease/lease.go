// Package lease implements the lease-bound handoff half of the task
// lifecycle: lease_next, heartbeat, complete, fail, and release. The
// resolving transitions (complete, fail, and the reaper's expire) append
// their receipt through internal/ledger inside the same database
// transaction as the task-row flip, so the two halves of the record
// (derived task status, immutable receipt history) never drift apart;
// lease_next, heartbeat, and release append no receipt.
package lease

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/PStryder/legivellum/internal/apperr"
	"github.com/PStryder/legivellum/internal/config"
	"github.com/PStryder/legivellum/internal/ids"
	"github.com/PStryder/legivellum/internal/ledger"
	"github.com/PStryder/legivellum/internal/metrics"
	"github.com/PStryder/legivellum/internal/pgstore"
	"github.com/PStryder/legivellum/internal/receipts"
)

// maxGrantRetries bounds the conditional-update race loop in Next: a lost
// race against another worker retries against the next candidate row
// instead of failing the caller outright.
const maxGrantRetries = 3

// Lease is the granted handle a worker holds until it completes, fails,
// or lets the task expire.
type Lease struct {
	LeaseID   string
	TaskID    ids.ID
	TenantID  string
	WorkerID  string
	GrantedAt time.Time
	ExpiresAt time.Time
}

// Manager grants and resolves leases against the tasks/leases tables.
type Manager struct {
	db     *sql.DB
	ledger *ledger.Store
	ttl    time.Duration
	maxAge time.Duration
}

// New creates a Manager. pool backs both the task/lease tables and (via
// store) the receipts table, so grant and append share one transaction.
func New(pool *pgstore.Pool, store *ledger.Store, cfg config.LeaseConfig) *Manager {
	return &Manager{db: pool.DB, ledger: store, ttl: cfg.TTL, maxAge: cfg.MaxLeaseLifetime}
}

// Next grants a lease for the next eligible queued task matching
// capabilities, or (nil, nil) if the queue has nothing eligible right
// now. capabilities may be empty to mean "any task".
func (m *Manager) Next(ctx context.Context, tenantID, workerID string, capabilities []string) (*Lease, error) {
	for attempt := 0; attempt < maxGrantRetries; attempt++ {
		lease, err := m.tryGrant(ctx, tenantID, workerID, capabilities)
		if err == errNoCandidate {
			metrics.LeaseGrantEmpty.Inc()
			return nil, nil
		}
		if err == errGrantRace {
			metrics.LeaseGrantRaces.Inc()
			continue
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "grant lease")
		}
		metrics.LeaseGrants.Inc()
		return lease, nil
	}
	// Every attempt lost its race: report an empty queue for this call.
	return nil, nil
}

var (
	errNoCandidate = errors.New("no eligible task")
	errGrantRace   = errors.New("lost conditional grant race")
)

// tryGrant finds one queued candidate and attempts a conditional update
// to leased. A zero RowsAffected means another worker won the row first
// (errGrantRace); the caller picks a new candidate on retry, skipping the
// one just lost (spec.md section 4.4, "SELECT ... FOR UPDATE SKIP
// LOCKED" plus a WHERE status = 'queued' guard on the UPDATE itself).
func (m *Manager) tryGrant(ctx context.Context, tenantID, workerID string, capabilities []string) (*Lease, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	var taskID string
	query := `SELECT task_id FROM tasks
		WHERE tenant_id = $1 AND status = 'queued'
		AND (not_before IS NULL OR not_before <= now())`
	args := []any{tenantID}
	if len(capabilities) > 0 {
		query += ` AND (capabilities = '{}' OR capabilities && $2)`
		args = append(args, capabilities)
	}
	query += ` ORDER BY priority DESC, created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`

	err = tx.QueryRowContext(ctx, query, args...).Scan(&taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNoCandidate
	}
	if err != nil {
		return nil, err
	}

	leaseID := uuid.NewString()
	grantedAt := time.Now().UTC()
	expiresAt := grantedAt.Add(m.ttl)

	res, err := tx.ExecContext(ctx, `UPDATE tasks SET
			status = 'leased', lease_id = $1, worker_id = $2, lease_expires_at = $3,
			started_at = coalesce(started_at, $4)
		WHERE tenant_id = $5 AND task_id = $6 AND status = 'queued'`,
		leaseID, workerID, expiresAt, grantedAt, tenantID, taskID)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, errGrantRace
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO leases
			(lease_id, tenant_id, task_id, worker_id, granted_at, expires_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'active')`,
		leaseID, tenantID, taskID, workerID, grantedAt, expiresAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	parsedTaskID, err := ids.Parse(taskID)
	if err != nil {
		return nil, err
	}

	return &Lease{
		LeaseID:   leaseID,
		TaskID:    parsedTaskID,
		TenantID:  tenantID,
		WorkerID:  workerID,
		GrantedAt: grantedAt,
		ExpiresAt: expiresAt,
	}, nil
}

// Heartbeat extends a held lease's expiry, refusing if the lease has
// already expired or is held by someone else.
func (m *Manager) Heartbeat(ctx context.Context, tenantID, leaseID, workerID string) (time.Time, error) {
	newExpiry := time.Now().UTC().Add(m.ttl)

	res, err := m.db.ExecContext(ctx, `UPDATE tasks SET lease_expires_at = $1
		WHERE tenant_id = $2 AND lease_id = $3 AND worker_id = $4
		AND status = 'leased' AND lease_expires_at > now()`,
		newExpiry, tenantID, leaseID, workerID)
	if err != nil {
		return time.Time{}, apperr.Wrap(apperr.KindStoreUnavailable, err, "heartbeat lease")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, apperr.Wrap(apperr.KindStoreUnavailable, err, "read heartbeat result")
	}
	if affected == 0 {
		return time.Time{}, apperr.New(apperr.KindLeaseExpired, "lease not active or not owned by this worker")
	}

	if _, err := m.db.ExecContext(ctx,
		`UPDATE leases SET heartbeats = heartbeats + 1, expires_at = $1 WHERE lease_id = $2`,
		newExpiry, leaseID); err != nil {
		return time.Time{}, apperr.Wrap(apperr.KindStoreUnavailable, err, "record heartbeat")
	}

	return newExpiry, nil
}

// CompleteRequest carries the fields a worker supplies to resolve a task.
type CompleteRequest struct {
	Status            receipts.Status
	OutcomeKind       receipts.OutcomeKind
	OutcomeText       string
	ArtifactPointer   string
	ArtifactLocation  string
	ArtifactMime      string
	ArtifactChecksum  string
	ArtifactSizeBytes int64
}

// Complete appends a "complete" receipt and flips the task to completed,
// inside one transaction. If the task is no longer leased to this worker
// (for example the reaper already expired the lease), the task-side flip
// is refused but the receipt still appends (spec.md section 4.5:
// "late completions still append; the ledger is append-only"); the
// returned bool is false in that case so the caller can surface it to
// the worker, and the LateCompletions metric counts it.
func (m *Manager) Complete(ctx context.Context, tenantID, leaseID, workerID string, task TaskContext, req CompleteRequest) (*ledger.AppendResult, bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindStoreUnavailable, err, "begin complete transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = 'completed', completed_at = now()
		WHERE tenant_id = $1 AND lease_id = $2 AND worker_id = $3 AND status = 'leased'`,
		tenantID, leaseID, workerID)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindStoreUnavailable, err, "complete task")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindStoreUnavailable, err, "read complete result")
	}
	onTime := affected > 0

	if !onTime {
		metrics.LateCompletions.Inc()
	}

	receipt := buildCompleteReceipt(task, req)
	appended, err := m.ledger.AppendTx(ctx, tx, tenantID, receipt)
	if err != nil {
		return nil, onTime, err
	}

	if err := tx.Commit(); err != nil {
		return nil, onTime, apperr.Wrap(apperr.KindStoreUnavailable, err, "commit complete transaction")
	}

	m.ledger.AfterCommit(ctx, tenantID, receipt)
	return appended, onTime, nil
}

// TaskContext is the minimal task context Complete/Fail need from the
// caller, so this package does not depend on internal/tasks.Task.
type TaskContext struct {
	TaskID               string
	RecipientAI          string
	FromPrincipal        string
	ForPrincipal         string
	TrustDomain          string
	TaskType             string
	TaskSummary          string
	ExpectedOutcomeKind  string
	ExpectedArtifactMime string
	RetryHandler         string
}

func buildCompleteReceipt(task TaskContext, req CompleteRequest) *receipts.Receipt {
	status := req.Status
	if status == "" {
		status = receipts.StatusSuccess
	}
	now := time.Now().UTC()

	return &receipts.Receipt{
		TaskID:               task.TaskID,
		FromPrincipal:         task.RecipientAI,
		ForPrincipal:          task.ForPrincipal,
		SourceSystem:          task.RecipientAI,
		RecipientAI:           task.FromPrincipal,
		TrustDomain:           task.TrustDomain,
		Phase:                 receipts.PhaseComplete,
		Status:                status,
		TaskType:              task.TaskType,
		TaskSummary:           task.TaskSummary,
		ExpectedOutcomeKind:   task.ExpectedOutcomeKind,
		ExpectedArtifactMime:  task.ExpectedArtifactMime,
		OutcomeKind:           req.OutcomeKind,
		OutcomeText:           req.OutcomeText,
		ArtifactPointer:       nonEmpty(req.ArtifactPointer, receipts.SentinelNA),
		ArtifactLocation:      nonEmpty(req.ArtifactLocation, receipts.SentinelNA),
		ArtifactMime:          nonEmpty(req.ArtifactMime, receipts.SentinelNA),
		ArtifactChecksum:      nonEmpty(req.ArtifactChecksum, receipts.SentinelNA),
		ArtifactSizeBytes:     req.ArtifactSizeBytes,
		EscalationClass:       receipts.EscalationNA,
		EscalationTo:          receipts.SentinelNA,
		CompletedAt:           &now,
	}
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// FailRequest carries the fields a worker supplies when it cannot
// complete a task and wants it escalated or retried.
type FailRequest struct {
	RetryRequested bool
	Reason         string
	Class          receipts.EscalationClass
}

// Fail appends an "escalate" receipt for the task, and either requeues
// it (if RetryRequested and attempts remain) or leaves it failed. This
// is the same retry policy the reaper applies for involuntary expiry
// (spec.md section 4.5).
func (m *Manager) Fail(ctx context.Context, tenantID, leaseID, workerID string, task TaskContext, maxAttempts, attempt int, req FailRequest) (*ledger.AppendResult, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "begin fail transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	nextAttempt := attempt + 1
	retry := req.RetryRequested && nextAttempt < maxAttempts

	var newStatus string
	if retry {
		newStatus = "queued"
	} else {
		newStatus = "failed"
	}

	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = $1, attempt = $2,
			lease_id = NULL, worker_id = NULL, lease_expires_at = NULL
		WHERE tenant_id = $3 AND lease_id = $4 AND worker_id = $5 AND status = 'leased'`,
		newStatus, nextAttempt, tenantID, leaseID, workerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "fail task")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "read fail result")
	}
	if affected == 0 {
		return nil, apperr.New(apperr.KindLeaseNotOwned, "lease not active or not owned by this worker")
	}

	class := req.Class
	if class == "" {
		class = receipts.EscalationOther
	}

	r := &receipts.Receipt{
		TaskID:           task.TaskID,
		FromPrincipal:    task.RecipientAI,
		ForPrincipal:     task.ForPrincipal,
		SourceSystem:     task.RecipientAI,
		RecipientAI:      nonEmpty(task.RetryHandler, task.FromPrincipal),
		TrustDomain:      task.TrustDomain,
		Phase:            receipts.PhaseEscalate,
		Status:           receipts.StatusNA,
		TaskType:         task.TaskType,
		TaskSummary:      task.TaskSummary,
		OutcomeKind:      receipts.OutcomeNone,
		ArtifactPointer:  receipts.SentinelNA,
		ArtifactLocation: receipts.SentinelNA,
		ArtifactMime:     receipts.SentinelNA,
		ArtifactChecksum: receipts.SentinelNA,
		EscalationClass:  class,
		EscalationReason: req.Reason,
		EscalationTo:     nonEmpty(task.RetryHandler, task.FromPrincipal),
		RetryRequested:   retry,
		Attempt:          nextAttempt,
	}

	appended, err := m.ledger.AppendTx(ctx, tx, tenantID, r)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "commit fail transaction")
	}

	m.ledger.AfterCommit(ctx, tenantID, r)
	return appended, nil
}

// ExpiredLease is one row the reaper found past its lease_expires_at,
// with enough task context to build the escalate receipt Expire appends.
type ExpiredLease struct {
	TenantID    string
	LeaseID     string
	Attempt     int
	MaxAttempts int
	Task        TaskContext
}

// ListExpired returns up to limit leased tasks, across every tenant,
// whose lease has already expired. It does not lock or modify anything;
// Expire does that per row so one malformed row never blocks the rest
// of the sweep.
func (m *Manager) ListExpired(ctx context.Context, limit int) ([]ExpiredLease, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT tenant_id, lease_id, attempt, max_attempts,
			task_id, recipient_ai, from_principal, for_principal, trust_domain,
			task_type, task_summary, retry_handler
		FROM tasks
		WHERE status = 'leased' AND lease_expires_at < now()
		ORDER BY lease_expires_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "list expired leases")
	}
	defer rows.Close()

	var out []ExpiredLease
	for rows.Next() {
		var e ExpiredLease
		if err := rows.Scan(&e.TenantID, &e.LeaseID, &e.Attempt, &e.MaxAttempts,
			&e.Task.TaskID, &e.Task.RecipientAI, &e.Task.FromPrincipal, &e.Task.ForPrincipal, &e.Task.TrustDomain,
			&e.Task.TaskType, &e.Task.TaskSummary, &e.Task.RetryHandler); err != nil {
			return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "scan expired lease row")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Expire appends the "lease_expired" escalate receipt for one row
// ListExpired returned and, if attempts remain, requeues the task — the
// same retry policy Fail applies, just triggered by the reaper instead
// of a worker giving up voluntarily (spec.md section 4.5). Unlike Fail,
// it does not check worker_id: by the time a lease has expired, the
// worker that held it may be gone, crashed, or simply slow, and the
// reaper has no way to know which.
func (m *Manager) Expire(ctx context.Context, e ExpiredLease) (*ledger.AppendResult, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "begin expire transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	nextAttempt := e.Attempt + 1
	retry := nextAttempt < e.MaxAttempts

	newStatus := "failed"
	if retry {
		newStatus = "queued"
	}

	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = $1, attempt = $2,
			lease_id = NULL, worker_id = NULL, lease_expires_at = NULL
		WHERE tenant_id = $3 AND lease_id = $4 AND status = 'leased'`,
		newStatus, nextAttempt, e.TenantID, e.LeaseID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "expire task")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "read expire result")
	}
	if affected == 0 {
		// Already resolved by a racing complete/fail/release between
		// ListExpired's read and this transaction; nothing to append.
		return nil, nil
	}

	r := &receipts.Receipt{
		TaskID:           e.Task.TaskID,
		FromPrincipal:    e.Task.RecipientAI,
		ForPrincipal:     e.Task.ForPrincipal,
		SourceSystem:     "legivellum.reaper",
		RecipientAI:      nonEmpty(e.Task.RetryHandler, e.Task.FromPrincipal),
		TrustDomain:      e.Task.TrustDomain,
		Phase:            receipts.PhaseEscalate,
		Status:           receipts.StatusNA,
		TaskType:         e.Task.TaskType,
		TaskSummary:      e.Task.TaskSummary,
		OutcomeKind:      receipts.OutcomeNone,
		ArtifactPointer:  receipts.SentinelNA,
		ArtifactLocation: receipts.SentinelNA,
		ArtifactMime:     receipts.SentinelNA,
		ArtifactChecksum: receipts.SentinelNA,
		EscalationClass:  receipts.EscalationPolicy,
		EscalationReason: "lease_expired",
		EscalationTo:     nonEmpty(e.Task.RetryHandler, e.Task.FromPrincipal),
		RetryRequested:   retry,
		Attempt:          nextAttempt,
	}

	appended, err := m.ledger.AppendTx(ctx, tx, e.TenantID, r)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "commit expire transaction")
	}

	m.ledger.AfterCommit(ctx, e.TenantID, r)
	return appended, nil
}

// Release voluntarily gives up a lease without resolving the task,
// returning it to the queue immediately for another worker to pick up.
func (m *Manager) Release(ctx context.Context, tenantID, leaseID, workerID string) error {
	res, err := m.db.ExecContext(ctx, `UPDATE tasks SET status = 'queued',
			lease_id = NULL, worker_id = NULL, lease_expires_at = NULL
		WHERE tenant_id = $1 AND lease_id = $2 AND worker_id = $3 AND status = 'leased'`,
		tenantID, leaseID, workerID)
	if err != nil {
		return apperr.Wrap(apperr.KindStoreUnavailable, err, "release lease")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.KindStoreUnavailable, err, "read release result")
	}
	if affected == 0 {
		return apperr.New(apperr.KindLeaseNotOwned, "lease not active or not owned by this worker")
	}
	if _, err := m.db.ExecContext(ctx, `UPDATE leases SET status = 'released' WHERE lease_id = $1`, leaseID); err != nil {
		return apperr.Wrap(apperr.KindStoreUnavailable, err, "mark lease released")
	}
	return nil
}
