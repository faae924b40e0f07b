// Package ledger implements the single-writer, append-only receipt
// store: Append, Get, and Archive. Every other derived view (inbox,
// timeline, chain, task status) lives in internal/query and reads the
// same table this package owns.
package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/PStryder/legivellum/internal/apperr"
	"github.com/PStryder/legivellum/internal/events"
	"github.com/PStryder/legivellum/internal/ids"
	"github.com/PStryder/legivellum/internal/metrics"
	"github.com/PStryder/legivellum/internal/pgstore"
	"github.com/PStryder/legivellum/internal/receipts"
	"github.com/PStryder/legivellum/internal/validation"
)

// Store is the single writer for the receipts table.
type Store struct {
	db        dbHandle
	validator *validation.Validator
	publisher *events.Publisher // may be nil; publishing is best-effort
}

// dbHandle is the subset of *sql.DB (or *pgstore.Pool) Store needs,
// satisfied by both a live pool and a go-sqlmock DB in tests.
type dbHandle interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// New creates a Store backed by pool. publisher may be nil, in which case
// Append skips the JetStream notification (spec.md's push-notification
// Non-goal applies to clients, not to the internal cache-invalidation
// path this enables — but the ledger itself never depends on delivery).
func New(pool *pgstore.Pool, publisher *events.Publisher) *Store {
	return &Store{db: pool, validator: validation.NewValidator(), publisher: publisher}
}

// AppendResult is the success return of Append.
type AppendResult struct {
	ReceiptID ids.ID
	StoredAt  time.Time
}

// Append validates, stamps tenant_id and stored_at, and inserts a new
// receipt row, or resolves idempotently against an existing row with the
// same (tenant_id, receipt_id). tenantID comes from the caller's
// authenticated scope and always overrides any tenant_id on r. It opens
// and commits its own transaction; callers that need the append to
// commit atomically with other writes (internal/lease's task-state
// flips) should use AppendTx against a transaction they already hold.
func (s *Store) Append(ctx context.Context, tenantID string, r *receipts.Receipt) (*AppendResult, error) {
	start := time.Now()
	defer func() { metrics.AppendDuration.Observe(time.Since(start).Seconds()) }()

	// Validate before opening a transaction so a rejected receipt never
	// costs a database round-trip.
	r.TenantID = tenantID
	if errs := s.validator.Validate(r); len(errs) > 0 {
		metrics.ValidationRejections.WithLabelValues(errs[0].Code).Inc()
		return nil, apperr.FromValidation(errs)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	result, err := s.AppendTx(ctx, tx, tenantID, r)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "commit receipt append")
	}

	s.AfterCommit(ctx, tenantID, r)

	return result, nil
}

// AppendTx runs the same validation, idempotency, and insert logic as
// Append, against a transaction the caller already opened, and does not
// commit it. This is how internal/lease keeps a task-state flip and its
// accompanying receipt atomic (spec.md section 4.4: "receipt append and
// task state change commit together, or neither does"). The caller must
// commit tx itself and, only once that commit succeeds, call AfterCommit
// so metrics and the JetStream notification fire exactly once per
// durable append.
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, tenantID string, r *receipts.Receipt) (*AppendResult, error) {
	r.TenantID = tenantID
	if r.ReceiptID.Zero() {
		r.ReceiptID = ids.New()
	}

	if errs := s.validator.Validate(r); len(errs) > 0 {
		metrics.ValidationRejections.WithLabelValues(errs[0].Code).Inc()
		return nil, apperr.FromValidation(errs)
	}

	canonical, err := r.CanonicalJSON()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "marshal canonical receipt")
	}
	payloadHash := hashPayload(canonical)

	existing, err := loadExisting(ctx, tx, tenantID, r.ReceiptID)
	if err != nil && !isNoRows(err) {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "check for existing receipt")
	}
	if err == nil {
		if existing.payloadHash == payloadHash {
			return &AppendResult{ReceiptID: r.ReceiptID, StoredAt: existing.storedAt}, nil
		}
		return nil, apperr.New(apperr.KindDuplicate, "receipt_id already used with a different payload")
	}

	if r.DedupeKey != "" {
		conflict, err := dedupeConflict(ctx, tx, tenantID, r.DedupeKey, r.ReceiptID)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "check dedupe key")
		}
		if conflict {
			return nil, apperr.New(apperr.KindDuplicate, "dedupe_key already used by a different receipt")
		}
	}

	storedAt := time.Now().UTC()
	r.StoredAt = storedAt

	if err := insertReceipt(ctx, tx, r, payloadHash); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "insert receipt")
	}

	return &AppendResult{ReceiptID: r.ReceiptID, StoredAt: storedAt}, nil
}

// AfterCommit records the append-duration-independent metrics and fires
// the best-effort JetStream notification for a receipt whose owning
// transaction has already committed. Append calls this itself; callers
// driving AppendTx directly must call it right after their own
// tx.Commit() succeeds, and never before.
func (s *Store) AfterCommit(ctx context.Context, tenantID string, r *receipts.Receipt) {
	metrics.ReceiptsAppended.WithLabelValues(string(r.Phase)).Inc()
	if s.publisher != nil {
		s.publisher.PublishReceiptAppended(ctx, tenantID, r)
	}
}

// Get fetches a single receipt, scoped to tenantID.
func (s *Store) Get(ctx context.Context, tenantID string, receiptID ids.ID) (*receipts.Receipt, error) {
	row := s.db.QueryRowContext(ctx, SelectColumns+" FROM receipts WHERE tenant_id = $1 AND receipt_id = $2", tenantID, receiptID.String())
	r, _, err := scanReceipt(row)
	if err != nil {
		if isNoRows(err) {
			return nil, apperr.New(apperr.KindNotFound, "receipt not found")
		}
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "get receipt")
	}
	return r, nil
}

// Archive sets archived_at to now, idempotently. Content is unchanged.
func (s *Store) Archive(ctx context.Context, tenantID string, receiptID ids.ID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE receipts SET archived_at = now() WHERE tenant_id = $1 AND receipt_id = $2 AND archived_at IS NULL`,
		tenantID, receiptID.String())
	if err != nil {
		return apperr.Wrap(apperr.KindStoreUnavailable, err, "archive receipt")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.KindStoreUnavailable, err, "read archive result")
	}
	if affected == 0 {
		// Either already archived (no-op success) or never existed.
		exists, err := s.exists(ctx, tenantID, receiptID)
		if err != nil {
			return err
		}
		if !exists {
			return apperr.New(apperr.KindNotFound, "receipt not found")
		}
	}
	return nil
}

func (s *Store) exists(ctx context.Context, tenantID string, receiptID ids.ID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM receipts WHERE tenant_id = $1 AND receipt_id = $2`,
		tenantID, receiptID.String()).Scan(&n)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, apperr.Wrap(apperr.KindStoreUnavailable, err, "check receipt existence")
	}
	return true, nil
}

type existingRow struct {
	payloadHash string
	storedAt    time.Time
}

func loadExisting(ctx context.Context, tx *sql.Tx, tenantID string, receiptID ids.ID) (existingRow, error) {
	var row existingRow
	err := tx.QueryRowContext(ctx, `SELECT payload_hash, stored_at FROM receipts WHERE tenant_id = $1 AND receipt_id = $2 FOR UPDATE`,
		tenantID, receiptID.String()).Scan(&row.payloadHash, &row.storedAt)
	return row, err
}

func dedupeConflict(ctx context.Context, tx *sql.Tx, tenantID, dedupeKey string, receiptID ids.ID) (bool, error) {
	var existingReceiptID string
	err := tx.QueryRowContext(ctx, `SELECT receipt_id FROM receipts WHERE tenant_id = $1 AND dedupe_key = $2`,
		tenantID, dedupeKey).Scan(&existingReceiptID)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, err
	}
	return existingReceiptID != receiptID.String(), nil
}

func hashPayload(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func toJSONRaw(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(bytes.Clone(b))
}

func insertReceipt(ctx context.Context, tx *sql.Tx, r *receipts.Receipt, payloadHash string) error {
	_, err := tx.ExecContext(ctx, insertSQL,
		r.TenantID, r.ReceiptID.String(), r.TaskID, r.ParentTaskID, r.CausedByReceiptID,
		r.FromPrincipal, r.ForPrincipal, r.SourceSystem, r.RecipientAI, r.TrustDomain,
		string(r.Phase), string(r.Status),
		r.TaskType, r.TaskSummary, r.TaskBody, r.Inputs, r.ExpectedOutcomeKind, r.ExpectedArtifactMime,
		string(r.OutcomeKind), r.OutcomeText, r.ArtifactPointer, r.ArtifactLocation, r.ArtifactMime, r.ArtifactChecksum, r.ArtifactSizeBytes,
		string(r.EscalationClass), r.EscalationReason, r.EscalationTo,
		r.RetryRequested, r.Attempt,
		r.CreatedAt, r.StoredAt, r.StartedAt, r.CompletedAt, r.ReadAt, r.ArchivedAt,
		nullableString(r.DedupeKey), r.Metadata,
		payloadHash,
	)
	return err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// SelectColumns is the receipts column list, in ScanReceipt's scan order.
const SelectColumns = `SELECT tenant_id, receipt_id, task_id, parent_task_id, caused_by_receipt_id,
	from_principal, for_principal, source_system, recipient_ai, trust_domain,
	phase, status,
	task_type, task_summary, task_body, inputs, expected_outcome_kind, expected_artifact_mime,
	outcome_kind, outcome_text, artifact_pointer, artifact_location, artifact_mime, artifact_checksum, artifact_size_bytes,
	escalation_class, escalation_reason, escalation_to,
	retry_requested, attempt,
	created_at, stored_at, started_at, completed_at, read_at, archived_at,
	coalesce(dedupe_key, ''), metadata, payload_hash`

const insertSQL = `INSERT INTO receipts (
	tenant_id, receipt_id, task_id, parent_task_id, caused_by_receipt_id,
	from_principal, for_principal, source_system, recipient_ai, trust_domain,
	phase, status,
	task_type, task_summary, task_body, inputs, expected_outcome_kind, expected_artifact_mime,
	outcome_kind, outcome_text, artifact_pointer, artifact_location, artifact_mime, artifact_checksum, artifact_size_bytes,
	escalation_class, escalation_reason, escalation_to,
	retry_requested, attempt,
	created_at, stored_at, started_at, completed_at, read_at, archived_at,
	dedupe_key, metadata,
	payload_hash
) VALUES (
	$1, $2, $3, $4, $5,
	$6, $7, $8, $9, $10,
	$11, $12,
	$13, $14, $15, $16, $17, $18,
	$19, $20, $21, $22, $23, $24, $25,
	$26, $27, $28,
	$29, $30,
	$31, $32, $33, $34, $35, $36,
	$37, $38,
	$39
)`

// RowScanner abstracts *sql.Row/*sql.Rows so ScanReceipt works for both a
// single QueryRowContext result and row-by-row iteration in internal/query.
type RowScanner interface {
	Scan(dest ...any) error
}

// ScanReceipt scans one receipts row in SelectColumns order. Exported so
// internal/query's read-only queries share this instead of duplicating
// the 39-column list.
func ScanReceipt(row RowScanner) (*receipts.Receipt, error) {
	r, _, err := scanReceipt(row)
	return r, err
}

func scanReceipt(row RowScanner) (*receipts.Receipt, string, error) {
	var r receipts.Receipt
	var phase, status, outcomeKind, escalationClass, dedupeKey string
	var payloadHash string
	var inputs, metadata []byte

	err := row.Scan(
		&r.TenantID, &r.ReceiptID, &r.TaskID, &r.ParentTaskID, &r.CausedByReceiptID,
		&r.FromPrincipal, &r.ForPrincipal, &r.SourceSystem, &r.RecipientAI, &r.TrustDomain,
		&phase, &status,
		&r.TaskType, &r.TaskSummary, &r.TaskBody, &inputs, &r.ExpectedOutcomeKind, &r.ExpectedArtifactMime,
		&outcomeKind, &r.OutcomeText, &r.ArtifactPointer, &r.ArtifactLocation, &r.ArtifactMime, &r.ArtifactChecksum, &r.ArtifactSizeBytes,
		&escalationClass, &r.EscalationReason, &r.EscalationTo,
		&r.RetryRequested, &r.Attempt,
		&r.CreatedAt, &r.StoredAt, &r.StartedAt, &r.CompletedAt, &r.ReadAt, &r.ArchivedAt,
		&dedupeKey, &metadata, &payloadHash,
	)
	if err != nil {
		return nil, "", err
	}

	r.Phase = receipts.Phase(phase)
	r.Status = receipts.Status(status)
	r.OutcomeKind = receipts.OutcomeKind(outcomeKind)
	r.EscalationClass = receipts.EscalationClass(escalationClass)
	r.DedupeKey = dedupeKey
	r.Inputs = toJSONRaw(inputs)
	r.Metadata = toJSONRaw(metadata)

	return &r, payloadHash, nil
}
