package receipts

import (
	"encoding/json"
	"time"

	"github.com/PStryder/legivellum/internal/ids"
)

// Receipt is the immutable, tenant-scoped record of an obligation event.
// Every field is fixed at append time except ArchivedAt, the sole mutable
// column (spec section 3).
type Receipt struct {
	ReceiptID ids.ID `json:"receipt_id"`
	TenantID  string `json:"tenant_id"`

	TaskID           string `json:"task_id"`
	ParentTaskID     string `json:"parent_task_id"`
	CausedByReceiptID string `json:"caused_by_receipt_id"`

	FromPrincipal string `json:"from_principal"`
	ForPrincipal  string `json:"for_principal"`
	SourceSystem  string `json:"source_system"`
	RecipientAI   string `json:"recipient_ai"`
	TrustDomain   string `json:"trust_domain"`

	Phase  Phase  `json:"phase"`
	Status Status `json:"status"`

	TaskType            string          `json:"task_type"`
	TaskSummary         string          `json:"task_summary"`
	TaskBody            string          `json:"task_body"`
	Inputs              json.RawMessage `json:"inputs,omitempty"`
	ExpectedOutcomeKind string          `json:"expected_outcome_kind"`
	ExpectedArtifactMime string         `json:"expected_artifact_mime"`

	OutcomeKind        OutcomeKind `json:"outcome_kind"`
	OutcomeText        string      `json:"outcome_text,omitempty"`
	ArtifactPointer    string      `json:"artifact_pointer"`
	ArtifactLocation   string      `json:"artifact_location"`
	ArtifactMime       string      `json:"artifact_mime"`
	ArtifactChecksum   string      `json:"artifact_checksum"`
	ArtifactSizeBytes  int64       `json:"artifact_size_bytes"`

	EscalationClass  EscalationClass `json:"escalation_class"`
	EscalationReason string          `json:"escalation_reason"`
	EscalationTo     string          `json:"escalation_to"`

	RetryRequested bool `json:"retry_requested"`
	Attempt        int  `json:"attempt"`

	CreatedAt   *time.Time `json:"created_at,omitempty"`
	StoredAt    time.Time  `json:"stored_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`

	DedupeKey string          `json:"dedupe_key,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Archived reports whether this receipt has been soft-hidden from inbox
// queries. Content is unchanged by archival.
func (r *Receipt) Archived() bool {
	return r.ArchivedAt != nil
}

// CanonicalJSON returns a deterministic encoding used to compare two
// candidate payloads for the idempotent-replay rule (same receipt_id,
// identical body vs. conflicting body).
func (r *Receipt) CanonicalJSON() ([]byte, error) {
	// Comparison excludes server-assigned/mutable fields: TenantID is
	// stamped from the caller's scope, StoredAt from the ledger clock,
	// and ArchivedAt is the one field allowed to change after append.
	clone := *r
	clone.TenantID = ""
	clone.StoredAt = time.Time{}
	clone.ArchivedAt = nil
	return json.Marshal(clone)
}
