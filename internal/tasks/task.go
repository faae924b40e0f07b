// Package tasks implements the Task Engine: intake, queue discipline, and
// the task record itself. Lease-bound transitions live in internal/lease;
// this package owns only submission and read queries.
package tasks

import (
	"encoding/json"
	"time"

	"github.com/PStryder/legivellum/internal/ids"
)

// Status is the mutable lifecycle status of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusLeased    Status = "leased"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Task is the mutable queue record spec.md section 3 describes.
type Task struct {
	TaskID   ids.ID `json:"task_id"`
	TenantID string `json:"tenant_id"`

	TaskType            string          `json:"task_type"`
	TaskSummary         string          `json:"task_summary"`
	TaskBody            string          `json:"task_body"`
	Inputs              json.RawMessage `json:"inputs,omitempty"`
	ExpectedOutcomeKind string          `json:"expected_outcome_kind"`
	ExpectedArtifactMime string         `json:"expected_artifact_mime"`

	RecipientAI   string `json:"recipient_ai" validate:"required"`
	FromPrincipal string `json:"from_principal" validate:"required"`
	ForPrincipal  string `json:"for_principal" validate:"required"`

	// TrustDomain is stamped onto every receipt a lease-bound transition
	// emits for this task (internal/httpapi's taskContextFrom); the
	// validator requires it non-empty on every receipt (RCP-STRUCT-001),
	// so it must be required here too or every complete/fail on the task
	// would be rejected downstream.
	TrustDomain string `json:"trust_domain" validate:"required"`

	// RetryHandler is the principal the reaper/fail path routes
	// escalations to on this task's behalf (spec.md section 9, "Retry
	// targets"). Submitter-supplied; when empty, escalations go to the
	// task's from_principal.
	RetryHandler string `json:"retry_handler"`

	// Capabilities narrows which workers lease_next will match this task
	// against. PreferredKinds is stored with the task but lease_next does
	// not use it when matching.
	Capabilities    []string `json:"capabilities,omitempty"`
	PreferredKinds  []string `json:"preferred_kinds,omitempty"`

	Status   Status `json:"status"`
	Priority int    `json:"priority"`

	LeaseID        *string    `json:"lease_id,omitempty"`
	WorkerID       *string    `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`

	// NotBefore delays queue eligibility; nil means eligible immediately.
	NotBefore *time.Time `json:"not_before,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
