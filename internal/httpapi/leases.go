package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/PStryder/legivellum/internal/apperr"
	"github.com/PStryder/legivellum/internal/lease"
	"github.com/PStryder/legivellum/internal/receipts"
	"github.com/PStryder/legivellum/internal/tasks"
	"github.com/PStryder/legivellum/internal/tenant"
)

// leaseNextRequest mirrors spec.md section 6's
// lease_next(worker_id, capabilities?, preferred_kinds?, max=1).
// preferred_kinds is accepted for forward compatibility with the wire
// contract but max is always 1: this endpoint grants at most one lease
// per call, matching lease.Manager.Next's signature.
type leaseNextRequest struct {
	WorkerID       string   `json:"worker_id" validate:"required"`
	Capabilities   []string `json:"capabilities,omitempty"`
	PreferredKinds []string `json:"preferred_kinds,omitempty"`
}

type leaseNextResponse struct {
	LeaseID       string      `json:"lease_id"`
	LeaseExpiresAt string     `json:"lease_expires_at"`
	Task          *tasks.Task `json:"task"`
}

// leaseNext handles POST /v1/leases.
func (h *handlers) leaseNext(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant.TenantID(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.KindTenantUnresolved, "no tenant in request context"))
		return
	}

	var req leaseNextRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	granted, err := h.deps.Leases.Next(ctx, tenantID, req.WorkerID, req.Capabilities)
	if err != nil {
		writeError(w, err)
		return
	}
	if granted == nil {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}

	task, err := h.deps.Tasks.Get(ctx, tenantID, granted.TaskID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, leaseNextResponse{
		LeaseID:        granted.LeaseID,
		LeaseExpiresAt: granted.ExpiresAt.Format(time.RFC3339Nano),
		Task:           task,
	})
}

type heartbeatRequest struct {
	WorkerID string `json:"worker_id" validate:"required"`
}

type heartbeatResponse struct {
	LeaseExpiresAt string `json:"lease_expires_at"`
}

// heartbeat handles POST /v1/leases/{id}/heartbeat.
func (h *handlers) heartbeat(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant.TenantID(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.KindTenantUnresolved, "no tenant in request context"))
		return
	}
	leaseID := chi.URLParam(r, "id")

	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	newExpiry, err := h.deps.Leases.Heartbeat(ctx, tenantID, leaseID, req.WorkerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{LeaseExpiresAt: newExpiry.Format(time.RFC3339Nano)})
}

// completeRequest mirrors spec.md section 6's complete(lease_id, receipt).
type completeRequest struct {
	WorkerID          string               `json:"worker_id" validate:"required"`
	Status            receipts.Status      `json:"status" validate:"required"`
	OutcomeKind       receipts.OutcomeKind `json:"outcome_kind" validate:"required"`
	OutcomeText       string               `json:"outcome_text"`
	ArtifactPointer   string               `json:"artifact_pointer"`
	ArtifactLocation  string               `json:"artifact_location"`
	ArtifactMime      string               `json:"artifact_mime"`
	ArtifactChecksum  string               `json:"artifact_checksum"`
	ArtifactSizeBytes int64                `json:"artifact_size_bytes"`
}

type completeResponse struct {
	ReceiptID string `json:"receipt_id"`
	StoredAt  string `json:"stored_at"`
	OnTime    bool   `json:"on_time"`
}

// complete handles POST /v1/leases/{id}/complete.
func (h *handlers) complete(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant.TenantID(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.KindTenantUnresolved, "no tenant in request context"))
		return
	}
	leaseID := chi.URLParam(r, "id")

	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	task, err := h.deps.Tasks.GetByLeaseID(ctx, tenantID, leaseID)
	if err != nil {
		writeError(w, err)
		return
	}

	appended, onTime, err := h.deps.Leases.Complete(ctx, tenantID, leaseID, req.WorkerID, taskContextFrom(task), lease.CompleteRequest{
		Status:            req.Status,
		OutcomeKind:       req.OutcomeKind,
		OutcomeText:       req.OutcomeText,
		ArtifactPointer:   req.ArtifactPointer,
		ArtifactLocation:  req.ArtifactLocation,
		ArtifactMime:      req.ArtifactMime,
		ArtifactChecksum:  req.ArtifactChecksum,
		ArtifactSizeBytes: req.ArtifactSizeBytes,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, completeResponse{
		ReceiptID: appended.ReceiptID.String(),
		StoredAt:  appended.StoredAt.Format(time.RFC3339Nano),
		OnTime:    onTime,
	})
}

// failRequest mirrors spec.md section 6's fail(lease_id, reason, retryable).
type failRequest struct {
	WorkerID       string                   `json:"worker_id" validate:"required"`
	Reason         string                   `json:"reason" validate:"required"`
	RetryRequested bool                     `json:"retryable"`
	Class          receipts.EscalationClass `json:"escalation_class,omitempty"`
}

type failResponse struct {
	ReceiptID string `json:"receipt_id"`
	StoredAt  string `json:"stored_at"`
}

// fail handles POST /v1/leases/{id}/fail.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant.TenantID(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.KindTenantUnresolved, "no tenant in request context"))
		return
	}
	leaseID := chi.URLParam(r, "id")

	var req failRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	task, err := h.deps.Tasks.GetByLeaseID(ctx, tenantID, leaseID)
	if err != nil {
		writeError(w, err)
		return
	}

	appended, err := h.deps.Leases.Fail(ctx, tenantID, leaseID, req.WorkerID, taskContextFrom(task), task.MaxAttempts, task.Attempt, lease.FailRequest{
		RetryRequested: req.RetryRequested,
		Reason:         req.Reason,
		Class:          req.Class,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, failResponse{
		ReceiptID: appended.ReceiptID.String(),
		StoredAt:  appended.StoredAt.Format(time.RFC3339Nano),
	})
}

// taskContextFrom builds the lease.TaskContext a lease-bound transition
// needs from the full task row internal/tasks owns.
func taskContextFrom(t *tasks.Task) lease.TaskContext {
	return lease.TaskContext{
		TaskID:               t.TaskID.String(),
		RecipientAI:          t.RecipientAI,
		FromPrincipal:        t.FromPrincipal,
		ForPrincipal:         t.ForPrincipal,
		TrustDomain:          t.TrustDomain,
		TaskType:             t.TaskType,
		TaskSummary:          t.TaskSummary,
		ExpectedOutcomeKind:  t.ExpectedOutcomeKind,
		ExpectedArtifactMime: t.ExpectedArtifactMime,
		RetryHandler:         t.RetryHandler,
	}
}
