package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/PStryder/legivellum/internal/apperr"
	"github.com/PStryder/legivellum/internal/receipts"
	"github.com/PStryder/legivellum/internal/tasks"
	"github.com/PStryder/legivellum/internal/tenant"
)

// submitTaskResponse mirrors spec.md section 6's submit_task -> {task_id}.
type submitTaskResponse struct {
	TaskID string `json:"task_id"`
}

// submitTask handles POST /v1/tasks.
func (h *handlers) submitTask(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant.TenantID(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.KindTenantUnresolved, "no tenant in request context"))
		return
	}

	var t tasks.Task
	if err := decodeJSON(r, &t); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(t); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	submitted, err := h.deps.Tasks.Submit(ctx, tenantID, &t)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, submitTaskResponse{TaskID: submitted.TaskID.String()})
}

// timelineResponse mirrors spec.md section 6's task_timeline -> {receipts[]}.
type timelineResponse struct {
	Receipts []*receipts.Receipt `json:"receipts"`
}

// taskTimeline handles GET /v1/tasks/{id}/timeline.
func (h *handlers) taskTimeline(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant.TenantID(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.KindTenantUnresolved, "no tenant in request context"))
		return
	}

	taskID := chi.URLParam(r, "id")
	if taskID == "" {
		writeError(w, apperr.New(apperr.KindValidation, "task id is required"))
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	list, err := h.deps.Queries.Timeline(ctx, tenantID, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, timelineResponse{Receipts: list})
}
