package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/PStryder/legivellum/internal/apperr"
	"github.com/PStryder/legivellum/internal/ids"
	"github.com/PStryder/legivellum/internal/receipts"
	"github.com/PStryder/legivellum/internal/tenant"
)

// submitReceiptResponse mirrors spec.md section 6's
// submit_receipt -> {receipt_id, stored_at, tenant_id}.
type submitReceiptResponse struct {
	ReceiptID string `json:"receipt_id"`
	StoredAt  string `json:"stored_at"`
	TenantID  string `json:"tenant_id"`
}

// submitReceipt handles POST /v1/receipts.
func (h *handlers) submitReceipt(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant.TenantID(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.KindTenantUnresolved, "no tenant in request context"))
		return
	}

	var rec receipts.Receipt
	if err := decodeJSON(r, &rec); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	result, err := h.deps.Ledger.Append(ctx, tenantID, &rec)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, submitReceiptResponse{
		ReceiptID: result.ReceiptID.String(),
		StoredAt:  result.StoredAt.Format(time.RFC3339Nano),
		TenantID:  tenantID,
	})
}

// getReceipt handles GET /v1/receipts/{id}.
func (h *handlers) getReceipt(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant.TenantID(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.KindTenantUnresolved, "no tenant in request context"))
		return
	}

	receiptID, err := ids.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, apperr.New(apperr.KindValidation, "malformed receipt_id"))
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	rec, err := h.deps.Ledger.Get(ctx, tenantID, receiptID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// chainResponse mirrors spec.md section 6's receipt_chain -> {chain[]},
// plus a truncated flag the base spec leaves implicit in "bounded depth".
type chainResponse struct {
	Chain     []*receipts.Receipt `json:"chain"`
	Truncated bool                `json:"truncated"`
}

// receiptChain handles GET /v1/receipts/{id}/chain.
func (h *handlers) receiptChain(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant.TenantID(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.KindTenantUnresolved, "no tenant in request context"))
		return
	}

	receiptID, err := ids.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, apperr.New(apperr.KindValidation, "malformed receipt_id"))
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	chain, truncated, err := h.deps.Queries.Chain(ctx, tenantID, receiptID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chainResponse{Chain: chain, Truncated: truncated})
}

type archiveResponse struct {
	Status string `json:"status"`
}

// archiveReceipt handles POST /v1/receipts/{id}/archive.
func (h *handlers) archiveReceipt(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant.TenantID(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.KindTenantUnresolved, "no tenant in request context"))
		return
	}

	receiptID, err := ids.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, apperr.New(apperr.KindValidation, "malformed receipt_id"))
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	if err := h.deps.Ledger.Archive(ctx, tenantID, receiptID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, archiveResponse{Status: "archived"})
}
