package httpapi

import (
	"net/http"
	"strconv"

	"github.com/PStryder/legivellum/internal/apperr"
	"github.com/PStryder/legivellum/internal/receipts"
	"github.com/PStryder/legivellum/internal/tenant"
)

// inboxResponse mirrors spec.md section 6's list_inbox -> {count, receipts[]}.
type inboxResponse struct {
	Count    int                  `json:"count"`
	Receipts []*receipts.Receipt `json:"receipts"`
}

// listInbox handles GET /v1/inbox?recipient_ai=...&limit=....
// It tries internal/querycache first and only falls through to
// internal/query.Inbox on a cache miss or when no cache is wired,
// per SPEC_FULL.md's cache-then-Postgres-fallback design.
func (h *handlers) listInbox(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant.TenantID(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.KindTenantUnresolved, "no tenant in request context"))
		return
	}

	recipientAI := r.URL.Query().Get("recipient_ai")
	if recipientAI == "" {
		writeError(w, apperr.New(apperr.KindValidation, "recipient_ai is required"))
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	if h.deps.Cache != nil {
		if cached, hit, err := h.deps.Cache.Get(ctx, tenantID, recipientAI); err == nil && hit {
			writeJSON(w, http.StatusOK, inboxResponse{Count: len(cached), Receipts: cached})
			return
		}
	}

	list, err := h.deps.Queries.Inbox(ctx, tenantID, recipientAI, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.deps.Cache != nil {
		_ = h.deps.Cache.Set(ctx, tenantID, recipientAI, list)
	}

	writeJSON(w, http.StatusOK, inboxResponse{Count: len(list), Receipts: list})
}
