// Package httpapi is the HTTP transport surface spec.md section 6
// describes, mapped onto chi routes. Every handler does the same three
// things: decode/validate the request, call into the owning package
// (internal/ledger, internal/tasks, internal/lease, internal/query), and
// translate the result or error through the shared envelope in errors.go.
// None of the domain logic lives here.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PStryder/legivellum/internal/ledger"
	"github.com/PStryder/legivellum/internal/lease"
	"github.com/PStryder/legivellum/internal/query"
	"github.com/PStryder/legivellum/internal/querycache"
	"github.com/PStryder/legivellum/internal/tasks"
	"github.com/PStryder/legivellum/internal/tenant"
)

// Deps wires together every component a handler needs. Cache may be nil,
// in which case the inbox handler always falls through to query.Inbox.
type Deps struct {
	Gate    *tenant.Gate
	Ledger  *ledger.Store
	Tasks   *tasks.Engine
	Leases  *lease.Manager
	Queries *query.Queries
	Cache   *querycache.Cache
}

// NewRouter builds the full chi router: CORS, the Access Gate, and every
// route spec.md section 6 / SPEC_FULL.md section 6 lists.
func NewRouter(deps Deps) chi.Router {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	h := &handlers{deps: deps}

	r.Route("/v1", func(r chi.Router) {
		r.Use(deps.Gate.Middleware)

		r.Post("/receipts", h.submitReceipt)
		r.Get("/receipts/{id}", h.getReceipt)
		r.Get("/receipts/{id}/chain", h.receiptChain)
		r.Post("/receipts/{id}/archive", h.archiveReceipt)

		r.Get("/inbox", h.listInbox)

		r.Post("/tasks", h.submitTask)
		r.Get("/tasks/{id}/timeline", h.taskTimeline)

		r.Post("/leases", h.leaseNext)
		r.Post("/leases/{id}/heartbeat", h.heartbeat)
		r.Post("/leases/{id}/complete", h.complete)
		r.Post("/leases/{id}/fail", h.fail)
	})

	return r
}

type handlers struct {
	deps Deps
}

// requestTimeout bounds how long any single handler waits on the store
// before giving up, independent of the server's own read/write timeouts.
const requestTimeout = 10 * time.Second

func withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), requestTimeout)
}
