// Package tenant implements the Access Gate: the one chi middleware
// every internal/httpapi route sits behind. It resolves the
// authenticated subject to a tenant_id, enforces a per-subject rate
// limit and a request body size cap, and stuffs the resolved tenant
// into the request context — no handler ever reads tenant_id from the
// request body (spec.md section 4.7).
package tenant

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/PStryder/legivellum/internal/apperr"
)

// Resolver maps an authenticated subject (the bearer token/JWT, opaque
// to this package) to a tenant_id. It is a pluggable seam: the actual
// token-issuance system lives outside this module.
type Resolver interface {
	ResolveTenant(ctx context.Context, subject string) (tenantID string, err error)
}

type contextKey int

const tenantIDKey contextKey = iota

// TenantID returns the tenant resolved for this request, if the Gate
// middleware ran.
func TenantID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(tenantIDKey).(string)
	return v, ok && v != ""
}

func withTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// Gate is the Access Gate middleware.
type Gate struct {
	resolver     Resolver
	maxBodyBytes int64
	rateLimit    rate.Limit
	burst        int

	limiters sync.Map // subject (string) -> *rate.Limiter
}

// New creates a Gate. maxBodyBytes <= 0 disables the body size cap.
// ratePerSecond/burst configure the per-subject token bucket; a
// ratePerSecond <= 0 disables rate limiting entirely.
func New(resolver Resolver, maxBodyBytes int64, ratePerSecond float64, burst int) *Gate {
	return &Gate{
		resolver:     resolver,
		maxBodyBytes: maxBodyBytes,
		rateLimit:    rate.Limit(ratePerSecond),
		burst:        burst,
	}
}

// Middleware extracts the bearer subject, resolves it to a tenant,
// rate-limits, caps the body, and propagates tenant_id via context.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, ok := bearerSubject(r)
		if !ok {
			writeError(w, apperr.New(apperr.KindUnauthenticated, "missing or malformed bearer token"))
			return
		}

		tenantID, err := g.resolver.ResolveTenant(r.Context(), subject)
		if err != nil || tenantID == "" {
			writeError(w, apperr.New(apperr.KindTenantUnresolved, "subject does not resolve to a tenant"))
			return
		}

		if g.rateLimit > 0 && !g.limiterFor(subject).Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		if g.maxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, g.maxBodyBytes)
		}

		ctx := withTenantID(r.Context(), tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// limiterFor returns subject's token bucket, creating one on first use.
// A sync.Map registry keyed by subject, rather than a mutex-guarded map,
// keeps the common case (an existing limiter) lock-free.
func (g *Gate) limiterFor(subject string) *rate.Limiter {
	if existing, ok := g.limiters.Load(subject); ok {
		return existing.(*rate.Limiter)
	}
	fresh := rate.NewLimiter(g.rateLimit, g.burst)
	actual, _ := g.limiters.LoadOrStore(subject, fresh)
	return actual.(*rate.Limiter)
}

func bearerSubject(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeError(w http.ResponseWriter, err *apperr.Error) {
	status := http.StatusInternalServerError
	switch err.Kind {
	case apperr.KindUnauthenticated:
		status = http.StatusUnauthorized
	case apperr.KindTenantUnresolved:
		status = http.StatusForbidden
	}
	http.Error(w, err.Error(), status)
}
