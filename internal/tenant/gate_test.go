package tenant

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGate_Middleware_ResolvesTenantFromBearerToken(t *testing.T) {
	resolver := StaticResolver{"tok-a": "tenant-a"}
	g := New(resolver, 0, 0, 0)

	var gotTenant string
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant, _ = TenantID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/inbox", nil)
	req.Header.Set("Authorization", "Bearer tok-a")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tenant-a", gotTenant)
}

func TestGate_Middleware_RejectsMissingBearerToken(t *testing.T) {
	g := New(StaticResolver{}, 0, 0, 0)
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/inbox", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGate_Middleware_RejectsUnresolvedSubject(t *testing.T) {
	g := New(StaticResolver{"tok-a": "tenant-a"}, 0, 0, 0)
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/inbox", nil)
	req.Header.Set("Authorization", "Bearer unknown-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGate_Middleware_EnforcesPerSubjectRateLimit(t *testing.T) {
	g := New(StaticResolver{"tok-a": "tenant-a"}, 0, 1, 1)
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	newReq := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/v1/inbox", nil)
		r.Header.Set("Authorization", "Bearer tok-a")
		return r
	}

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newReq())
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newReq())
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestGate_Middleware_CapsRequestBodySize(t *testing.T) {
	g := New(StaticResolver{"tok-a": "tenant-a"}, 8, 0, 0)
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/receipts", strings.NewReader(strings.Repeat("x", 100)))
	req.Header.Set("Authorization", "Bearer tok-a")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
