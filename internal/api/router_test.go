package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/invoicepipe/invoicepipe/internal/api"
	mw "github.com/invoicepipe/invoicepipe/internal/api/middleware"
	"github.com/invoicepipe/invoicepipe/internal/store/storetest"
)

func newRouter() http.Handler {
	st := storetest.New()
	return api.NewRouter(api.Dependencies{
		Auth:        mw.NewAuth(st),
		UploadLimit: mw.NewUploadLimit(nil, 0),
		HealthHandler: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
	})
}

func TestRouter_HealthIsPublic(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_VendorRoutesRequireAuth(t *testing.T) {
	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/v1/invoices/upload"},
		{http.MethodGet, "/api/v1/jobs"},
		{http.MethodPost, "/api/v1/jobs/0b126f51-1111-4222-8333-abcdefabcdef/requeue"},
	}

	r := newRouter()
	for _, p := range paths {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(p.method, p.path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", p.method, p.path)
	}
}

func TestRouter_CallbackDoesNotRequireBearerAuth(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/callbacks", nil))
	// Wired with a nil handler here, so the route itself answers 501 rather
	// than the auth middleware's 401.
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestRouter_UnknownRoute(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v2/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
