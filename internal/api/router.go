package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/invoicepipe/invoicepipe/internal/api/middleware"
	"github.com/invoicepipe/invoicepipe/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth        *mw.Auth
	UploadLimit *mw.UploadLimit

	HealthHandler     http.HandlerFunc
	CallbackHandler   http.HandlerFunc
	UploadHandler     http.HandlerFunc
	ListJobsHandler   http.HandlerFunc
	GetJobHandler     http.HandlerFunc
	JobStatusHandler  http.HandlerFunc
	RequeueHandler    http.HandlerFunc
	GetInvoiceHandler http.HandlerFunc
}

// NewRouter builds the Chi router with the middleware stack and all routes.
// The callback endpoint authenticates by HMAC signature inside its handler,
// not by vendor bearer key.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Worker callback, HMAC-authenticated
	r.Post("/api/v1/callbacks", orNotImplemented(deps.CallbackHandler))

	// Vendor routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)

		r.Group(func(r chi.Router) {
			r.Use(deps.UploadLimit.Limit)
			r.Post("/api/v1/invoices/upload", orNotImplemented(deps.UploadHandler))
		})

		r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobsHandler))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
		r.Get("/api/v1/jobs/{jobID}/status", orNotImplemented(deps.JobStatusHandler))
		r.Post("/api/v1/jobs/{jobID}/requeue", orNotImplemented(deps.RequeueHandler))

		r.Get("/api/v1/invoices/{invoiceID}", orNotImplemented(deps.GetInvoiceHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
