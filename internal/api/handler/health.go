package handler

import (
	"net/http"

	"github.com/invoicepipe/invoicepipe/internal/api/response"
	"github.com/invoicepipe/invoicepipe/internal/cache"
	"github.com/invoicepipe/invoicepipe/internal/store"
)

// NewHealthHandler reports liveness of the service and its two durable
// dependencies.
func NewHealthHandler(st store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps := map[string]string{"database": "ok", "redis": "ok"}
		healthy := true

		if err := st.Ping(r.Context()); err != nil {
			deps["database"] = "unreachable"
			healthy = false
		}
		if err := c.Ping(r.Context()); err != nil {
			deps["redis"] = "unreachable"
			healthy = false
		}

		body := map[string]any{"status": "ok", "dependencies": deps}
		if !healthy {
			body["status"] = "degraded"
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED", "A dependency is unreachable", deps)
			return
		}
		response.JSON(w, body)
	}
}
