package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/invoicepipe/invoicepipe/internal/api/response"
	"github.com/invoicepipe/invoicepipe/internal/callback"
	"github.com/invoicepipe/invoicepipe/internal/invoice"
	"github.com/invoicepipe/invoicepipe/internal/store"
)

const maxCallbackBytes = 1 << 20 // 1 MiB

// NewCallbackHandler returns the handler for POST /api/v1/callbacks. The
// signature is verified over the raw body before any parsing; a bad
// signature produces no side effects at all.
func NewCallbackHandler(svc *callback.Service, secret []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes+1))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read request body", nil)
			return
		}
		if len(body) > maxCallbackBytes {
			response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Callback body too large", nil)
			return
		}

		if !callback.Verify(secret, body, r.Header.Get(callback.SignatureHeader)) {
			response.Error(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "Missing or invalid callback signature", nil)
			return
		}

		var req callback.Request
		if err := json.Unmarshal(body, &req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.JobID == uuid.Nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobId is required", nil)
			return
		}

		if err := svc.Process(r.Context(), &req); err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "No job exists for the given id", nil)
			case errors.Is(err, callback.ErrBadCallback):
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			case errors.Is(err, invoice.ErrValidation):
				response.Error(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", err.Error(), nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			}
			return
		}

		response.JSON(w, map[string]any{"jobId": req.JobID, "acknowledged": true})
	}
}
