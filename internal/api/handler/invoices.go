package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/invoicepipe/invoicepipe/internal/api/response"
	"github.com/invoicepipe/invoicepipe/internal/store"
)

// NewGetInvoiceHandler returns the handler for GET /api/v1/invoices/{invoiceID}.
// The id may also be a Drive file id, since callers that uploaded a file know
// that id before any invoice exists.
func NewGetInvoiceHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := chi.URLParam(r, "invoiceID")

		id, parseErr := uuid.Parse(ref)
		var (
			inv any
			err error
		)
		if parseErr == nil {
			inv, err = st.GetInvoice(r.Context(), id)
		} else {
			inv, err = st.GetInvoiceByFileID(r.Context(), ref)
		}
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "INVOICE_NOT_FOUND",
					"No invoice exists for the given id", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch invoice", nil)
			return
		}
		response.JSON(w, inv)
	}
}
