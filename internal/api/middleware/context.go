package middleware

import (
	"context"
	"net/http"

	"github.com/invoicepipe/invoicepipe/pkg/models"
)

type contextKey string

const vendorKey contextKey = "vendor"

func SetVendor(ctx context.Context, v *models.Vendor) context.Context {
	return context.WithValue(ctx, vendorKey, v)
}

func GetVendor(r *http.Request) (*models.Vendor, bool) {
	v, ok := r.Context().Value(vendorKey).(*models.Vendor)
	return v, ok
}
