package middleware

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/invoicepipe/invoicepipe/internal/api/response"
	"github.com/invoicepipe/invoicepipe/internal/store"
)

const keyPrefixLen = 8

// Auth authenticates vendors by bearer API key. Only a bcrypt hash and a
// lookup prefix are stored, so the raw key is matched by prefix lookup plus
// hash comparison.
type Auth struct {
	store store.Store
}

func NewAuth(s store.Store) *Auth {
	return &Auth{store: s}
}

// Authenticate validates the Bearer token and sets the matched vendor in the
// request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if len(rawKey) < keyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key format", nil)
			return
		}

		vendors, err := a.store.GetVendorsByKeyPrefix(r.Context(), rawKey[:keyPrefixLen])
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		for _, v := range vendors {
			if bcrypt.CompareHashAndPassword([]byte(v.KeyHash), []byte(rawKey)) != nil {
				continue
			}
			if !v.Approved {
				response.Error(w, http.StatusForbidden,
					"VENDOR_NOT_APPROVED", "Vendor account is not approved", nil)
				return
			}

			// Update last_seen_at async
			go a.store.TouchVendorLastSeen(context.Background(), v.ID)

			next.ServeHTTP(w, r.WithContext(SetVendor(r.Context(), v)))
			return
		}

		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid API key", nil)
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
