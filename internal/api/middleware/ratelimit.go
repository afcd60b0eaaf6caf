package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/invoicepipe/invoicepipe/internal/api/response"
	"github.com/invoicepipe/invoicepipe/internal/cache"
)

const defaultUploadsPerHour = 20

// UploadLimit caps uploads per vendor per clock hour via a Redis counter.
type UploadLimit struct {
	cache          cache.Cache
	uploadsPerHour int
}

func NewUploadLimit(c cache.Cache, uploadsPerHour int) *UploadLimit {
	if uploadsPerHour <= 0 {
		uploadsPerHour = defaultUploadsPerHour
	}
	return &UploadLimit{cache: c, uploadsPerHour: uploadsPerHour}
}

// Limit applies the per-vendor upload quota. It must run after Authenticate.
func (ul *UploadLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vendor, ok := GetVendor(r)
		if !ok {
			// Auth middleware didn't run; pass through.
			next.ServeHTTP(w, r)
			return
		}

		now := time.Now().UTC()
		key := cache.UploadRateKey(vendor.ID, now)
		count, err := ul.cache.IncrWithExpiry(r.Context(), key, time.Hour)
		if err != nil {
			// On Redis error, allow the request (fail open).
			next.ServeHTTP(w, r)
			return
		}

		remaining := ul.uploadsPerHour - int(count)
		if remaining < 0 {
			remaining = 0
		}
		reset := now.Truncate(time.Hour).Add(time.Hour)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(ul.uploadsPerHour))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if count > int64(ul.uploadsPerHour) {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(reset).Seconds())))
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Upload quota exceeded for this hour", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
