package cache

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

// UploadRateKey buckets vendor uploads by clock hour, so the rate window
// resets at the top of each hour rather than sliding.
func UploadRateKey(vendorID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("ratelimit:upload:%s:%s", vendorID, at.UTC().Format("2006010215"))
}

// ReputationKey caches a hash reputation verdict keyed by the file's SHA-256.
func ReputationKey(sha256Hex string) string {
	return fmt.Sprintf("reputation:%s", sha256Hex)
}
