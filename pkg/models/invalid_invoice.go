package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// InvalidInvoice is the terminal record for a document that could not become
// an invoice: the worker reported it unprocessable, or the job exhausted its
// retries. At most one row exists per job (unique job_id); requeueing the
// job deletes it.
type InvalidInvoice struct {
	ID        uuid.UUID       `db:"id"         json:"id"`
	JobID     uuid.UUID       `db:"job_id"     json:"job_id"`
	FileID    *string         `db:"file_id"    json:"file_id,omitempty"`
	FileName  *string         `db:"file_name"  json:"file_name,omitempty"`
	VendorID  *uuid.UUID      `db:"vendor_id"  json:"vendor_id,omitempty"`
	Reason    json.RawMessage `db:"reason"     json:"reason"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
