package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "PENDING"
	JobStatusProcessing = "PROCESSING"
	JobStatusCompleted  = "COMPLETED"
	JobStatusFailed     = "FAILED"
	JobStatusInvalid    = "INVALID"
)

const JobTypeInvoiceExtraction = "INVOICE_EXTRACTION"

// MaxRetries is the retry ceiling for a job. Once retry_count reaches it the
// job transitions to INVALID and is never dispatched again without an
// explicit admin requeue.
const MaxRetries = 3

// Job is one queued unit of extraction work tied to a single file.
// Jobs are created from change logs and claimed by the retry sweep or an
// external worker; terminal rows are retained for audit and never deleted.
type Job struct {
	ID          uuid.UUID       `db:"id"            json:"id"`
	JobType     string          `db:"job_type"      json:"job_type"`
	Payload     json.RawMessage `db:"payload"       json:"payload"`
	Status      string          `db:"status"        json:"status"`
	RetryCount  int             `db:"retry_count"   json:"retry_count"`
	LockedBy    *string         `db:"locked_by"     json:"locked_by,omitempty"`
	LockedAt    *time.Time      `db:"locked_at"     json:"locked_at,omitempty"`
	NextRetryAt *time.Time      `db:"next_retry_at" json:"next_retry_at,omitempty"`
	LastError   json.RawMessage `db:"last_error"    json:"last_error,omitempty"`
	CreatedAt   time.Time       `db:"created_at"    json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"    json:"updated_at"`
}

// Terminal reports whether no further automatic transitions can occur.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusInvalid:
		return true
	}
	return false
}

// JobPayload is the snapshot stored on a job at creation time.
// The idempotency key is derived from the file id and detection timestamp so
// a recurring file produces distinct keys per detection event.
type JobPayload struct {
	FileID         string     `json:"fileId"`
	OriginalName   string     `json:"originalName"`
	MimeType       string     `json:"mimeType"`
	FileSize       int64      `json:"fileSize"`
	Uploader       string     `json:"uploader,omitempty"`
	VendorID       *uuid.UUID `json:"vendorId,omitempty"`
	SchemaVersion  string     `json:"schemaVersion"`
	IdempotencyKey string     `json:"idempotencyKey"`
	DetectedAt     time.Time  `json:"detectedAt"`
}
