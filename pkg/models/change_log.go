package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ChangeTypeUpload   = "Upload"
	ChangeTypeModified = "Modified"
	ChangeTypeDeleted  = "Deleted"
)

const (
	SecurityStatusPending   = "Pending"
	SecurityStatusHealthy   = "Healthy"
	SecurityStatusUnhealthy = "Unhealthy"
)

// ChangeLog records one detected file-store event. Rows are append-only; the
// only mutation after insert is flipping the processed flag when a job has
// been created for the event. A file id may appear in many rows, one per
// detection event.
type ChangeLog struct {
	ID                int64      `db:"id"                   json:"id"`
	FileID            string     `db:"file_id"              json:"file_id"`
	FileName          string     `db:"file_name"            json:"file_name"`
	ChangeType        string     `db:"change_type"          json:"change_type"`
	MimeType          *string    `db:"mime_type"            json:"mime_type,omitempty"`
	FileSize          *int64     `db:"file_size"            json:"file_size,omitempty"`
	ModifiedBy        *string    `db:"modified_by"          json:"modified_by,omitempty"`
	DriveModifiedAt   *time.Time `db:"drive_modified_at"    json:"drive_modified_at,omitempty"`
	DetectedAt        time.Time  `db:"detected_at"          json:"detected_at"`
	Processed         bool       `db:"processed"            json:"processed"`
	ProcessedAt       *time.Time `db:"processed_at"         json:"processed_at,omitempty"`
	VendorID          *uuid.UUID `db:"vendor_id"            json:"vendor_id,omitempty"`
	SecurityStatus    string     `db:"security_status"      json:"security_status"`
	SecurityFailReason *string   `db:"security_fail_reason" json:"security_fail_reason,omitempty"`
	SecurityCheckedAt *time.Time `db:"security_checked_at"  json:"security_checked_at,omitempty"`
}
