package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/invoicepipe/invoicepipe/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrIllegalTransition is returned when a job status update is attempted
// from a state the operation does not accept.
var ErrIllegalTransition = errors.New("illegal job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetVendorByID(ctx context.Context, id uuid.UUID) (*models.Vendor, error)
	GetVendorsByKeyPrefix(ctx context.Context, prefix string) ([]*models.Vendor, error)
	CreateVendor(ctx context.Context, v *models.Vendor) error
	TouchVendorLastSeen(ctx context.Context, id uuid.UUID) error

	CreateChangeLogs(ctx context.Context, logs []*models.ChangeLog) error
	GetUnprocessedChangeLogs(ctx context.Context, limit int) ([]*models.ChangeLog, error)
	MarkChangeLogProcessed(ctx context.Context, id int64) error
	GetRecentUnhealthyLog(ctx context.Context, vendorID uuid.UUID, fileName string, fileSize int64, window time.Duration) (*models.ChangeLog, error)
	TrackedFiles(ctx context.Context) ([]TrackedFile, error)

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetActiveJobForFile(ctx context.Context, fileID string) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	MarkJobProcessing(ctx context.Context, id uuid.UUID, workerID string) error
	ScheduleJobRetry(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt time.Time, lastError json.RawMessage) error
	MarkJobInvalid(ctx context.Context, id uuid.UUID, lastError json.RawMessage) error
	RequeueJob(ctx context.Context, id uuid.UUID) error
	ClaimDueJobs(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*models.Job, error)

	UpsertInvalidInvoice(ctx context.Context, inv *models.InvalidInvoice) error
	GetInvalidInvoiceByJob(ctx context.Context, jobID uuid.UUID) (*models.InvalidInvoice, error)
	DeleteInvalidInvoiceByJob(ctx context.Context, jobID uuid.UUID) error

	GetInvoice(ctx context.Context, id uuid.UUID) (*models.Invoice, error)
	GetInvoiceByFileID(ctx context.Context, fileID string) (*models.Invoice, error)
	SaveExtraction(ctx context.Context, save ExtractionSave) (*models.Invoice, error)
	GetProduct(ctx context.Context, vendorID *uuid.UUID, productID string) (*models.Product, error)
}

// TrackedFile is the latest known state of one monitored file, used to
// hydrate the change detector cache after a restart.
type TrackedFile struct {
	FileID     string
	FileName   string
	ModifiedAt time.Time
}

// JobFilter narrows and paginates job listings.
type JobFilter struct {
	Status string
	Page   int
	Limit  int
}

// LineInput is one validated line item headed for persistence.
type LineInput struct {
	ProductID   string
	ProductName string
	Category    *string
	Quantity    float64
	UnitRate    float64
	Amount      float64
}

// ExtractionSave carries everything SaveExtraction writes in one
// transaction: the invoice header, its replacement line items, and the
// terminal COMPLETED update for the originating job. Either all of it
// commits or none of it does.
type ExtractionSave struct {
	JobID    uuid.UUID
	FileID   string
	FileName *string
	VendorID *uuid.UUID

	Header models.Invoice
	Lines  []LineInput
}
