package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/invoicepipe/invoicepipe/internal/cache"
	"github.com/invoicepipe/invoicepipe/internal/config"
	"github.com/invoicepipe/invoicepipe/internal/store"
	"github.com/invoicepipe/invoicepipe/internal/worker"
	"github.com/invoicepipe/invoicepipe/pkg/models"
)

const payloadSchemaVersion = "1.0"

// ErrRetriesExhausted marks a job that has consumed its full retry budget
// and has been moved to the terminal INVALID state.
var ErrRetriesExhausted = errors.New("job retries exhausted")

const jobStatusCacheTTL = 10 * time.Minute

// ErrorPayload is the structured last_error stored on a job after a failed
// attempt.
type ErrorPayload struct {
	Error   string    `json:"error"`
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
}

// Service is the job orchestrator: it creates jobs from change records,
// dispatches them to the worker, and drives the retry/backoff state machine.
type Service struct {
	store  store.Store
	worker worker.Client
	cache  cache.Cache
	logger *slog.Logger
	cfg    config.JobsConfig

	// owner identifies this instance in job lock columns.
	owner string
}

func NewService(st store.Store, wc worker.Client, c cache.Cache, logger *slog.Logger, cfg config.JobsConfig, owner string) *Service {
	return &Service{store: st, worker: wc, cache: c, logger: logger, cfg: cfg, owner: owner}
}

// IdempotencyKey derives the payload idempotency key from the file id and
// the detection timestamp, so a recurring file yields a distinct key per
// detection event.
func IdempotencyKey(fileID string, detectedAt time.Time) string {
	return fmt.Sprintf("%s_%s", fileID, detectedAt.UTC().Format("20060102150405"))
}

// CreateFromChangeLog turns one unprocessed Upload/Modified record into a
// PENDING job, unless an active job already exists for the same file. The
// change record is marked processed either way so it is not revisited.
// Initial dispatch is best-effort: the worker polls independently, so a
// dispatch error here does not consume a retry attempt.
func (s *Service) CreateFromChangeLog(ctx context.Context, log *models.ChangeLog) (*models.Job, error) {
	existing, err := s.store.GetActiveJobForFile(ctx, log.FileID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	if existing != nil {
		s.logger.Info("skipping job creation, active job exists",
			"file_id", log.FileID, "job_id", existing.ID)
		if err := s.store.MarkChangeLogProcessed(ctx, log.ID); err != nil {
			return nil, fmt.Errorf("mark change log processed: %w", err)
		}
		return nil, nil
	}

	payload := models.JobPayload{
		FileID:         log.FileID,
		OriginalName:   log.FileName,
		VendorID:       log.VendorID,
		SchemaVersion:  payloadSchemaVersion,
		IdempotencyKey: IdempotencyKey(log.FileID, log.DetectedAt),
		DetectedAt:     log.DetectedAt,
	}
	if log.MimeType != nil {
		payload.MimeType = *log.MimeType
	}
	if log.FileSize != nil {
		payload.FileSize = *log.FileSize
	}
	if log.ModifiedBy != nil {
		payload.Uploader = *log.ModifiedBy
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:        uuid.New(),
		JobType:   models.JobTypeInvoiceExtraction,
		Payload:   raw,
		Status:    models.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := s.store.MarkChangeLogProcessed(ctx, log.ID); err != nil {
		return nil, fmt.Errorf("mark change log processed: %w", err)
	}
	s.cacheStatus(ctx, job.ID, job.Status)
	s.logger.Info("job created", "job_id", job.ID, "file_id", log.FileID)

	if err := s.worker.Dispatch(ctx, job); err != nil {
		s.logger.Warn("initial dispatch failed, worker will poll",
			"job_id", job.ID, "error", err)
	}
	return job, nil
}

// HandleFailure consumes one retry attempt. Below the ceiling the job goes
// back to PENDING with an exponential backoff delay; the attempt that
// reaches the ceiling makes it INVALID and records a terminal
// InvalidInvoice.
func (s *Service) HandleFailure(ctx context.Context, job *models.Job, reason string) error {
	attempt := job.RetryCount + 1
	errPayload, err := json.Marshal(ErrorPayload{Error: reason, Attempt: attempt, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal error payload: %w", err)
	}

	if attempt < models.MaxRetries {
		delay := backoffDelay(attempt)
		nextRetryAt := time.Now().UTC().Add(delay)
		if err := s.store.ScheduleJobRetry(ctx, job.ID, attempt, nextRetryAt, errPayload); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		s.cacheStatus(ctx, job.ID, models.JobStatusPending)
		s.logger.Warn("job attempt failed, retry scheduled",
			"job_id", job.ID, "attempt", attempt, "next_retry_at", nextRetryAt, "reason", reason)
		return nil
	}

	if err := s.MarkInvalid(ctx, job, errPayload); err != nil {
		return err
	}
	return ErrRetriesExhausted
}

// MarkInvalid moves a job to the terminal INVALID state and records the
// invalid-invoice reason. Safe to call twice for the same job: the invoice
// record is an upsert, and an already terminal job is left untouched.
func (s *Service) MarkInvalid(ctx context.Context, job *models.Job, reason json.RawMessage) error {
	if err := s.store.MarkJobInvalid(ctx, job.ID, reason); err != nil && !errors.Is(err, store.ErrIllegalTransition) {
		return fmt.Errorf("mark job invalid: %w", err)
	}
	s.cacheStatus(ctx, job.ID, models.JobStatusInvalid)

	inv := &models.InvalidInvoice{
		ID:        uuid.New(),
		JobID:     job.ID,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	var payload models.JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err == nil {
		fileID, fileName := payload.FileID, payload.OriginalName
		inv.FileID = &fileID
		inv.FileName = &fileName
		inv.VendorID = payload.VendorID
	}
	if err := s.store.UpsertInvalidInvoice(ctx, inv); err != nil {
		return fmt.Errorf("record invalid invoice: %w", err)
	}
	s.logger.Error("job marked invalid", "job_id", job.ID)
	return nil
}

// Requeue resets a FAILED or INVALID job for another full round of
// attempts. Only reachable through the admin API.
func (s *Service) Requeue(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	if err := s.store.DeleteInvalidInvoiceByJob(ctx, jobID); err != nil {
		return nil, fmt.Errorf("delete invalid invoice: %w", err)
	}
	if err := s.store.RequeueJob(ctx, jobID); err != nil {
		return nil, err
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.cacheStatus(ctx, job.ID, job.Status)
	s.logger.Info("job requeued", "job_id", jobID)

	if err := s.worker.Dispatch(ctx, job); err != nil {
		s.logger.Warn("requeue dispatch failed, retry sweep will pick it up",
			"job_id", jobID, "error", err)
	}
	return job, nil
}

func (s *Service) cacheStatus(ctx context.Context, jobID uuid.UUID, status string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetJobStatus(ctx, jobID, status, jobStatusCacheTTL); err != nil {
		s.logger.Debug("caching job status failed", "job_id", jobID, "error", err)
	}
}

// backoffDelay returns the wait before the given attempt, doubling each
// time: 1 minute, then 2.
func backoffDelay(attempt int) time.Duration {
	return time.Duration(1<<(attempt-1)) * time.Minute
}
