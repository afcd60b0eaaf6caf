package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/invoicepipe/invoicepipe/pkg/models"
)

const jobColumns = `id, job_type, payload, status, retry_count, locked_by, locked_at,
	next_retry_at, last_error, created_at, updated_at`

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, job_type, payload, status, retry_count, next_retry_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.JobType, job.Payload, job.Status, job.RetryCount, job.NextRetryAt,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var j models.Job
	err := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.JobType, &j.Payload, &j.Status, &j.RetryCount, &j.LockedBy, &j.LockedAt,
		&j.NextRetryAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &j, nil
}

// GetActiveJobForFile returns the newest PENDING or PROCESSING job whose
// payload references fileID, or ErrNotFound.
func (s *PostgresStore) GetActiveJobForFile(ctx context.Context, fileID string) (*models.Job, error) {
	var j models.Job
	err := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE payload ->> 'fileId' = $1 AND status IN ($2, $3)
		 ORDER BY created_at DESC
		 LIMIT 1`,
		fileID, models.JobStatusPending, models.JobStatusProcessing,
	).Scan(&j.ID, &j.JobType, &j.Payload, &j.Status, &j.RetryCount, &j.LockedBy, &j.LockedAt,
		&j.NextRetryAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active job for file: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM jobs WHERE " + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	dataQuery := fmt.Sprintf(
		`SELECT `+jobColumns+` FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		var j models.Job
		if err := rows.Scan(&j.ID, &j.JobType, &j.Payload, &j.Status, &j.RetryCount, &j.LockedBy,
			&j.LockedAt, &j.NextRetryAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, total, rows.Err()
}

// MarkJobProcessing transitions a job from PENDING to PROCESSING and records
// the worker holding it. Returns ErrIllegalTransition if the job is in any
// other state.
func (s *PostgresStore) MarkJobProcessing(ctx context.Context, id uuid.UUID, workerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, locked_by = $3, locked_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = $4`,
		id, models.JobStatusProcessing, workerID, models.JobStatusPending)
	if err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, id)
	}
	return nil
}

// ScheduleJobRetry puts a PROCESSING or PENDING job back to PENDING with the
// next attempt time and releases the lock.
func (s *PostgresStore) ScheduleJobRetry(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt time.Time, lastError json.RawMessage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs
		 SET status = $2, retry_count = $3, next_retry_at = $4, last_error = $5,
		     locked_by = NULL, locked_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND status IN ($6, $7)`,
		id, models.JobStatusPending, retryCount, nextRetryAt, lastError,
		models.JobStatusPending, models.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("schedule job retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, id)
	}
	return nil
}

// MarkJobInvalid moves a job to the terminal INVALID state, releasing the
// lock and clearing retry scheduling. Already terminal jobs are rejected.
func (s *PostgresStore) MarkJobInvalid(ctx context.Context, id uuid.UUID, lastError json.RawMessage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs
		 SET status = $2, last_error = COALESCE($3, last_error),
		     next_retry_at = NULL, locked_by = NULL, locked_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND status IN ($4, $5)`,
		id, models.JobStatusInvalid, lastError,
		models.JobStatusPending, models.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("mark job invalid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, id)
	}
	return nil
}

// RequeueJob resets a FAILED or INVALID job to PENDING with a zero retry
// count so the retry sweep picks it up immediately.
func (s *PostgresStore) RequeueJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs
		 SET status = $2, retry_count = 0, next_retry_at = NOW(), last_error = NULL,
		     locked_by = NULL, locked_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND status IN ($3, $4)`,
		id, models.JobStatusPending, models.JobStatusFailed, models.JobStatusInvalid)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, id)
	}
	return nil
}

// ClaimDueJobs atomically leases due PENDING jobs for owner. A job is due
// when next_retry_at has passed and no live lease is held on it. The
// conditional UPDATE makes concurrent sweeps safe: each job goes to exactly
// one claimant.
func (s *PostgresStore) ClaimDueJobs(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs
		 SET locked_by = $1, locked_at = $2, updated_at = NOW()
		 WHERE id IN (
		     SELECT id FROM jobs
		     WHERE status = $3
		       AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		       AND (locked_at IS NULL OR locked_at < $4)
		     ORDER BY next_retry_at ASC
		     LIMIT $5
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		owner, now, models.JobStatusPending, now.Add(-lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		var j models.Job
		if err := rows.Scan(&j.ID, &j.JobType, &j.Payload, &j.Status, &j.RetryCount, &j.LockedBy,
			&j.LockedAt, &j.NextRetryAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// transitionFailure distinguishes a missing job from one in the wrong state
// after a conditional update matched nothing.
func (s *PostgresStore) transitionFailure(ctx context.Context, id uuid.UUID) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return fmt.Errorf("%w: job %s is %s", ErrIllegalTransition, id, status)
}

// --- Invalid Invoices ---

// UpsertInvalidInvoice records why a job's document could not become an
// invoice. A second report for the same job overwrites the reason instead of
// erroring, so every write path can call this without coordination.
func (s *PostgresStore) UpsertInvalidInvoice(ctx context.Context, inv *models.InvalidInvoice) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO invalid_invoices (id, job_id, file_id, file_name, vendor_id, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (job_id) DO UPDATE SET reason = EXCLUDED.reason
		 RETURNING id, created_at`,
		inv.ID, inv.JobID, inv.FileID, inv.FileName, inv.VendorID, inv.Reason, inv.CreatedAt,
	).Scan(&inv.ID, &inv.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert invalid invoice: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInvalidInvoiceByJob(ctx context.Context, jobID uuid.UUID) (*models.InvalidInvoice, error) {
	var inv models.InvalidInvoice
	err := s.pool.QueryRow(ctx,
		`SELECT id, job_id, file_id, file_name, vendor_id, reason, created_at
		 FROM invalid_invoices WHERE job_id = $1`, jobID,
	).Scan(&inv.ID, &inv.JobID, &inv.FileID, &inv.FileName, &inv.VendorID, &inv.Reason, &inv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get invalid invoice by job: %w", err)
	}
	return &inv, nil
}

func (s *PostgresStore) DeleteInvalidInvoiceByJob(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM invalid_invoices WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete invalid invoice by job: %w", err)
	}
	return nil
}
