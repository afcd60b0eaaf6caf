package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/invoicepipe/invoicepipe/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Vendors ---

func (s *PostgresStore) GetVendorByID(ctx context.Context, id uuid.UUID) (*models.Vendor, error) {
	var v models.Vendor
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, name, key_hash, key_prefix, approved, last_seen_at, created_at, updated_at
		 FROM vendors WHERE id = $1`, id,
	).Scan(&v.ID, &v.Email, &v.Name, &v.KeyHash, &v.KeyPrefix, &v.Approved,
		&v.LastSeenAt, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get vendor: %w", err)
	}
	return &v, nil
}

func (s *PostgresStore) GetVendorsByKeyPrefix(ctx context.Context, prefix string) ([]*models.Vendor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, email, name, key_hash, key_prefix, approved, last_seen_at, created_at, updated_at
		 FROM vendors WHERE key_prefix = $1`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get vendors by key prefix: %w", err)
	}
	defer rows.Close()

	var vendors []*models.Vendor
	for rows.Next() {
		var v models.Vendor
		if err := rows.Scan(&v.ID, &v.Email, &v.Name, &v.KeyHash, &v.KeyPrefix, &v.Approved,
			&v.LastSeenAt, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan vendor: %w", err)
		}
		vendors = append(vendors, &v)
	}
	return vendors, rows.Err()
}

func (s *PostgresStore) CreateVendor(ctx context.Context, v *models.Vendor) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO vendors (id, email, name, key_hash, key_prefix, approved, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		v.ID, v.Email, v.Name, v.KeyHash, v.KeyPrefix, v.Approved, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create vendor: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchVendorLastSeen(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE vendors SET last_seen_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch vendor last seen: %w", err)
	}
	return nil
}

// --- Change Logs ---

func (s *PostgresStore) CreateChangeLogs(ctx context.Context, logs []*models.ChangeLog) error {
	if len(logs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, l := range logs {
		batch.Queue(
			`INSERT INTO change_logs
			   (file_id, file_name, change_type, mime_type, file_size, modified_by,
			    drive_modified_at, detected_at, processed, vendor_id,
			    security_status, security_fail_reason, security_checked_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 RETURNING id`,
			l.FileID, l.FileName, l.ChangeType, l.MimeType, l.FileSize, l.ModifiedBy,
			l.DriveModifiedAt, l.DetectedAt, l.Processed, l.VendorID,
			l.SecurityStatus, l.SecurityFailReason, l.SecurityCheckedAt)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for _, l := range logs {
		if err := results.QueryRow().Scan(&l.ID); err != nil {
			return fmt.Errorf("insert change log for %s: %w", l.FileID, err)
		}
	}
	return nil
}

// GetUnprocessedChangeLogs returns Upload and Modified events that do not
// yet have a job, oldest first. Events flagged unhealthy by the upload
// security pipeline are never job candidates.
func (s *PostgresStore) GetUnprocessedChangeLogs(ctx context.Context, limit int) ([]*models.ChangeLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, file_id, file_name, change_type, mime_type, file_size, modified_by,
		        drive_modified_at, detected_at, processed, processed_at, vendor_id,
		        security_status, security_fail_reason, security_checked_at
		 FROM change_logs
		 WHERE NOT processed
		   AND change_type IN ($1, $2)
		   AND security_status <> $3
		 ORDER BY detected_at ASC
		 LIMIT $4`,
		models.ChangeTypeUpload, models.ChangeTypeModified, models.SecurityStatusUnhealthy, limit)
	if err != nil {
		return nil, fmt.Errorf("get unprocessed change logs: %w", err)
	}
	defer rows.Close()

	return scanChangeLogs(rows)
}

func (s *PostgresStore) MarkChangeLogProcessed(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE change_logs SET processed = TRUE, processed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark change log processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRecentUnhealthyLog finds an unhealthy record for the same vendor, file
// name and size inside the dedup window, newest first.
func (s *PostgresStore) GetRecentUnhealthyLog(ctx context.Context, vendorID uuid.UUID, fileName string, fileSize int64, window time.Duration) (*models.ChangeLog, error) {
	var l models.ChangeLog
	err := s.pool.QueryRow(ctx,
		`SELECT id, file_id, file_name, change_type, mime_type, file_size, modified_by,
		        drive_modified_at, detected_at, processed, processed_at, vendor_id,
		        security_status, security_fail_reason, security_checked_at
		 FROM change_logs
		 WHERE vendor_id = $1 AND file_name = $2 AND file_size = $3
		   AND security_status = $4 AND detected_at >= $5
		 ORDER BY detected_at DESC
		 LIMIT 1`,
		vendorID, fileName, fileSize, models.SecurityStatusUnhealthy, time.Now().UTC().Add(-window),
	).Scan(&l.ID, &l.FileID, &l.FileName, &l.ChangeType, &l.MimeType, &l.FileSize, &l.ModifiedBy,
		&l.DriveModifiedAt, &l.DetectedAt, &l.Processed, &l.ProcessedAt, &l.VendorID,
		&l.SecurityStatus, &l.SecurityFailReason, &l.SecurityCheckedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recent unhealthy log: %w", err)
	}
	return &l, nil
}

// TrackedFiles reconstructs the latest known state per file id from the
// change history. Files whose most recent event is a deletion are excluded.
func (s *PostgresStore) TrackedFiles(ctx context.Context) ([]TrackedFile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (file_id) file_id, file_name, change_type,
		        COALESCE(drive_modified_at, detected_at) AS modified_at
		 FROM change_logs
		 ORDER BY file_id, detected_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tracked files: %w", err)
	}
	defer rows.Close()

	var files []TrackedFile
	for rows.Next() {
		var f TrackedFile
		var changeType string
		if err := rows.Scan(&f.FileID, &f.FileName, &changeType, &f.ModifiedAt); err != nil {
			return nil, fmt.Errorf("scan tracked file: %w", err)
		}
		if changeType == models.ChangeTypeDeleted {
			continue
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func scanChangeLogs(rows pgx.Rows) ([]*models.ChangeLog, error) {
	var logs []*models.ChangeLog
	for rows.Next() {
		var l models.ChangeLog
		if err := rows.Scan(&l.ID, &l.FileID, &l.FileName, &l.ChangeType, &l.MimeType, &l.FileSize,
			&l.ModifiedBy, &l.DriveModifiedAt, &l.DetectedAt, &l.Processed, &l.ProcessedAt,
			&l.VendorID, &l.SecurityStatus, &l.SecurityFailReason, &l.SecurityCheckedAt); err != nil {
			return nil, fmt.Errorf("scan change log: %w", err)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
