// Package storetest provides an in-memory Store implementation for unit
// tests that don't need a real database.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/invoicepipe/invoicepipe/internal/store"
	"github.com/invoicepipe/invoicepipe/pkg/models"
)

// Store is a mutex-guarded in-memory implementation of store.Store. Error
// fields, when set, are returned by the corresponding method to simulate
// database failures.
type Store struct {
	mu sync.Mutex

	Vendors         map[uuid.UUID]*models.Vendor
	ChangeLogs      []*models.ChangeLog
	Jobs            map[uuid.UUID]*models.Job
	InvalidInvoices map[uuid.UUID]*models.InvalidInvoice // keyed by job id
	Invoices        map[string]*models.Invoice           // keyed by drive file id
	Products        map[string]*models.Product           // keyed by product id

	nextLogID int64

	CreateChangeLogsErr error
	CreateJobErr        error
	SaveExtractionErr   error
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		Vendors:         make(map[uuid.UUID]*models.Vendor),
		Jobs:            make(map[uuid.UUID]*models.Job),
		InvalidInvoices: make(map[uuid.UUID]*models.InvalidInvoice),
		Invoices:        make(map[string]*models.Invoice),
		Products:        make(map[string]*models.Product),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

// --- Vendors ---

func (s *Store) GetVendorByID(_ context.Context, id uuid.UUID) (*models.Vendor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.Vendors[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (s *Store) GetVendorsByKeyPrefix(_ context.Context, prefix string) ([]*models.Vendor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Vendor
	for _, v := range s.Vendors {
		if v.KeyPrefix == prefix {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *Store) CreateVendor(_ context.Context, v *models.Vendor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.Vendors {
		if existing.Email == v.Email || existing.ID == v.ID {
			return store.ErrDuplicateKey
		}
	}
	s.Vendors[v.ID] = v
	return nil
}

func (s *Store) TouchVendorLastSeen(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.Vendors[id]; ok {
		now := time.Now().UTC()
		v.LastSeenAt = &now
	}
	return nil
}

// --- Change Logs ---

func (s *Store) CreateChangeLogs(_ context.Context, logs []*models.ChangeLog) error {
	if s.CreateChangeLogsErr != nil {
		return s.CreateChangeLogsErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range logs {
		s.nextLogID++
		l.ID = s.nextLogID
		s.ChangeLogs = append(s.ChangeLogs, l)
	}
	return nil
}

func (s *Store) GetUnprocessedChangeLogs(_ context.Context, limit int) ([]*models.ChangeLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ChangeLog
	for _, l := range s.ChangeLogs {
		if l.Processed || l.SecurityStatus == models.SecurityStatusUnhealthy {
			continue
		}
		if l.ChangeType != models.ChangeTypeUpload && l.ChangeType != models.ChangeTypeModified {
			continue
		}
		out = append(out, l)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkChangeLogProcessed(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.ChangeLogs {
		if l.ID == id {
			now := time.Now().UTC()
			l.Processed = true
			l.ProcessedAt = &now
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) GetRecentUnhealthyLog(_ context.Context, vendorID uuid.UUID, fileName string, fileSize int64, window time.Duration) (*models.ChangeLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-window)
	for i := len(s.ChangeLogs) - 1; i >= 0; i-- {
		l := s.ChangeLogs[i]
		if l.SecurityStatus != models.SecurityStatusUnhealthy || l.VendorID == nil || *l.VendorID != vendorID {
			continue
		}
		if l.FileName != fileName || l.FileSize == nil || *l.FileSize != fileSize {
			continue
		}
		if l.DetectedAt.Before(cutoff) {
			continue
		}
		return l, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) TrackedFiles(_ context.Context) ([]store.TrackedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := make(map[string]*models.ChangeLog)
	for _, l := range s.ChangeLogs {
		latest[l.FileID] = l
	}
	var out []store.TrackedFile
	for id, l := range latest {
		if l.ChangeType == models.ChangeTypeDeleted {
			continue
		}
		modifiedAt := l.DetectedAt
		if l.DriveModifiedAt != nil {
			modifiedAt = *l.DriveModifiedAt
		}
		out = append(out, store.TrackedFile{FileID: id, FileName: l.FileName, ModifiedAt: modifiedAt})
	}
	return out, nil
}

// --- Jobs ---

func (s *Store) CreateJob(_ context.Context, job *models.Job) error {
	if s.CreateJobErr != nil {
		return s.CreateJobErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.Jobs[job.ID]; exists {
		return store.ErrDuplicateKey
	}
	s.Jobs[job.ID] = job
	return nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.Jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return job, nil
}

func (s *Store) GetActiveJobForFile(_ context.Context, fileID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.Jobs {
		if job.Status != models.JobStatusPending && job.Status != models.JobStatusProcessing {
			continue
		}
		var payload models.JobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			continue
		}
		if payload.FileID == fileID {
			return job, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListJobs(_ context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*models.Job
	for _, job := range s.Jobs {
		if filter.Status == "" || job.Status == filter.Status {
			matched = append(matched, job)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit
	if offset >= len(matched) {
		return nil, len(matched), nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], len(matched), nil
}

func (s *Store) MarkJobProcessing(_ context.Context, id uuid.UUID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.Jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if job.Status != models.JobStatusPending {
		return fmt.Errorf("%w: job %s is %s", store.ErrIllegalTransition, id, job.Status)
	}
	now := time.Now().UTC()
	job.Status = models.JobStatusProcessing
	job.LockedBy = &workerID
	job.LockedAt = &now
	return nil
}

func (s *Store) ScheduleJobRetry(_ context.Context, id uuid.UUID, retryCount int, nextRetryAt time.Time, lastError json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.Jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if job.Status != models.JobStatusPending && job.Status != models.JobStatusProcessing {
		return fmt.Errorf("%w: job %s is %s", store.ErrIllegalTransition, id, job.Status)
	}
	job.Status = models.JobStatusPending
	job.RetryCount = retryCount
	job.NextRetryAt = &nextRetryAt
	job.LastError = lastError
	job.LockedBy = nil
	job.LockedAt = nil
	return nil
}

func (s *Store) MarkJobInvalid(_ context.Context, id uuid.UUID, lastError json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.Jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if job.Status != models.JobStatusPending && job.Status != models.JobStatusProcessing {
		return fmt.Errorf("%w: job %s is %s", store.ErrIllegalTransition, id, job.Status)
	}
	job.Status = models.JobStatusInvalid
	if lastError != nil {
		job.LastError = lastError
	}
	job.NextRetryAt = nil
	job.LockedBy = nil
	job.LockedAt = nil
	return nil
}

func (s *Store) RequeueJob(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.Jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if job.Status != models.JobStatusFailed && job.Status != models.JobStatusInvalid {
		return fmt.Errorf("%w: job %s is %s", store.ErrIllegalTransition, id, job.Status)
	}
	now := time.Now().UTC()
	job.Status = models.JobStatusPending
	job.RetryCount = 0
	job.NextRetryAt = &now
	job.LastError = nil
	job.LockedBy = nil
	job.LockedAt = nil
	return nil
}

func (s *Store) ClaimDueJobs(_ context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, job := range s.Jobs {
		if job.Status != models.JobStatusPending || job.NextRetryAt == nil || job.NextRetryAt.After(now) {
			continue
		}
		if job.LockedAt != nil && job.LockedAt.After(now.Add(-lease)) {
			continue
		}
		lockedAt := now
		ownerCopy := owner
		job.LockedBy = &ownerCopy
		job.LockedAt = &lockedAt
		out = append(out, job)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- Invalid Invoices ---

func (s *Store) UpsertInvalidInvoice(_ context.Context, inv *models.InvalidInvoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.InvalidInvoices[inv.JobID]; ok {
		existing.Reason = inv.Reason
		return nil
	}
	s.InvalidInvoices[inv.JobID] = inv
	return nil
}

func (s *Store) GetInvalidInvoiceByJob(_ context.Context, jobID uuid.UUID) (*models.InvalidInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.InvalidInvoices[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return inv, nil
}

func (s *Store) DeleteInvalidInvoiceByJob(_ context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.InvalidInvoices, jobID)
	return nil
}

// --- Invoices / Products ---

func (s *Store) GetInvoice(_ context.Context, id uuid.UUID) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.Invoices {
		if inv.ID == id {
			return inv, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetInvoiceByFileID(_ context.Context, fileID string) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.Invoices[fileID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return inv, nil
}

func (s *Store) GetProduct(_ context.Context, _ *uuid.UUID, productID string) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

// SaveExtraction mirrors the relational implementation closely enough for
// service-level tests: invoice identity per file id, wholesale line
// replacement, netted product aggregates, and COMPLETED job transition.
func (s *Store) SaveExtraction(_ context.Context, save store.ExtractionSave) (*models.Invoice, error) {
	if s.SaveExtractionErr != nil {
		return nil, s.SaveExtractionErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.Jobs[save.JobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if job.Status != models.JobStatusPending && job.Status != models.JobStatusProcessing {
		return nil, fmt.Errorf("%w: job %s is %s", store.ErrIllegalTransition, save.JobID, job.Status)
	}

	now := time.Now().UTC()
	inv, exists := s.Invoices[save.FileID]
	if exists {
		distinct := make(map[uuid.UUID]bool)
		for _, line := range inv.Lines {
			p := s.productByRef(line.ProductRef)
			if p == nil {
				continue
			}
			p.TotalQuantitySold -= line.Quantity
			p.TotalRevenue -= line.Amount
			if !distinct[p.ID] {
				p.InvoiceCount--
				distinct[p.ID] = true
			}
		}
	} else {
		inv = &models.Invoice{ID: uuid.New(), DriveFileID: save.FileID, CreatedAt: now}
		s.Invoices[save.FileID] = inv
	}

	header := save.Header
	header.ID = inv.ID
	header.DriveFileID = save.FileID
	header.OriginalFileName = save.FileName
	header.CreatedAt = inv.CreatedAt
	header.UpdatedAt = now
	*inv = header

	soldDate := now
	if inv.InvoiceDate != nil {
		soldDate = *inv.InvoiceDate
	}

	counted := make(map[uuid.UUID]bool)
	for _, line := range save.Lines {
		p, ok := s.Products[line.ProductID]
		if !ok {
			rate := line.UnitRate
			p = &models.Product{
				ID: uuid.New(), VendorID: save.VendorID, ProductID: line.ProductID,
				ProductName: line.ProductName, Category: line.Category,
				DefaultUnitRate: &rate, CreatedAt: now, UpdatedAt: now,
			}
			s.Products[line.ProductID] = p
		}
		p.TotalQuantitySold += line.Quantity
		p.TotalRevenue += line.Amount
		if !counted[p.ID] {
			p.InvoiceCount++
			counted[p.ID] = true
		}
		if p.LastSoldDate == nil || soldDate.After(*p.LastSoldDate) {
			d := soldDate
			p.LastSoldDate = &d
		}
		inv.Lines = append(inv.Lines, &models.InvoiceLine{
			ID: uuid.New(), InvoiceID: inv.ID, ProductRef: p.ID,
			ProductID: line.ProductID, ProductName: line.ProductName, Category: line.Category,
			Quantity: line.Quantity, UnitRate: line.UnitRate, Amount: line.Amount, CreatedAt: now,
		})
	}

	job.Status = models.JobStatusCompleted
	job.LockedBy = nil
	job.LockedAt = nil
	job.LastError = nil
	return inv, nil
}

func (s *Store) productByRef(ref uuid.UUID) *models.Product {
	for _, p := range s.Products {
		if p.ID == ref {
			return p
		}
	}
	return nil
}
