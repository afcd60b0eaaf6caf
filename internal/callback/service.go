package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/invoicepipe/invoicepipe/internal/invoice"
	"github.com/invoicepipe/invoicepipe/internal/jobs"
	"github.com/invoicepipe/invoicepipe/internal/store"
	"github.com/invoicepipe/invoicepipe/pkg/models"
)

// ErrBadCallback marks a callback whose shape is unusable: unknown status, or
// a COMPLETED report without a result payload.
var ErrBadCallback = errors.New("malformed callback")

// Request is the worker's asynchronous result report for one job.
type Request struct {
	JobID       uuid.UUID       `json:"jobId"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Reason      json.RawMessage `json:"reason,omitempty"`
	WorkerID    *string         `json:"workerId,omitempty"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
}

// Service reconciles worker callbacks into job transitions and invoice
// records.
type Service struct {
	store    store.Store
	jobs     *jobs.Service
	invoices *invoice.Service
	logger   *slog.Logger
}

func NewService(st store.Store, js *jobs.Service, is *invoice.Service, logger *slog.Logger) *Service {
	return &Service{store: st, jobs: js, invoices: is, logger: logger}
}

// Process applies one authenticated callback. Callbacks for jobs already in
// a terminal state are acknowledged without changes, so worker redelivery is
// harmless.
func (s *Service) Process(ctx context.Context, req *Request) error {
	job, err := s.store.GetJob(ctx, req.JobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		s.logger.Info("callback for terminal job acknowledged",
			"job_id", job.ID, "job_status", job.Status, "callback_status", req.Status)
		return nil
	}

	switch req.Status {
	case models.JobStatusCompleted:
		return s.handleCompleted(ctx, job, req)
	case models.JobStatusInvalid:
		return s.handleInvalid(ctx, job, req)
	case models.JobStatusFailed:
		return s.handleFailed(ctx, job, req)
	default:
		return fmt.Errorf("%w: unknown status %q", ErrBadCallback, req.Status)
	}
}

func (s *Service) handleCompleted(ctx context.Context, job *models.Job, req *Request) error {
	if len(req.Result) == 0 {
		return fmt.Errorf("%w: COMPLETED callback without result", ErrBadCallback)
	}
	inv, err := s.invoices.Materialize(ctx, job, req.Result)
	if err != nil {
		return err
	}
	s.logger.Info("callback completed job",
		"job_id", job.ID, "invoice_id", inv.ID, "worker_id", deref(req.WorkerID))
	return nil
}

func (s *Service) handleInvalid(ctx context.Context, job *models.Job, req *Request) error {
	reason := req.Reason
	if len(reason) == 0 {
		reason = json.RawMessage(`{"error":"worker reported document invalid"}`)
	}
	if err := s.jobs.MarkInvalid(ctx, job, reason); err != nil {
		return err
	}
	s.logger.Info("callback invalidated job", "job_id", job.ID)
	return nil
}

// handleFailed routes into the orchestrator's backoff path. Exhaustion is a
// normal outcome here, not an error: the orchestrator has already recorded
// the terminal InvalidInvoice by the time it reports it.
func (s *Service) handleFailed(ctx context.Context, job *models.Job, req *Request) error {
	reason := "worker reported failure"
	if len(req.Reason) > 0 {
		if err := json.Unmarshal(req.Reason, &reason); err != nil {
			reason = string(req.Reason)
		}
	}

	err := s.jobs.HandleFailure(ctx, job, reason)
	if errors.Is(err, jobs.ErrRetriesExhausted) {
		s.logger.Warn("job failed after exhausting retries", "job_id", job.ID, "reason", reason)
		return nil
	}
	return err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
