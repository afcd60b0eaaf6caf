package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/invoicepipe/invoicepipe/pkg/models"
)

// retryBatchSize bounds how many due jobs one sweep will lease at once.
const retryBatchSize = 50

// RunRetryLoop periodically re-dispatches jobs whose backoff has elapsed.
// Jobs are leased atomically, so concurrent instances never double-dispatch.
func (s *Service) RunRetryLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RetryInterval)
	defer ticker.Stop()

	s.logger.Info("retry sweep started", "interval", s.cfg.RetryInterval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry sweep stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep claims all due PENDING jobs and attempts dispatch for each. Unlike
// initial creation, a dispatch error during a retry consumes an attempt: the
// backoff already promised this attempt would happen, so failing to start it
// is a processing failure.
func (s *Service) Sweep(ctx context.Context) {
	claimed, err := s.store.ClaimDueJobs(ctx, s.owner, time.Now().UTC(), s.cfg.LockLease, retryBatchSize)
	if err != nil {
		s.logger.Error("claiming due jobs failed", "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}
	s.logger.Info("due jobs claimed", "count", len(claimed))

	for _, job := range claimed {
		if err := s.worker.Dispatch(ctx, job); err != nil {
			if ferr := s.HandleFailure(ctx, job, "dispatch failed: "+err.Error()); ferr != nil &&
				!errors.Is(ferr, ErrRetriesExhausted) {
				s.logger.Error("handling dispatch failure failed", "job_id", job.ID, "error", ferr)
			}
			continue
		}

		if err := s.store.MarkJobProcessing(ctx, job.ID, s.owner); err != nil {
			s.logger.Error("marking job processing failed", "job_id", job.ID, "error", err)
			continue
		}
		s.cacheStatus(ctx, job.ID, models.JobStatusProcessing)
		s.logger.Info("job re-dispatched", "job_id", job.ID, "attempt", job.RetryCount)
	}
}
