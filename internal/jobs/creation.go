package jobs

import (
	"context"
	"time"
)

// RunCreationLoop periodically drains unprocessed change records into jobs.
// Individual record failures are logged and skipped so one bad record cannot
// wedge the whole batch.
func (s *Service) RunCreationLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CreationInterval)
	defer ticker.Stop()

	s.logger.Info("job creation loop started",
		"interval", s.cfg.CreationInterval, "batch_size", s.cfg.CreationBatchSize)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("job creation loop stopped")
			return
		case <-ticker.C:
			s.createBatch(ctx)
		}
	}
}

func (s *Service) createBatch(ctx context.Context) {
	logs, err := s.store.GetUnprocessedChangeLogs(ctx, s.cfg.CreationBatchSize)
	if err != nil {
		s.logger.Error("fetching unprocessed change records failed", "error", err)
		return
	}

	for _, log := range logs {
		if _, err := s.CreateFromChangeLog(ctx, log); err != nil {
			s.logger.Error("job creation failed",
				"change_log_id", log.ID, "file_id", log.FileID, "error", err)
		}
	}
}
