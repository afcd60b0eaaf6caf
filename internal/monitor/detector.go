package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/invoicepipe/invoicepipe/internal/drive"
	"github.com/invoicepipe/invoicepipe/internal/security"
	"github.com/invoicepipe/invoicepipe/internal/store"
	"github.com/invoicepipe/invoicepipe/pkg/models"
)

type trackedFile struct {
	name       string
	modifiedAt time.Time
}

// Detector polls the monitored folder and turns listing diffs into change
// records. The file cache is owned exclusively by the Run goroutine; a
// single ticker guarantees ticks never overlap, so no locking is needed.
type Detector struct {
	drive    drive.Client
	store    store.Store
	logger   *slog.Logger
	interval time.Duration

	files map[string]trackedFile
}

func NewDetector(driveClient drive.Client, st store.Store, logger *slog.Logger, interval time.Duration) *Detector {
	return &Detector{
		drive:    driveClient,
		store:    st,
		logger:   logger,
		interval: interval,
		files:    make(map[string]trackedFile),
	}
}

// Hydrate rebuilds the file cache from persisted change records so a
// restart does not re-emit Upload events for every known file.
func (d *Detector) Hydrate(ctx context.Context) error {
	tracked, err := d.store.TrackedFiles(ctx)
	if err != nil {
		return err
	}
	for _, f := range tracked {
		d.files[f.FileID] = trackedFile{name: f.FileName, modifiedAt: f.ModifiedAt}
	}
	d.logger.Info("change detector hydrated", "tracked_files", len(d.files))
	return nil
}

// Run polls until ctx is cancelled. Tick failures are logged and the next
// tick proceeds normally.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("change detector started", "interval", d.interval)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("change detector stopped")
			return
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.logger.Error("change detection tick failed", "error", err)
			}
		}
	}
}

// Tick performs one detection pass: list the folder, diff it against the
// cache, persist the resulting change records, then update the cache.
func (d *Detector) Tick(ctx context.Context) error {
	listing, err := d.drive.ListFolder(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var changes []*models.ChangeLog
	seen := make(map[string]bool, len(listing))

	for _, f := range listing {
		if !security.AllowedMimeType(f.MimeType) {
			// Disallowed files are dropped from tracking entirely so a
			// later rename to an allowed type shows up as a fresh upload.
			if _, tracked := d.files[f.ID]; tracked {
				d.logger.Warn("untracking file with disallowed type", "file_id", f.ID, "mime_type", f.MimeType)
			}
			delete(d.files, f.ID)
			continue
		}
		seen[f.ID] = true

		known, tracked := d.files[f.ID]
		switch {
		case !tracked:
			changes = append(changes, d.changeRecord(f, models.ChangeTypeUpload, now))
		case f.ModifiedAt.After(known.modifiedAt):
			changes = append(changes, d.changeRecord(f, models.ChangeTypeModified, now))
		}
	}

	for id, known := range d.files {
		if !seen[id] {
			changes = append(changes, &models.ChangeLog{
				FileID:         id,
				FileName:       known.name,
				ChangeType:     models.ChangeTypeDeleted,
				DetectedAt:     now,
				SecurityStatus: models.SecurityStatusPending,
			})
		}
	}

	if len(changes) > 0 {
		if err := d.store.CreateChangeLogs(ctx, changes); err != nil {
			return err
		}
		d.logger.Info("change records persisted", "count", len(changes))
	}

	// Replace cache contents only after the records are durable.
	next := make(map[string]trackedFile, len(listing))
	for _, f := range listing {
		if seen[f.ID] {
			next[f.ID] = trackedFile{name: f.Name, modifiedAt: f.ModifiedAt}
		}
	}
	d.files = next
	return nil
}

func (d *Detector) changeRecord(f drive.FileInfo, changeType string, now time.Time) *models.ChangeLog {
	mime := f.MimeType
	size := f.Size
	modifiedAt := f.ModifiedAt
	rec := &models.ChangeLog{
		FileID:          f.ID,
		FileName:        f.Name,
		ChangeType:      changeType,
		MimeType:        &mime,
		FileSize:        &size,
		DriveModifiedAt: &modifiedAt,
		DetectedAt:      now,
		SecurityStatus:  models.SecurityStatusPending,
	}
	if f.ModifiedBy != "" {
		modifiedBy := f.ModifiedBy
		rec.ModifiedBy = &modifiedBy
	}
	return rec
}
