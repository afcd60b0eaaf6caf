package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/invoicepipe/invoicepipe/internal/api/middleware"
	"github.com/invoicepipe/invoicepipe/internal/api/response"
	"github.com/invoicepipe/invoicepipe/internal/drive"
	"github.com/invoicepipe/invoicepipe/internal/security"
	"github.com/invoicepipe/invoicepipe/internal/store"
	"github.com/invoicepipe/invoicepipe/pkg/models"
)

const (
	maxUploadBytes = 25 << 20 // 25 MiB

	// rejectionDedupWindow suppresses duplicate Unhealthy records when a
	// client retries the same rejected file in quick succession.
	rejectionDedupWindow = 30 * time.Second
)

// NewUploadHandler returns the handler for POST /api/v1/invoices/upload.
// The file is validated entirely in memory; nothing touches Drive or the
// job queue until the security pipeline passes.
func NewUploadHandler(st store.Store, drv drive.Client, pipeline *security.Pipeline, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vendor, ok := middleware.GetVendor(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing vendor", nil)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		file, header, err := r.FormFile("file")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"Multipart form must carry a 'file' field", nil)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read uploaded file", nil)
			return
		}

		name := sanitizeFileName(header.Filename)
		mime := header.Header.Get("Content-Type")

		result := pipeline.Validate(r.Context(), &security.File{Name: name, MimeType: mime, Data: data})
		now := time.Now().UTC()

		if !result.Healthy {
			recordRejection(r, st, vendor, name, mime, int64(len(data)), result, now, logger)
			response.Error(w, http.StatusUnprocessableEntity, "SECURITY_REJECTED", result.Message,
				map[string]string{"code": result.Code})
			return
		}

		storedName := fmt.Sprintf("%s_%s", uuid.NewString()[:8], name)
		info, err := drv.Upload(r.Context(), storedName, mime, data)
		if err != nil {
			logger.Error("drive upload failed", "vendor_id", vendor.ID, "file", name, "error", err)
			response.Error(w, http.StatusBadGateway, "STORAGE_UNAVAILABLE", "Failed to store the file", nil)
			return
		}

		size := int64(len(data))
		log := &models.ChangeLog{
			FileID:            info.ID,
			FileName:          storedName,
			ChangeType:        models.ChangeTypeUpload,
			MimeType:          &mime,
			FileSize:          &size,
			ModifiedBy:        &vendor.Email,
			DetectedAt:        now,
			VendorID:          &vendor.ID,
			SecurityStatus:    models.SecurityStatusHealthy,
			SecurityCheckedAt: &now,
		}
		if !info.ModifiedAt.IsZero() {
			log.DriveModifiedAt = &info.ModifiedAt
		}
		if err := st.CreateChangeLogs(r.Context(), []*models.ChangeLog{log}); err != nil {
			logger.Error("recording upload change failed", "file_id", info.ID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to queue the file", nil)
			return
		}

		logger.Info("vendor upload accepted",
			"vendor_id", vendor.ID, "file_id", info.ID, "file", storedName, "size", size)
		response.Accepted(w, map[string]any{
			"fileId":   info.ID,
			"fileName": storedName,
			"status":   "queued",
		})
	}
}

// recordRejection persists an Unhealthy change record for audit, deduped so
// a rapid client retry of the same file does not multiply records.
func recordRejection(r *http.Request, st store.Store, vendor *models.Vendor, name, mime string, size int64, result security.Result, now time.Time, logger *slog.Logger) {
	_, err := st.GetRecentUnhealthyLog(r.Context(), vendor.ID, name, size, rejectionDedupWindow)
	if err == nil {
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		logger.Error("rejection dedup lookup failed", "vendor_id", vendor.ID, "file", name, "error", err)
		return
	}

	reason := result.Code
	if result.Message != "" {
		reason = result.Code + ": " + result.Message
	}
	log := &models.ChangeLog{
		FileID:             "rejected-" + uuid.NewString(),
		FileName:           name,
		ChangeType:         models.ChangeTypeUpload,
		MimeType:           &mime,
		FileSize:           &size,
		ModifiedBy:         &vendor.Email,
		DetectedAt:         now,
		Processed:          true,
		VendorID:           &vendor.ID,
		SecurityStatus:     models.SecurityStatusUnhealthy,
		SecurityFailReason: &reason,
		SecurityCheckedAt:  &now,
	}
	if err := st.CreateChangeLogs(r.Context(), []*models.ChangeLog{log}); err != nil {
		logger.Error("recording rejection failed", "vendor_id", vendor.ID, "file", name, "error", err)
	}
}

// sanitizeFileName reduces a client-supplied filename to a safe basename.
func sanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_', r == ' ':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(strings.TrimSpace(b.String()), ".")
	if len(out) > 128 {
		out = out[len(out)-128:]
	}
	if out == "" {
		return "upload"
	}
	return out
}
