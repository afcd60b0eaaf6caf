package monitor_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoicepipe/invoicepipe/internal/drive"
	"github.com/invoicepipe/invoicepipe/internal/monitor"
	"github.com/invoicepipe/invoicepipe/internal/store/storetest"
	"github.com/invoicepipe/invoicepipe/pkg/models"
)

type fakeDrive struct {
	files   []drive.FileInfo
	listErr error
}

func (f *fakeDrive) ListFolder(context.Context) ([]drive.FileInfo, error) {
	return f.files, f.listErr
}

func (f *fakeDrive) Upload(context.Context, string, string, []byte) (*drive.FileInfo, error) {
	return nil, errors.New("not implemented")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pdfFile(id, name string, modifiedAt time.Time) drive.FileInfo {
	return drive.FileInfo{ID: id, Name: name, MimeType: "application/pdf", Size: 1024, ModifiedAt: modifiedAt}
}

func changeTypes(logs []*models.ChangeLog) map[string]string {
	out := make(map[string]string)
	for _, l := range logs {
		out[l.FileID] = l.ChangeType
	}
	return out
}

func TestTick_NewFilesEmitUpload(t *testing.T) {
	now := time.Now().UTC()
	fd := &fakeDrive{files: []drive.FileInfo{
		pdfFile("f1", "a.pdf", now),
		pdfFile("f2", "b.pdf", now),
	}}
	st := storetest.New()
	d := monitor.NewDetector(fd, st, testLogger(), time.Hour)

	require.NoError(t, d.Tick(context.Background()))

	require.Len(t, st.ChangeLogs, 2)
	types := changeTypes(st.ChangeLogs)
	assert.Equal(t, models.ChangeTypeUpload, types["f1"])
	assert.Equal(t, models.ChangeTypeUpload, types["f2"])

	// A second identical listing emits nothing new.
	require.NoError(t, d.Tick(context.Background()))
	assert.Len(t, st.ChangeLogs, 2)
}

func TestTick_ModifiedFileDetected(t *testing.T) {
	now := time.Now().UTC()
	fd := &fakeDrive{files: []drive.FileInfo{pdfFile("f1", "a.pdf", now)}}
	st := storetest.New()
	d := monitor.NewDetector(fd, st, testLogger(), time.Hour)

	require.NoError(t, d.Tick(context.Background()))

	// Same modification time: no event. Strictly newer: Modified.
	require.NoError(t, d.Tick(context.Background()))
	require.Len(t, st.ChangeLogs, 1)

	fd.files = []drive.FileInfo{pdfFile("f1", "a.pdf", now.Add(time.Minute))}
	require.NoError(t, d.Tick(context.Background()))
	require.Len(t, st.ChangeLogs, 2)
	assert.Equal(t, models.ChangeTypeModified, st.ChangeLogs[1].ChangeType)
}

func TestTick_VanishedFileEmitsDeleted(t *testing.T) {
	now := time.Now().UTC()
	fd := &fakeDrive{files: []drive.FileInfo{pdfFile("f1", "a.pdf", now)}}
	st := storetest.New()
	d := monitor.NewDetector(fd, st, testLogger(), time.Hour)

	require.NoError(t, d.Tick(context.Background()))

	fd.files = nil
	require.NoError(t, d.Tick(context.Background()))
	require.Len(t, st.ChangeLogs, 2)
	assert.Equal(t, models.ChangeTypeDeleted, st.ChangeLogs[1].ChangeType)
	assert.Equal(t, "a.pdf", st.ChangeLogs[1].FileName)

	// The deleted file is no longer tracked, so it stays quiet.
	require.NoError(t, d.Tick(context.Background()))
	assert.Len(t, st.ChangeLogs, 2)
}

func TestTick_DisallowedTypeSkippedAndUntracked(t *testing.T) {
	now := time.Now().UTC()
	fd := &fakeDrive{files: []drive.FileInfo{
		pdfFile("f1", "a.pdf", now),
		{ID: "f2", Name: "b.zip", MimeType: "application/zip", ModifiedAt: now},
	}}
	st := storetest.New()
	d := monitor.NewDetector(fd, st, testLogger(), time.Hour)

	require.NoError(t, d.Tick(context.Background()))

	require.Len(t, st.ChangeLogs, 1)
	assert.Equal(t, "f1", st.ChangeLogs[0].FileID)

	// The disallowed file never entered the cache, so its disappearance
	// does not produce a Deleted event either.
	fd.files = []drive.FileInfo{pdfFile("f1", "a.pdf", now)}
	require.NoError(t, d.Tick(context.Background()))
	assert.Len(t, st.ChangeLogs, 1)
}

func TestTick_ListErrorLeavesCacheIntact(t *testing.T) {
	now := time.Now().UTC()
	fd := &fakeDrive{files: []drive.FileInfo{pdfFile("f1", "a.pdf", now)}}
	st := storetest.New()
	d := monitor.NewDetector(fd, st, testLogger(), time.Hour)

	require.NoError(t, d.Tick(context.Background()))

	fd.listErr = errors.New("drive down")
	assert.Error(t, d.Tick(context.Background()))

	// Recovery tick sees no changes rather than re-detecting everything.
	fd.listErr = nil
	require.NoError(t, d.Tick(context.Background()))
	assert.Len(t, st.ChangeLogs, 1)
}

func TestTick_PersistFailureDoesNotAdvanceCache(t *testing.T) {
	now := time.Now().UTC()
	fd := &fakeDrive{files: []drive.FileInfo{pdfFile("f1", "a.pdf", now)}}
	st := storetest.New()
	st.CreateChangeLogsErr = errors.New("db down")
	d := monitor.NewDetector(fd, st, testLogger(), time.Hour)

	assert.Error(t, d.Tick(context.Background()))

	// Once the store recovers, the upload is re-detected.
	st.CreateChangeLogsErr = nil
	require.NoError(t, d.Tick(context.Background()))
	require.Len(t, st.ChangeLogs, 1)
	assert.Equal(t, models.ChangeTypeUpload, st.ChangeLogs[0].ChangeType)
}

func TestHydrate_RestoresTrackingFromHistory(t *testing.T) {
	now := time.Now().UTC()
	st := storetest.New()
	mod := now.Add(-time.Hour)
	require.NoError(t, st.CreateChangeLogs(context.Background(), []*models.ChangeLog{
		{FileID: "f1", FileName: "a.pdf", ChangeType: models.ChangeTypeUpload,
			DriveModifiedAt: &mod, DetectedAt: now.Add(-2 * time.Hour),
			SecurityStatus: models.SecurityStatusPending},
	}))

	fd := &fakeDrive{files: []drive.FileInfo{pdfFile("f1", "a.pdf", mod)}}
	d := monitor.NewDetector(fd, st, testLogger(), time.Hour)
	require.NoError(t, d.Hydrate(context.Background()))

	// The hydrated file is already known; no fresh Upload event.
	require.NoError(t, d.Tick(context.Background()))
	assert.Len(t, st.ChangeLogs, 1)

	// But a newer modification still registers.
	fd.files = []drive.FileInfo{pdfFile("f1", "a.pdf", mod.Add(time.Minute))}
	require.NoError(t, d.Tick(context.Background()))
	require.Len(t, st.ChangeLogs, 2)
	assert.Equal(t, models.ChangeTypeModified, st.ChangeLogs[1].ChangeType)
}
