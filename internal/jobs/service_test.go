package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoicepipe/invoicepipe/internal/config"
	"github.com/invoicepipe/invoicepipe/internal/jobs"
	"github.com/invoicepipe/invoicepipe/internal/store"
	"github.com/invoicepipe/invoicepipe/internal/store/storetest"
	"github.com/invoicepipe/invoicepipe/pkg/models"
)

type fakeWorker struct {
	dispatched []*models.Job
	err        error
}

func (f *fakeWorker) Dispatch(_ context.Context, job *models.Job) error {
	f.dispatched = append(f.dispatched, job)
	return f.err
}

func (f *fakeWorker) Ping(context.Context) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.JobsConfig {
	return config.JobsConfig{
		CreationInterval:  15 * time.Second,
		CreationBatchSize: 50,
		RetryInterval:     30 * time.Second,
		LockLease:         10 * time.Minute,
	}
}

func newService(t *testing.T) (*jobs.Service, *storetest.Store, *fakeWorker) {
	t.Helper()
	st := storetest.New()
	w := &fakeWorker{}
	svc := jobs.NewService(st, w, nil, testLogger(), testConfig(), "test-instance")
	return svc, st, w
}

func uploadLog(t *testing.T, st *storetest.Store, fileID string) *models.ChangeLog {
	t.Helper()
	mime := "application/pdf"
	size := int64(4096)
	log := &models.ChangeLog{
		FileID:         fileID,
		FileName:       "invoice.pdf",
		ChangeType:     models.ChangeTypeUpload,
		MimeType:       &mime,
		FileSize:       &size,
		DetectedAt:     time.Date(2026, 3, 5, 10, 30, 0, 0, time.UTC),
		SecurityStatus: models.SecurityStatusHealthy,
	}
	require.NoError(t, st.CreateChangeLogs(context.Background(), []*models.ChangeLog{log}))
	return log
}

func TestIdempotencyKey(t *testing.T) {
	at := time.Date(2026, 3, 5, 10, 30, 45, 0, time.UTC)
	assert.Equal(t, "file-1_20260305103045", jobs.IdempotencyKey("file-1", at))
}

func TestCreateFromChangeLog(t *testing.T) {
	svc, st, w := newService(t)
	log := uploadLog(t, st, "file-1")

	job, err := svc.CreateFromChangeLog(context.Background(), log)
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, models.JobTypeInvoiceExtraction, job.JobType)
	assert.Equal(t, 0, job.RetryCount)
	assert.True(t, log.Processed)

	var payload models.JobPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "file-1", payload.FileID)
	assert.Equal(t, "invoice.pdf", payload.OriginalName)
	assert.Equal(t, "application/pdf", payload.MimeType)
	assert.Equal(t, int64(4096), payload.FileSize)
	assert.Equal(t, "file-1_20260305103000", payload.IdempotencyKey)

	// Creation dispatches immediately.
	require.Len(t, w.dispatched, 1)
	assert.Equal(t, job.ID, w.dispatched[0].ID)
}

func TestCreateFromChangeLog_ActiveJobSkips(t *testing.T) {
	svc, st, w := newService(t)

	first := uploadLog(t, st, "file-1")
	job, err := svc.CreateFromChangeLog(context.Background(), first)
	require.NoError(t, err)
	require.NotNil(t, job)

	second := uploadLog(t, st, "file-1")
	dup, err := svc.CreateFromChangeLog(context.Background(), second)
	require.NoError(t, err)
	assert.Nil(t, dup)

	// The duplicate record is consumed anyway so the loop moves on.
	assert.True(t, second.Processed)
	assert.Len(t, st.Jobs, 1)
	assert.Len(t, w.dispatched, 1)
}

func TestCreateFromChangeLog_TerminalJobDoesNotBlock(t *testing.T) {
	svc, st, _ := newService(t)

	first := uploadLog(t, st, "file-1")
	job, err := svc.CreateFromChangeLog(context.Background(), first)
	require.NoError(t, err)
	require.NoError(t, st.MarkJobInvalid(context.Background(), job.ID, nil))

	second := uploadLog(t, st, "file-1")
	again, err := svc.CreateFromChangeLog(context.Background(), second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Len(t, st.Jobs, 2)
}

func TestCreateFromChangeLog_DispatchFailureIsNonFatal(t *testing.T) {
	svc, st, w := newService(t)
	w.err = errors.New("worker down")
	log := uploadLog(t, st, "file-1")

	job, err := svc.CreateFromChangeLog(context.Background(), log)
	require.NoError(t, err)
	require.NotNil(t, job)

	// The job stays PENDING with a clean retry budget; the worker polls.
	got := st.Jobs[job.ID]
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Nil(t, got.NextRetryAt)
}

func TestHandleFailure_BackoffDoubles(t *testing.T) {
	svc, st, _ := newService(t)
	log := uploadLog(t, st, "file-1")
	job, err := svc.CreateFromChangeLog(context.Background(), log)
	require.NoError(t, err)

	// Only the attempts below the ceiling schedule a retry.
	expected := []time.Duration{time.Minute, 2 * time.Minute}
	for i, delay := range expected {
		before := time.Now().UTC()
		require.NoError(t, svc.HandleFailure(context.Background(), st.Jobs[job.ID], "worker reported failure"))

		got := st.Jobs[job.ID]
		assert.Equal(t, models.JobStatusPending, got.Status)
		assert.Equal(t, i+1, got.RetryCount)
		require.NotNil(t, got.NextRetryAt)
		assert.WithinDuration(t, before.Add(delay), *got.NextRetryAt, 2*time.Second)

		var errPayload jobs.ErrorPayload
		require.NoError(t, json.Unmarshal(got.LastError, &errPayload))
		assert.Equal(t, i+1, errPayload.Attempt)
		assert.Equal(t, "worker reported failure", errPayload.Error)
	}
}

func TestHandleFailure_ExhaustionMarksInvalid(t *testing.T) {
	svc, st, _ := newService(t)
	log := uploadLog(t, st, "file-1")
	job, err := svc.CreateFromChangeLog(context.Background(), log)
	require.NoError(t, err)

	// The third consecutive failure is terminal.
	for i := 0; i < models.MaxRetries-1; i++ {
		require.NoError(t, svc.HandleFailure(context.Background(), st.Jobs[job.ID], "failure"))
	}
	err = svc.HandleFailure(context.Background(), st.Jobs[job.ID], "final failure")
	assert.ErrorIs(t, err, jobs.ErrRetriesExhausted)

	got := st.Jobs[job.ID]
	assert.Equal(t, models.JobStatusInvalid, got.Status)
	assert.Nil(t, got.NextRetryAt)

	inv, err := st.GetInvalidInvoiceByJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, inv.FileID)
	assert.Equal(t, "file-1", *inv.FileID)
}

func TestRequeue(t *testing.T) {
	svc, st, w := newService(t)
	log := uploadLog(t, st, "file-1")
	job, err := svc.CreateFromChangeLog(context.Background(), log)
	require.NoError(t, err)

	for i := 0; i < models.MaxRetries; i++ {
		_ = svc.HandleFailure(context.Background(), st.Jobs[job.ID], "failure")
	}
	require.Equal(t, models.JobStatusInvalid, st.Jobs[job.ID].Status)
	dispatchedBefore := len(w.dispatched)

	requeued, err := svc.Requeue(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, requeued.Status)
	assert.Equal(t, 0, requeued.RetryCount)

	// The terminal record is cleared and dispatch is attempted right away.
	_, err = st.GetInvalidInvoiceByJob(context.Background(), job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Len(t, w.dispatched, dispatchedBefore+1)
}

func TestRequeue_RejectsActiveJob(t *testing.T) {
	svc, st, _ := newService(t)
	log := uploadLog(t, st, "file-1")
	job, err := svc.CreateFromChangeLog(context.Background(), log)
	require.NoError(t, err)

	_, err = svc.Requeue(context.Background(), job.ID)
	assert.Error(t, err)
}

func TestSweep_DispatchesDueJobs(t *testing.T) {
	svc, st, w := newService(t)
	log := uploadLog(t, st, "file-1")
	job, err := svc.CreateFromChangeLog(context.Background(), log)
	require.NoError(t, err)
	dispatchedBefore := len(w.dispatched)

	// First failure schedules a retry in one minute; not due yet.
	require.NoError(t, svc.HandleFailure(context.Background(), st.Jobs[job.ID], "failure"))
	svc.Sweep(context.Background())
	assert.Len(t, w.dispatched, dispatchedBefore)

	// Force the retry time into the past and sweep again.
	due := time.Now().UTC().Add(-time.Second)
	st.Jobs[job.ID].NextRetryAt = &due
	svc.Sweep(context.Background())

	assert.Len(t, w.dispatched, dispatchedBefore+1)
	got := st.Jobs[job.ID]
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	require.NotNil(t, got.LockedBy)
	assert.Equal(t, "test-instance", *got.LockedBy)
}

func TestSweep_DispatchFailureConsumesRetry(t *testing.T) {
	svc, st, w := newService(t)
	log := uploadLog(t, st, "file-1")
	job, err := svc.CreateFromChangeLog(context.Background(), log)
	require.NoError(t, err)

	require.NoError(t, svc.HandleFailure(context.Background(), st.Jobs[job.ID], "failure"))
	due := time.Now().UTC().Add(-time.Second)
	st.Jobs[job.ID].NextRetryAt = &due

	w.err = errors.New("worker down")
	svc.Sweep(context.Background())

	got := st.Jobs[job.ID]
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.After(time.Now().UTC()))
}

func TestSweep_ExhaustedJobGoesInvalid(t *testing.T) {
	svc, st, w := newService(t)
	log := uploadLog(t, st, "file-1")
	job, err := svc.CreateFromChangeLog(context.Background(), log)
	require.NoError(t, err)

	for i := 0; i < models.MaxRetries-1; i++ {
		require.NoError(t, svc.HandleFailure(context.Background(), st.Jobs[job.ID], "failure"))
	}
	due := time.Now().UTC().Add(-time.Second)
	st.Jobs[job.ID].NextRetryAt = &due

	w.err = errors.New("worker down")
	svc.Sweep(context.Background())

	assert.Equal(t, models.JobStatusInvalid, st.Jobs[job.ID].Status)
	assert.Nil(t, st.Jobs[job.ID].NextRetryAt)
	_, err = st.GetInvalidInvoiceByJob(context.Background(), job.ID)
	require.NoError(t, err)
}
