package callback_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoicepipe/invoicepipe/internal/callback"
	"github.com/invoicepipe/invoicepipe/internal/config"
	"github.com/invoicepipe/invoicepipe/internal/invoice"
	"github.com/invoicepipe/invoicepipe/internal/jobs"
	"github.com/invoicepipe/invoicepipe/internal/store"
	"github.com/invoicepipe/invoicepipe/internal/store/storetest"
	"github.com/invoicepipe/invoicepipe/pkg/models"
)

type noopWorker struct{}

func (noopWorker) Dispatch(context.Context, *models.Job) error { return nil }
func (noopWorker) Ping(context.Context) error                  { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newService(t *testing.T) (*callback.Service, *storetest.Store) {
	t.Helper()
	st := storetest.New()
	cfg := config.JobsConfig{
		CreationInterval:  15 * time.Second,
		CreationBatchSize: 50,
		RetryInterval:     30 * time.Second,
		LockLease:         10 * time.Minute,
	}
	js := jobs.NewService(st, noopWorker{}, nil, testLogger(), cfg, "test-instance")
	is := invoice.NewService(st, testLogger())
	return callback.NewService(st, js, is, testLogger()), st
}

func pendingJob(t *testing.T, st *storetest.Store, fileID string) *models.Job {
	t.Helper()
	payload, err := json.Marshal(models.JobPayload{
		FileID:        fileID,
		OriginalName:  "invoice.pdf",
		SchemaVersion: "1.0",
		DetectedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	job := &models.Job{
		ID:        uuid.New(),
		JobType:   models.JobTypeInvoiceExtraction,
		Payload:   payload,
		Status:    models.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.CreateJob(context.Background(), job))
	return job
}

func completedResult(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"InvoiceNumber": "INV-1",
		"TotalAmount":   100.0,
		"LineItems": []map[string]any{
			{"ProductId": "P1", "ProductName": "Widget", "Quantity": 2.0, "UnitRate": 50.0, "Amount": 100.0},
		},
	})
	require.NoError(t, err)
	return raw
}

func TestSignAndVerify(t *testing.T) {
	secret := []byte("shared-secret")
	body := []byte(`{"jobId":"abc"}`)

	sig := callback.Sign(secret, body)
	assert.True(t, callback.Verify(secret, body, sig))

	assert.False(t, callback.Verify(secret, []byte(`{"jobId":"tampered"}`), sig))
	assert.False(t, callback.Verify([]byte("wrong-secret"), body, sig))
	assert.False(t, callback.Verify(secret, body, ""))
	assert.False(t, callback.Verify(secret, body, "not base64!!!"))
}

func TestProcess_Completed(t *testing.T) {
	svc, st := newService(t)
	job := pendingJob(t, st, "f1")

	err := svc.Process(context.Background(), &callback.Request{
		JobID:  job.ID,
		Status: models.JobStatusCompleted,
		Result: completedResult(t),
	})
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusCompleted, st.Jobs[job.ID].Status)
	inv := st.Invoices["f1"]
	require.NotNil(t, inv)
	require.Len(t, inv.Lines, 1)
	assert.Equal(t, "P1", inv.Lines[0].ProductID)

	p := st.Products["P1"]
	require.NotNil(t, p)
	assert.Equal(t, 2.0, p.TotalQuantitySold)
	assert.Equal(t, 100.0, p.TotalRevenue)
	assert.Equal(t, 1, p.InvoiceCount)
}

func TestProcess_CompletedRedeliveryIsIdempotent(t *testing.T) {
	svc, st := newService(t)
	job := pendingJob(t, st, "f1")

	req := &callback.Request{JobID: job.ID, Status: models.JobStatusCompleted, Result: completedResult(t)}
	require.NoError(t, svc.Process(context.Background(), req))
	firstID := st.Invoices["f1"].ID

	// The job is terminal now, so redelivery is acknowledged without writes.
	require.NoError(t, svc.Process(context.Background(), req))
	assert.Len(t, st.Invoices, 1)
	assert.Equal(t, firstID, st.Invoices["f1"].ID)
	assert.Equal(t, 1, st.Products["P1"].InvoiceCount)
}

func TestProcess_CompletedWithoutResult(t *testing.T) {
	svc, st := newService(t)
	job := pendingJob(t, st, "f1")

	err := svc.Process(context.Background(), &callback.Request{
		JobID:  job.ID,
		Status: models.JobStatusCompleted,
	})
	assert.ErrorIs(t, err, callback.ErrBadCallback)
	assert.Equal(t, models.JobStatusPending, st.Jobs[job.ID].Status)
}

func TestProcess_CompletedValidationRejectLeavesJobUntouched(t *testing.T) {
	svc, st := newService(t)
	job := pendingJob(t, st, "f1")

	raw, err := json.Marshal(map[string]any{"TotalAmount": 100.0})
	require.NoError(t, err)

	err = svc.Process(context.Background(), &callback.Request{
		JobID:  job.ID,
		Status: models.JobStatusCompleted,
		Result: raw,
	})
	assert.ErrorIs(t, err, invoice.ErrValidation)
	assert.Equal(t, models.JobStatusPending, st.Jobs[job.ID].Status)
	assert.Equal(t, 0, st.Jobs[job.ID].RetryCount)
	assert.Empty(t, st.Invoices)
}

func TestProcess_Invalid(t *testing.T) {
	svc, st := newService(t)
	job := pendingJob(t, st, "f1")

	err := svc.Process(context.Background(), &callback.Request{
		JobID:  job.ID,
		Status: models.JobStatusInvalid,
		Reason: json.RawMessage(`{"error":"unreadable scan"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusInvalid, st.Jobs[job.ID].Status)
	rec, err := st.GetInvalidInvoiceByJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"unreadable scan"}`, string(rec.Reason))
}

func TestProcess_FailedSchedulesRetry(t *testing.T) {
	svc, st := newService(t)
	job := pendingJob(t, st, "f1")

	err := svc.Process(context.Background(), &callback.Request{
		JobID:  job.ID,
		Status: models.JobStatusFailed,
		Reason: json.RawMessage(`"extraction timed out"`),
	})
	require.NoError(t, err)

	got := st.Jobs[job.ID]
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)

	var errPayload jobs.ErrorPayload
	require.NoError(t, json.Unmarshal(got.LastError, &errPayload))
	assert.Equal(t, "extraction timed out", errPayload.Error)
}

func TestProcess_FailedExhaustionIsAcknowledged(t *testing.T) {
	svc, st := newService(t)
	job := pendingJob(t, st, "f1")
	st.Jobs[job.ID].RetryCount = models.MaxRetries - 1

	err := svc.Process(context.Background(), &callback.Request{
		JobID:  job.ID,
		Status: models.JobStatusFailed,
		Reason: json.RawMessage(`"still failing"`),
	})
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusInvalid, st.Jobs[job.ID].Status)
	assert.Nil(t, st.Jobs[job.ID].NextRetryAt)
	_, err = st.GetInvalidInvoiceByJob(context.Background(), job.ID)
	require.NoError(t, err)
}

func TestProcess_UnknownJob(t *testing.T) {
	svc, _ := newService(t)

	err := svc.Process(context.Background(), &callback.Request{
		JobID:  uuid.New(),
		Status: models.JobStatusCompleted,
		Result: completedResult(t),
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcess_UnknownStatus(t *testing.T) {
	svc, st := newService(t)
	job := pendingJob(t, st, "f1")

	err := svc.Process(context.Background(), &callback.Request{JobID: job.ID, Status: "RUNNING"})
	assert.ErrorIs(t, err, callback.ErrBadCallback)
	assert.Equal(t, models.JobStatusPending, st.Jobs[job.ID].Status)
}
