package worker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoicepipe/invoicepipe/internal/worker"
	"github.com/invoicepipe/invoicepipe/pkg/models"
)

func testJob() *models.Job {
	return &models.Job{
		ID:      uuid.New(),
		JobType: models.JobTypeInvoiceExtraction,
		Payload: json.RawMessage(`{"fileId":"file-1","originalName":"invoice.pdf"}`),
		Status:  models.JobStatusPending,
	}
}

func TestDispatch_Success(t *testing.T) {
	var received worker.DispatchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/jobs", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	job := testJob()
	c := worker.NewHTTPClient(srv.URL, 5*time.Second)
	err := c.Dispatch(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, job.ID.String(), received.JobID)
	assert.Equal(t, models.JobTypeInvoiceExtraction, received.JobType)
}

func TestDispatch_RejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := worker.NewHTTPClient(srv.URL, 5*time.Second)
	err := c.Dispatch(context.Background(), testJob())
	assert.ErrorIs(t, err, worker.ErrWorkerRejected)
}

func TestDispatch_Unreachable(t *testing.T) {
	c := worker.NewHTTPClient("http://127.0.0.1:1", 500*time.Millisecond)
	err := c.Dispatch(context.Background(), testJob())
	assert.ErrorIs(t, err, worker.ErrWorkerUnreachable)
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := worker.NewHTTPClient(srv.URL, 5*time.Second)
	assert.NoError(t, c.Ping(context.Background()))
}
