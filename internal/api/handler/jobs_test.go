package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoicepipe/invoicepipe/internal/api/handler"
	"github.com/invoicepipe/invoicepipe/internal/config"
	"github.com/invoicepipe/invoicepipe/internal/jobs"
	"github.com/invoicepipe/invoicepipe/internal/store/storetest"
	"github.com/invoicepipe/invoicepipe/pkg/models"
)

// statusCache serves canned job statuses; every other cache method is inert.
type statusCache struct {
	statuses map[uuid.UUID]string
}

func (c *statusCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (c *statusCache) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (c *statusCache) Delete(context.Context, string) error                     { return nil }
func (c *statusCache) Ping(context.Context) error                               { return nil }
func (c *statusCache) SetJobStatus(_ context.Context, id uuid.UUID, status string, _ time.Duration) error {
	c.statuses[id] = status
	return nil
}
func (c *statusCache) GetJobStatus(_ context.Context, id uuid.UUID) (string, bool, error) {
	s, ok := c.statuses[id]
	return s, ok, nil
}
func (c *statusCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, nil
}

func jobsRouter(t *testing.T) (http.Handler, *storetest.Store) {
	t.Helper()
	st := storetest.New()
	cfg := config.JobsConfig{
		CreationInterval:  15 * time.Second,
		CreationBatchSize: 50,
		RetryInterval:     30 * time.Second,
		LockLease:         10 * time.Minute,
	}
	js := jobs.NewService(st, noopWorker{}, nil, testLogger(), cfg, "test-instance")

	r := chi.NewRouter()
	r.Get("/api/v1/jobs", handler.NewListJobsHandler(st))
	r.Get("/api/v1/jobs/{jobID}", handler.NewGetJobHandler(st))
	r.Post("/api/v1/jobs/{jobID}/requeue", handler.NewRequeueJobHandler(js))
	return r, st
}

func TestListJobsHandler(t *testing.T) {
	r, st := jobsRouter(t)
	for i := 0; i < 5; i++ {
		seedJob(t, st, "file-"+uuid.NewString()[:8])
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=PENDING&page=1&limit=3", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []json.RawMessage `json:"data"`
		Meta struct {
			Page    int  `json:"page"`
			Limit   int  `json:"limit"`
			Total   int  `json:"total"`
			HasNext bool `json:"has_next"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Data, 3)
	assert.Equal(t, 5, body.Meta.Total)
	assert.True(t, body.Meta.HasNext)
}

func TestGetJobHandler(t *testing.T) {
	r, st := jobsRouter(t)
	job := seedJob(t, st, "f1")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data models.Job `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, job.ID, body.Data.ID)
	assert.Equal(t, models.JobStatusPending, body.Data.Status)
}

func TestGetJobHandler_NotFound(t *testing.T) {
	r, _ := jobsRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobHandler_BadID(t *testing.T) {
	r, _ := jobsRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobStatusHandler_CacheHit(t *testing.T) {
	st := storetest.New()
	c := &statusCache{statuses: map[uuid.UUID]string{}}
	r := chi.NewRouter()
	r.Get("/api/v1/jobs/{jobID}/status", handler.NewJobStatusHandler(st, c))

	// Status lives only in the cache; the store has no such job.
	id := uuid.New()
	c.statuses[id] = string(models.JobStatusProcessing)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id.String()+"/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data struct {
			JobID  uuid.UUID `json:"jobId"`
			Status string    `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, id, body.Data.JobID)
	assert.Equal(t, string(models.JobStatusProcessing), body.Data.Status)
}

func TestJobStatusHandler_CacheMissFallsBackToStore(t *testing.T) {
	st := storetest.New()
	c := &statusCache{statuses: map[uuid.UUID]string{}}
	r := chi.NewRouter()
	r.Get("/api/v1/jobs/{jobID}/status", handler.NewJobStatusHandler(st, c))

	job := seedJob(t, st, "f1")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID.String()+"/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(models.JobStatusPending), body.Data.Status)
}

func TestJobStatusHandler_NotFound(t *testing.T) {
	st := storetest.New()
	c := &statusCache{statuses: map[uuid.UUID]string{}}
	r := chi.NewRouter()
	r.Get("/api/v1/jobs/{jobID}/status", handler.NewJobStatusHandler(st, c))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+uuid.NewString()+"/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequeueJobHandler(t *testing.T) {
	r, st := jobsRouter(t)
	job := seedJob(t, st, "f1")
	require.NoError(t, st.MarkJobInvalid(context.Background(), job.ID, json.RawMessage(`{"error":"x"}`)))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+job.ID.String()+"/requeue", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, models.JobStatusPending, st.Jobs[job.ID].Status)
	assert.Equal(t, 0, st.Jobs[job.ID].RetryCount)
}

func TestRequeueJobHandler_RejectsActiveJob(t *testing.T) {
	r, st := jobsRouter(t)
	job := seedJob(t, st, "f1")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+job.ID.String()+"/requeue", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRequeueJobHandler_NotFound(t *testing.T) {
	r, _ := jobsRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+uuid.NewString()+"/requeue", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
