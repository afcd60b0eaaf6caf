package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/invoicepipe/invoicepipe/pkg/models"
)

// Sentinel errors for worker dispatch failures.
var (
	ErrWorkerUnreachable = errors.New("worker unreachable")
	ErrWorkerRejected    = errors.New("worker rejected dispatch")
	ErrWorkerTimeout     = errors.New("worker dispatch timeout")
)

// Client notifies the external extraction worker about jobs. The worker also
// polls on its own, so dispatch is a latency optimization, not a delivery
// guarantee.
type Client interface {
	Dispatch(ctx context.Context, job *models.Job) error
	Ping(ctx context.Context) error
}

// DispatchRequest is the body posted to the worker for a new or retried job.
type DispatchRequest struct {
	JobID   string          `json:"jobId"`
	JobType string          `json:"jobType"`
	Payload json.RawMessage `json:"payload"`
}

// HTTPClient implements Client over the worker's HTTP API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Dispatch(ctx context.Context, job *models.Job) error {
	body, err := json.Marshal(DispatchRequest{
		JobID:   job.ID.String(),
		JobType: job.JobType,
		Payload: job.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal dispatch request: %w", err)
	}

	u := fmt.Sprintf("%s/api/v1/jobs", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrWorkerRejected, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	u := fmt.Sprintf("%s/health", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrWorkerRejected, resp.StatusCode)
	}
	return nil
}

func classifyError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrWorkerTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrWorkerUnreachable, err)
}
