package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/invoicepipe/invoicepipe/internal/cache"
)

// Sentinel errors for reputation lookups.
var (
	ErrReputationUnreachable = errors.New("reputation service unreachable")
	ErrReputationError       = errors.New("reputation service error")
)

// Verdict is the reputation service's view of a content hash. An unknown
// hash (Known == false) is treated as clean.
type Verdict struct {
	Known      bool `json:"known"`
	Malicious  int  `json:"malicious"`
	Suspicious int  `json:"suspicious"`
}

// Clean applies the tolerance threshold: any malicious engine hit fails,
// and more than two suspicious hits fails.
func (v Verdict) Clean() bool {
	return v.Malicious == 0 && v.Suspicious <= 2
}

// ReputationClient looks up a SHA-256 hash against an external scanner.
type ReputationClient interface {
	Lookup(ctx context.Context, sha256Hex string) (*Verdict, error)
}

// HTTPReputationClient implements ReputationClient against the VirusTotal
// v3 file report API. Only the hash ever leaves the process.
type HTTPReputationClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPReputationClient(baseURL, apiKey string, timeout time.Duration) *HTTPReputationClient {
	return &HTTPReputationClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type vtFileReport struct {
	Data struct {
		Attributes struct {
			LastAnalysisStats struct {
				Malicious  int `json:"malicious"`
				Suspicious int `json:"suspicious"`
			} `json:"last_analysis_stats"`
		} `json:"attributes"`
	} `json:"data"`
}

func (c *HTTPReputationClient) Lookup(ctx context.Context, sha256Hex string) (*Verdict, error) {
	u := fmt.Sprintf("%s/api/v3/files/%s", c.baseURL, sha256Hex)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("x-apikey", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: timeout", ErrReputationUnreachable)
		}
		return nil, fmt.Errorf("%w: %v", ErrReputationUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &Verdict{Known: false}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrReputationError, resp.StatusCode)
	}

	var report vtFileReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decoding reputation response: %w", err)
	}

	return &Verdict{
		Known:      true,
		Malicious:  report.Data.Attributes.LastAnalysisStats.Malicious,
		Suspicious: report.Data.Attributes.LastAnalysisStats.Suspicious,
	}, nil
}

// ReputationCheck is the final pipeline layer. The hash is computed locally
// and looked up by value; raw bytes are never sent anywhere. Lookup errors
// pass the file through unless FailClosed is set, a deliberate
// availability-over-strictness default that deployments can flip.
type ReputationCheck struct {
	Client     ReputationClient
	Cache      cache.Cache
	FailClosed bool
	Logger     *slog.Logger
}

const verdictCacheTTL = time.Hour

func (ReputationCheck) Name() string { return "reputation" }

func (c ReputationCheck) Validate(ctx context.Context, f *File) *Failure {
	sum := sha256.Sum256(f.Data)
	hash := hex.EncodeToString(sum[:])

	verdict, err := c.lookup(ctx, hash)
	if err != nil {
		if c.FailClosed {
			return &Failure{
				Code:    CodeMalwareDetected,
				Message: "reputation service unavailable and policy is fail-closed",
			}
		}
		c.Logger.Warn("reputation lookup failed, passing file through",
			"file", f.Name, "error", err)
		return nil
	}

	if !verdict.Known || verdict.Clean() {
		return nil
	}
	return &Failure{
		Code: CodeMalwareDetected,
		Message: fmt.Sprintf("hash flagged by %d malicious and %d suspicious engines",
			verdict.Malicious, verdict.Suspicious),
	}
}

func (c ReputationCheck) lookup(ctx context.Context, hash string) (*Verdict, error) {
	if c.Cache != nil {
		if raw, found, err := c.Cache.Get(ctx, cache.ReputationKey(hash)); err == nil && found {
			var v Verdict
			if err := json.Unmarshal(raw, &v); err == nil {
				return &v, nil
			}
		}
	}

	verdict, err := c.Client.Lookup(ctx, hash)
	if err != nil {
		return nil, err
	}

	if c.Cache != nil {
		if raw, err := json.Marshal(verdict); err == nil {
			if err := c.Cache.Set(ctx, cache.ReputationKey(hash), raw, verdictCacheTTL); err != nil {
				c.Logger.Debug("caching reputation verdict failed", "error", err)
			}
		}
	}
	return verdict, nil
}
