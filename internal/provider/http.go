package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/syatt-io/perfwatch/internal/model"
	"github.com/syatt-io/perfwatch/internal/resilience"
)

// Option configures the HTTP provider client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps outbound request rate to the provider.
func WithRateLimit(perSec float64, burst int) Option {
	return func(c *httpClient) {
		if perSec > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
		}
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates an HTTP measurement-provider client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://measure.example.com/v1",
		http: &http.Client{
			Timeout: 2 * time.Minute,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(1), 2),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// measureRequest is the submit payload.
type measureRequest struct {
	URL      string `json:"url"`
	Device   string `json:"device"`
	Strategy string `json:"strategy"`
}

// measureResponse is the wire shape for both submit and poll responses.
type measureResponse struct {
	ID      string              `json:"id"`
	Status  string              `json:"status"`
	Error   string              `json:"error,omitempty"`
	Metrics *model.MetricValues `json:"metrics,omitempty"`
}

func (c *httpClient) Measure(ctx context.Context, req Request) (*Result, error) {
	strategy := "primary"
	if req.Bypass {
		strategy = "stealth"
	}

	payload, err := json.Marshal(measureRequest{
		URL:      req.URL,
		Device:   string(req.Device),
		Strategy: strategy,
	})
	if err != nil {
		return nil, eris.Wrap(err, "provider: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/measurements", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "provider: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	body, status, header, err := c.do(ctx, httpReq)
	if err != nil {
		return nil, err
	}
	return c.parseResult(body, status, header)
}

func (c *httpClient) Poll(ctx context.Context, measurementID string) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/measurements/%s", c.baseURL, measurementID), nil)
	if err != nil {
		return nil, eris.Wrap(err, "provider: create poll request")
	}

	body, status, header, err := c.do(ctx, httpReq)
	if err != nil {
		return nil, err
	}
	return c.parseResult(body, status, header)
}

// do executes one request against the provider, honoring the client-side
// rate limiter. No retries here: the retry policy belongs to the
// orchestrator, which sees the typed errors.
func (c *httpClient) do(ctx context.Context, req *http.Request) ([]byte, int, http.Header, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, nil, eris.Wrap(err, "provider: rate limiter wait")
		}
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, nil, ctx.Err()
		}
		return nil, 0, nil, eris.Wrap(err, "provider: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, resp.Header, eris.Wrap(err, "provider: read response body")
	}
	return body, resp.StatusCode, resp.Header, nil
}

// parseResult maps a provider HTTP response to a Result or a typed Error.
func (c *httpClient) parseResult(body []byte, status int, header http.Header) (*Result, error) {
	if status == http.StatusTooManyRequests {
		return nil, &Error{
			Kind:       KindRateLimited,
			Msg:        "provider rate limit exceeded",
			StatusCode: status,
			RetryAfter: parseRetryAfter(header),
		}
	}

	if looksBlocked(status, string(body)) {
		return nil, &Error{
			Kind:       KindBlocked,
			Msg:        "automated traffic rejected",
			StatusCode: status,
		}
	}

	if status != http.StatusOK && status != http.StatusAccepted {
		perr := &Error{
			Kind:       KindInvalidResponse,
			Msg:        fmt.Sprintf("unexpected status: %s", truncate(string(body), 200)),
			StatusCode: status,
		}
		if resilience.IsTransientHTTPStatus(status) {
			// A 5xx is a provider hiccup, not a verdict on the page.
			// Mark it transient so the in-run retry takes another shot.
			return nil, resilience.NewTransientError(perr, status)
		}
		return nil, perr
	}

	var mr measureResponse
	if err := json.Unmarshal(body, &mr); err != nil {
		return nil, &Error{
			Kind:       KindInvalidResponse,
			Msg:        "malformed response body",
			StatusCode: status,
		}
	}

	switch mr.Status {
	case "complete":
		if mr.Metrics == nil {
			return nil, &Error{
				Kind:       KindInvalidResponse,
				Msg:        "complete measurement with no metrics",
				StatusCode: status,
			}
		}
		return &Result{Status: StatusComplete, MeasurementID: mr.ID, Metrics: mr.Metrics}, nil
	case "pending", "running":
		if mr.ID == "" {
			return nil, &Error{
				Kind:       KindInvalidResponse,
				Msg:        "pending measurement with no id",
				StatusCode: status,
			}
		}
		return &Result{Status: StatusPending, MeasurementID: mr.ID}, nil
	case "failed":
		if looksBlocked(0, mr.Error) {
			return nil, &Error{
				Kind:       KindBlocked,
				Msg:        mr.Error,
				StatusCode: status,
			}
		}
		return nil, &Error{
			Kind:       KindInvalidResponse,
			Msg:        "measurement failed: " + mr.Error,
			StatusCode: status,
		}
	default:
		return nil, &Error{
			Kind:       KindInvalidResponse,
			Msg:        "unknown measurement status " + mr.Status,
			StatusCode: status,
		}
	}
}

// parseRetryAfter reads a Retry-After header in seconds form.
func parseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
