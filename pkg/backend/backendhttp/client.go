// Package backendhttp adapts a remote execution service speaking a small
// REST protocol:
//
//	POST   /jobs              {"payload": <base64>, "shots": n} -> {"id": "..."}
//	GET    /jobs/{id}         -> {"state": "...", "reason": "...", "progress": 0.5}
//	GET    /jobs/{id}/result  -> jobx.Outcome
//	DELETE /jobs/{id}         -> {"aborted": true}
//
// Connection errors, 429 and 5xx replies are retried with backoff before
// surfacing as backend.ErrUnavailable.
package backendhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Abraxas-365/qorch/pkg/backend"
	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/Abraxas-365/qorch/pkg/logx"
	"github.com/hashicorp/go-retryablehttp"
)

// Config configures a remote backend.
type Config struct {
	Name    string
	BaseURL string
	// Token is sent as a bearer token when set.
	Token        string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Client implements backend.Backend over HTTP.
type Client struct {
	cfg  Config
	base *url.URL
	http *retryablehttp.Client
}

var (
	_ backend.Backend = (*Client)(nil)
	_ backend.Aborter = (*Client)(nil)
)

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backendhttp: parse base url for %s: %w", cfg.Name, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	rc.Logger = leveledLogger{backend: cfg.Name}
	if cfg.RetryMax > 0 {
		rc.RetryMax = cfg.RetryMax
	}
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	// Hand the last response back instead of a generic "giving up" error.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{cfg: cfg, base: base, http: rc}, nil
}

func (c *Client) Name() string { return c.cfg.Name }

type submitRequest struct {
	Payload []byte `json:"payload"`
	Shots   int    `json:"shots"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type abortResponse struct {
	Aborted bool `json:"aborted"`
}

func (c *Client) Submit(ctx context.Context, payload []byte, shots int) (string, error) {
	body, err := json.Marshal(submitRequest{Payload: payload, Shots: shots})
	if err != nil {
		return "", backend.Rejected(c.cfg.Name, err.Error())
	}

	var out submitResponse
	status, err := c.do(ctx, http.MethodPost, "/jobs", body, &out)
	if err != nil {
		return "", err
	}
	switch {
	case status == http.StatusOK || status == http.StatusCreated || status == http.StatusAccepted:
		if out.ID == "" {
			return "", backend.Unavailable(c.cfg.Name, fmt.Errorf("submit reply without id"))
		}
		return out.ID, nil
	case status >= 400 && status < 500 && status != http.StatusTooManyRequests:
		return "", backend.Rejected(c.cfg.Name, fmt.Sprintf("submit returned %d", status))
	default:
		return "", backend.Unavailable(c.cfg.Name, fmt.Errorf("submit returned %d", status))
	}
}

func (c *Client) Status(ctx context.Context, backendJobID string) (backend.Status, error) {
	var out backend.Status
	status, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(backendJobID), nil, &out)
	if err != nil {
		return backend.Status{}, err
	}
	switch status {
	case http.StatusOK:
		switch out.State {
		case backend.StateQueued, backend.StateRunning, backend.StateCompleted, backend.StateFailed:
			return out, nil
		}
		return backend.Status{}, backend.Unavailable(c.cfg.Name, fmt.Errorf("unknown state %q", out.State))
	case http.StatusNotFound:
		return backend.Status{}, backend.JobNotFound(c.cfg.Name, backendJobID)
	default:
		return backend.Status{}, backend.Unavailable(c.cfg.Name, fmt.Errorf("status returned %d", status))
	}
}

func (c *Client) Result(ctx context.Context, backendJobID string) (*jobx.Outcome, error) {
	var out jobx.Outcome
	status, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(backendJobID)+"/result", nil, &out)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return &out, nil
	case http.StatusNotFound:
		return nil, backend.JobNotFound(c.cfg.Name, backendJobID)
	case http.StatusConflict:
		return nil, backend.ResultMissing(c.cfg.Name, backendJobID, backend.StateRunning)
	default:
		return nil, backend.Unavailable(c.cfg.Name, fmt.Errorf("result returned %d", status))
	}
}

func (c *Client) Abort(ctx context.Context, backendJobID string) (bool, error) {
	var out abortResponse
	status, err := c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(backendJobID), nil, &out)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK, http.StatusAccepted:
		return out.Aborted, nil
	case http.StatusNotFound, http.StatusConflict:
		return false, nil
	default:
		return false, backend.Unavailable(c.cfg.Name, fmt.Errorf("abort returned %d", status))
	}
}

// do sends a request and decodes a 2xx JSON body into out. Transport
// failures are returned as backend.ErrUnavailable; the status code is
// returned for the caller to interpret otherwise.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) (int, error) {
	var rawBody interface{}
	if body != nil {
		rawBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base.String()+path, rawBody)
	if err != nil {
		return 0, backend.Unavailable(c.cfg.Name, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, backend.Unavailable(c.cfg.Name, err).WithDetail("path", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, backend.Unavailable(c.cfg.Name, fmt.Errorf("decode %s: %w", path, err))
		}
		return resp.StatusCode, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// leveledLogger routes retryablehttp's logging through logx.
type leveledLogger struct {
	backend string
}

func (l leveledLogger) entry(kv []interface{}) *logx.Entry {
	fields := logx.Fields{"backend": l.backend}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			fields[k] = kv[i+1]
		}
	}
	return logx.WithFields(fields)
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.entry(kv).Error("backendhttp: " + msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.entry(kv).Debug("backendhttp: " + msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.entry(kv).Trace("backendhttp: " + msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.entry(kv).Warn("backendhttp: " + msg) }
