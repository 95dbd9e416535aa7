package modelrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// PoolConfig tunes the shared http.Transport an HTTPBackendClient
// dials through, adapted from the gateway's provider.PoolConfig/
// ConnectionPool down to a single backend's worth of knobs (the
// original pooled many provider names behind one manager; here each
// HTTPBackendClient owns its own backend-scoped pool since the
// Router already indexes backends by ID).
type PoolConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	DialTimeout         time.Duration
	KeepAlive           time.Duration
}

// DefaultPoolConfig mirrors the gateway's production pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		KeepAlive:           30 * time.Second,
	}
}

// PoolStats is a snapshot of one HTTPBackendClient's connection
// metrics, the single-backend analogue of the gateway's
// ConnectionPool.Metrics().
type PoolStats struct {
	ActiveConnections int64
	TotalRequests     int64
	TotalErrors       int64
	ConnectionReuses  int64
}

// metricsRoundTripper wraps an http.RoundTripper to track connection
// reuse and error counts per backend, adapted line-for-line in spirit
// from provider/pool.go's metricsRoundTripper, minus the multi-provider
// sync.Map indirection since one instance now serves exactly one
// backend.
type metricsRoundTripper struct {
	inner http.RoundTripper

	active, total, errs, reuses int64
}

func (m *metricsRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	atomic.AddInt64(&m.active, 1)
	defer atomic.AddInt64(&m.active, -1)
	atomic.AddInt64(&m.total, 1)

	resp, err := m.inner.RoundTrip(req)
	if err != nil {
		atomic.AddInt64(&m.errs, 1)
		return nil, err
	}
	if !resp.Close {
		atomic.AddInt64(&m.reuses, 1)
	}
	return resp, nil
}

// HTTPBackendClient is a BackendClient that speaks a minimal JSON
// completion protocol over HTTP, for wiring promptlab against a real
// model-serving endpoint (a local vLLM/Ollama-style server, or an
// internal completion proxy) rather than the in-process mock used in
// tests.
type HTTPBackendClient struct {
	id         string
	baseURL    string
	httpClient *http.Client
	rt         *metricsRoundTripper
}

type httpCompletionRequest struct {
	Model  string             `json:"model"`
	Prompt string             `json:"prompt"`
	Params map[string]float64 `json:"params,omitempty"`
}

type httpCompletionResponse struct {
	Content    string `json:"content"`
	TokensUsed int    `json:"tokens_used"`
	Error      string `json:"error,omitempty"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

// NewHTTPBackendClient builds a backend that POSTs completion
// requests to baseURL+"/v1/complete" and GETs baseURL+"/v1/health"
// for HealthCheck, using a dedicated connection pool built from cfg.
func NewHTTPBackendClient(id, baseURL string, cfg PoolConfig, timeout time.Duration) *HTTPBackendClient {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: cfg.KeepAlive}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}
	rt := &metricsRoundTripper{inner: transport}
	return &HTTPBackendClient{
		id:         id,
		baseURL:    baseURL,
		httpClient: &http.Client{Transport: rt, Timeout: timeout},
		rt:         rt,
	}
}

func (c *HTTPBackendClient) ID() string { return c.id }

// Stats returns this backend's connection-pool metrics.
func (c *HTTPBackendClient) Stats() PoolStats {
	return PoolStats{
		ActiveConnections: atomic.LoadInt64(&c.rt.active),
		TotalRequests:     atomic.LoadInt64(&c.rt.total),
		TotalErrors:       atomic.LoadInt64(&c.rt.errs),
		ConnectionReuses:  atomic.LoadInt64(&c.rt.reuses),
	}
}

func (c *HTTPBackendClient) Complete(ctx context.Context, req BackendRequest) (BackendResponse, error) {
	body, err := json.Marshal(httpCompletionRequest{Model: req.Model, Prompt: req.Prompt, Params: req.Params})
	if err != nil {
		return BackendResponse{}, &ClassifiedError{Err: err, Class: ErrClassFatal}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/complete", bytes.NewReader(body))
	if err != nil {
		return BackendResponse{}, &ClassifiedError{Err: err, Class: ErrClassFatal}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return BackendResponse{}, &ClassifiedError{Err: err, Class: ErrClassTransient}
	}
	defer resp.Body.Close()

	var decoded httpCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return BackendResponse{}, &ClassifiedError{Err: err, Class: ErrClassTransient}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Duration(decoded.RetryAfter) * time.Second
		return BackendResponse{}, &ClassifiedError{
			Err:        fmt.Errorf("backend %s rate limited: %s", c.id, decoded.Error),
			Class:      ErrClassRateLimited,
			RetryAfter: retryAfter,
		}
	case resp.StatusCode >= 500:
		return BackendResponse{}, &ClassifiedError{
			Err:   fmt.Errorf("backend %s server error %d: %s", c.id, resp.StatusCode, decoded.Error),
			Class: ErrClassTransient,
		}
	case resp.StatusCode >= 400:
		return BackendResponse{}, &ClassifiedError{
			Err:   fmt.Errorf("backend %s rejected request %d: %s", c.id, resp.StatusCode, decoded.Error),
			Class: ErrClassFatal,
		}
	}

	return BackendResponse{Content: decoded.Content, TokensUsed: decoded.TokensUsed}, nil
}

func (c *HTTPBackendClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend %s unhealthy: status %d", c.id, resp.StatusCode)
	}
	return nil
}

var _ BackendClient = (*HTTPBackendClient)(nil)
