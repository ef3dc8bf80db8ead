// Package backend is the outbound JSON-over-HTTP client shared by the
// ideation and LinkedIn integrations. Every call goes through a circuit
// breaker, an optional client-side rate limiter and a retry loop with
// exponential backoff.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/pitabwire/postcraft/internal/config"
	"github.com/pitabwire/postcraft/internal/observability"
	"github.com/pitabwire/postcraft/model"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 10 << 20

// Recorder receives per-call metrics. *observability.Metrics satisfies it.
type Recorder interface {
	RecordBackendRequest(serviceID, operation string, status int, duration time.Duration)
	SetBackendCircuitBreakerState(serviceID string, state float64)
	RecordBackendRetry(serviceID string)
}

type nopRecorder struct{}

func (nopRecorder) RecordBackendRequest(string, string, int, time.Duration) {}
func (nopRecorder) SetBackendCircuitBreakerState(string, float64)           {}
func (nopRecorder) RecordBackendRetry(string)                               {}

// Request describes one outbound call.
type Request struct {
	// Operation labels metrics and logs, e.g. "ideation.start".
	Operation string
	Method    string
	// Path is joined to the service base URL unless it is absolute.
	Path   string
	Query  url.Values
	Header http.Header
	// Bearer, when set, is sent as the Authorization header.
	Bearer string
	// Body is JSON-encoded when non-nil.
	Body any
}

// Response is a completed 2xx response.
type Response struct {
	Service    string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// DecodeJSON unmarshals the body into v. A malformed body is reported as an
// EXTERNAL_SERVICE_ERROR.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return model.NewExternalServiceError(r.Service, "malformed response body").WithCause(err)
	}
	return nil
}

// StatusError is the cause attached to errors for non-2xx responses.
type StatusError struct {
	Service    string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d", e.Service, e.StatusCode)
}

// StatusCodeOf returns the HTTP status carried by err, or 0.
func StatusCodeOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// IsTransportError reports whether err came from the exchange itself rather
// than from a response the service sent.
func IsTransportError(err error) bool {
	if StatusCodeOf(err) != 0 {
		return false
	}
	var ue *url.Error
	return errors.As(err, &ue) || isConnectionError(err) || isTimeout(err)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its transport is used
// as is.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTransport sets the base transport that is wrapped with tracing.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.transport = rt }
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(c *Client) {
		if r != nil {
			c.rec = r
		}
	}
}

// Client calls a single backend service.
type Client struct {
	name      string
	cfg       config.ServiceConfig
	baseURL   string
	http      *http.Client
	transport http.RoundTripper
	breaker   *CircuitBreaker
	limiter   *rate.Limiter
	rec       Recorder
}

// New builds a client for the named service.
func New(name string, cfg config.ServiceConfig, opts ...Option) *Client {
	c := &Client{
		name:    name,
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		breaker: NewCircuitBreaker(cfg.CircuitBreaker),
		rec:     nopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.http == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		base := c.transport
		if base == nil {
			base = &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			}
		}
		c.http = &http.Client{
			Timeout:   timeout,
			Transport: observability.NewHTTPTransport(base),
		}
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	c.breaker.OnStateChange(func(s BreakerState) {
		c.rec.SetBackendCircuitBreakerState(c.name, s.gaugeValue())
		if s == BreakerOpen {
			slog.Warn("backend: circuit breaker opened", "service", c.name)
		} else {
			slog.Info("backend: circuit breaker state changed", "service", c.name, "state", s.String())
		}
	})
	c.rec.SetBackendCircuitBreakerState(c.name, BreakerClosed.gaugeValue())
	return c
}

// Name returns the service name used in errors and metrics.
func (c *Client) Name() string { return c.name }

// HTTPClient returns the traced HTTP client, for libraries such as
// x/oauth2 that perform their own requests.
func (c *Client) HTTPClient() *http.Client { return c.http }

// Breaker exposes the circuit breaker.
func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

// Do performs the request with retries. Non-2xx responses are returned as
// EXTERNAL_SERVICE_ERROR wrapping a *StatusError. Transport timeouts become
// NETWORK_TIMEOUT. Cancellation of ctx returns ctx.Err().
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Operation == "" {
		req.Operation = req.Method + " " + req.Path
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("backend: marshal %s body: %w", req.Operation, err)
		}
	}

	target, err := c.resolve(req.Path, req.Query)
	if err != nil {
		return nil, fmt.Errorf("backend: build %s url: %w", req.Operation, err)
	}

	retryCfg := c.cfg.Retry
	maxAttempts := retryCfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	canRetry := isIdempotentMethod(req.Method) || !retryCfg.IdempotentOnly

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.rec.RecordBackendRetry(c.name)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(calculateBackoff(retryCfg, attempt)):
			}
		}

		resp, retryable, err := c.once(ctx, req, target, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !canRetry || !retryable || attempt == maxAttempts-1 {
			break
		}
		slog.Debug("backend: retrying",
			"service", c.name,
			"operation", req.Operation,
			"attempt", attempt+1,
			"max", maxAttempts,
			"error", err,
		)
	}
	return nil, lastErr
}

// once performs a single attempt. retryable reports whether another attempt
// may succeed.
func (c *Client) once(ctx context.Context, req Request, target string, body []byte) (resp *Response, retryable bool, err error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, false, model.NewBackendUnavailableError().WithCause(fmt.Errorf("%s: %w", c.name, err))
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			return nil, false, model.NewRateLimitedError().WithCause(err)
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, reader)
	if err != nil {
		return nil, false, fmt.Errorf("backend: build %s request: %w", req.Operation, err)
	}
	c.setHeaders(ctx, httpReq, req, body != nil)

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		c.rec.RecordBackendRequest(c.name, req.Operation, 0, time.Since(start))
		retryable, err := c.classifyTransportError(ctx, err)
		return nil, retryable, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	c.rec.RecordBackendRequest(c.name, req.Operation, httpResp.StatusCode, time.Since(start))
	if err != nil {
		c.breaker.RecordFailure()
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, model.NewExternalServiceError(c.name, "failed to read response").WithCause(err)
	}

	switch {
	case isServerError(httpResp.StatusCode):
		c.breaker.RecordFailure()
	case !isClientError(httpResp.StatusCode):
		// 4xx are caller errors, not service health signals.
		c.breaker.RecordSuccess()
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		se := &StatusError{Service: c.name, StatusCode: httpResp.StatusCode, Body: respBody}
		msg := fmt.Sprintf("unexpected status %d", httpResp.StatusCode)
		return nil, isRetryableStatus(httpResp.StatusCode), model.NewExternalServiceError(c.name, msg).WithCause(se)
	}

	return &Response{
		Service:    c.name,
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}, false, nil
}

func (c *Client) classifyTransportError(ctx context.Context, err error) (bool, error) {
	// The caller gave up. Nothing to retry and no breaker signal.
	if errors.Is(ctx.Err(), context.Canceled) {
		return false, ctx.Err()
	}

	c.breaker.RecordFailure()
	if isTimeout(err) {
		// A deadline on the caller's context is final.
		return ctx.Err() == nil, model.NewNetworkTimeoutError(c.name).WithCause(err)
	}
	if isConnectionError(err) {
		return true, model.NewBackendUnavailableError().WithCause(fmt.Errorf("%s: %w", c.name, err))
	}
	return true, model.NewExternalServiceError(c.name, "request failed").WithCause(err)
}

func (c *Client) resolve(path string, query url.Values) (string, error) {
	raw := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		if c.baseURL == "" {
			return "", fmt.Errorf("%s has no base url", c.name)
		}
		raw = c.baseURL + "/" + strings.TrimLeft(path, "/")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) setHeaders(ctx context.Context, httpReq *http.Request, req Request, hasBody bool) {
	h := httpReq.Header
	h.Set("Accept", "application/json")
	if hasBody {
		h.Set("Content-Type", "application/json")
	}
	if req.Bearer != "" {
		h.Set("Authorization", "Bearer "+sanitizeHeader(req.Bearer))
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil && rctx.CorrelationID != "" {
		h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
	}
	// Caller headers win over the defaults above.
	for k, vs := range req.Header {
		h.Del(k)
		for _, v := range vs {
			h.Add(sanitizeHeader(k), sanitizeHeader(v))
		}
	}
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

// --- classification helpers ---

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete,
		http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isServerError(code int) bool {
	return code >= 500
}

func isClientError(code int) bool {
	return code >= 400 && code < 500
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isConnectionError reports failures to reach the peer or a peer hanging up
// before a full response.
func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	return delay
}
