// Package clients provides the rate-limited, retrying HTTP client vendor connectors are built on
package clients

import (
	"bytes"
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/ajitpratap0/vendorflow/pkg/errors"
	"github.com/ajitpratap0/vendorflow/pkg/metrics"
)

// Version is reported in the User-Agent header. Overridden at build time.
var Version = "0.1.0"

// HTTPConfig configures the HTTP client
type HTTPConfig struct {
	// Name labels logs and metrics, usually the connector class
	Name string `json:"name"`

	BaseURL   string `json:"base_url"`
	APIKey    string `json:"-"`
	UserAgent string `json:"user_agent"`

	// Connection settings
	MaxIdleConns        int           `json:"max_idle_conns"`
	MaxIdleConnsPerHost int           `json:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `json:"idle_conn_timeout"`
	EnableHTTP2         bool          `json:"enable_http2"`

	// Timeouts
	DialTimeout         time.Duration `json:"dial_timeout"`
	TLSHandshakeTimeout time.Duration `json:"tls_handshake_timeout"`
	RequestTimeout      time.Duration `json:"request_timeout"`
	KeepAlive           time.Duration `json:"keep_alive"`

	// DefaultRetryAfter is used when a 429 carries no usable Retry-After header
	DefaultRetryAfter time.Duration `json:"default_retry_after"`
}

// DefaultHTTPConfig returns defaults suited to long-running vendor task APIs
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		Name:                "http",
		UserAgent:           "vendorflow/" + Version,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		EnableHTTP2:         true,
		DialTimeout:         30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		RequestTimeout:      300 * time.Second,
		KeepAlive:           30 * time.Second,
		DefaultRetryAfter:   5 * time.Second,
	}
}

// Request describes one logical vendor call. The body is JSON-encoded once and
// replayed on every attempt.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	JSON    interface{}
	Headers map[string]string
}

// Response is a fully read vendor response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the response body into v
func (r *Response) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to decode response body")
	}
	return nil
}

// HTTPClient sends vendor requests through a shared rate limiter and a retry
// policy. The underlying transport is created on first use and released by
// Close; a later call recreates it.
type HTTPClient struct {
	config  *HTTPConfig
	logger  *zap.Logger
	limiter RateLimiter
	retry   *RetryPolicy
	metrics *HTTPMetrics
	sleep   SleepFunc

	mu         sync.Mutex
	transport  *http.Transport
	httpClient *http.Client
}

// NewHTTPClient creates a client. A nil limiter disables rate limiting and a
// nil policy uses DefaultRetryPolicy.
func NewHTTPClient(config *HTTPConfig, limiter RateLimiter, retry *RetryPolicy, logger *zap.Logger) *HTTPClient {
	if config == nil {
		config = DefaultHTTPConfig()
	}
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPClient{
		config:  config,
		logger:  logger.With(zap.String("component", "http_client"), zap.String("client", config.Name)),
		limiter: limiter,
		retry:   retry,
		metrics: NewHTTPMetrics(),
		sleep:   SleepContext,
	}
}

// client returns the lazily created *http.Client
func (c *HTTPClient) client() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.httpClient != nil {
		return c.httpClient
	}

	c.transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   c.config.DialTimeout,
			KeepAlive: c.config.KeepAlive,
		}).DialContext,
		MaxIdleConns:          c.config.MaxIdleConns,
		MaxIdleConnsPerHost:   c.config.MaxIdleConnsPerHost,
		IdleConnTimeout:       c.config.IdleConnTimeout,
		TLSHandshakeTimeout:   c.config.TLSHandshakeTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	if c.config.EnableHTTP2 {
		if err := http2.ConfigureTransport(c.transport); err != nil {
			c.logger.Warn("failed to configure HTTP/2", zap.Error(err))
		}
	}

	c.httpClient = &http.Client{
		Transport: c.transport,
		Timeout:   c.config.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}
	c.logger.Debug("transport created")

	return c.httpClient
}

// Do performs a request with rate limiting and retries.
//
// 429 responses sleep for Retry-After and are retried, as are 5xx responses
// and transport timeouts. Any other 4xx returns *errors.APIError immediately.
// When attempts run out the last error is returned unchanged.
func (c *HTTPClient) Do(ctx context.Context, req Request) (*Response, error) {
	var body []byte
	if req.JSON != nil {
		encoded, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "failed to encode request body")
		}
		body = encoded
	}

	target, err := c.resolve(req.Path, req.Query)
	if err != nil {
		return nil, err
	}

	policy := c.retry.Clone()
	policy.sleep = c.sleep
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		reason := retryReason(err)
		c.metrics.RecordRetry(reason)
		metrics.HTTPRetries.WithLabelValues(c.config.Name, reason).Inc()
		c.logger.Warn("retrying request",
			zap.String("method", req.Method),
			zap.String("path", req.Path),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
	}

	var resp *Response
	err = policy.Execute(ctx, func(ctx context.Context) error {
		r, err := c.attempt(ctx, req, target, body)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// attempt performs exactly one transport call and classifies the outcome
func (c *HTTPClient) attempt(ctx context.Context, req Request, target string, body []byte) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, reader)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "failed to build request")
	}
	c.setHeaders(httpReq, req.Headers)

	start := time.Now()
	httpResp, err := c.client().Do(httpReq)
	if err != nil {
		c.observe(req.Method, transportCode(err), time.Since(start))
		return nil, classifyTransportError(ctx, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		c.observe(req.Method, transportCode(err), time.Since(start))
		return nil, classifyTransportError(ctx, err)
	}
	c.observe(req.Method, strconv.Itoa(httpResp.StatusCode), time.Since(start))

	c.logger.Debug("vendor response",
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Int("status", httpResp.StatusCode),
		zap.Duration("latency", time.Since(start)))

	switch code := httpResp.StatusCode; {
	case code == http.StatusTooManyRequests:
		wait := parseRetryAfter(httpResp.Header.Get("Retry-After"), c.config.DefaultRetryAfter)
		c.logger.Warn("rate limited by vendor", zap.Duration("retry_after", wait))
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
		return nil, &errors.RateLimitError{StatusCode: code, RetryAfter: wait, Body: string(data)}
	case code >= 500:
		return nil, &errors.RateLimitError{StatusCode: code, Body: string(data)}
	case code >= 400:
		return nil, &errors.APIError{StatusCode: code, Body: string(data)}
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

// Download streams an unauthenticated GET into w. Signed asset URLs are not
// rate limited and not retried.
func (c *HTTPClient) Download(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeValidation, "invalid download url")
	}
	httpReq.Header.Set("User-Agent", c.config.UserAgent)

	start := time.Now()
	httpResp, err := c.client().Do(httpReq)
	if err != nil {
		c.observe(http.MethodGet, transportCode(err), time.Since(start))
		return 0, classifyTransportError(ctx, err)
	}
	defer httpResp.Body.Close()
	c.observe(http.MethodGet, strconv.Itoa(httpResp.StatusCode), time.Since(start))

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		return 0, &errors.APIError{StatusCode: httpResp.StatusCode, Body: string(snippet)}
	}

	n, err := io.Copy(w, httpResp.Body)
	if err != nil {
		return n, errors.Wrap(err, errors.ErrorTypeFile, "failed to stream download")
	}
	return n, nil
}

// GetStats returns current client statistics
func (c *HTTPClient) GetStats() HTTPStats {
	return c.metrics.Snapshot()
}

// Close releases idle connections and drops the transport
func (c *HTTPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport != nil {
		c.transport.CloseIdleConnections()
		c.logger.Debug("transport closed")
	}
	c.transport = nil
	c.httpClient = nil
	return nil
}

func (c *HTTPClient) resolve(path string, query url.Values) (string, error) {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = strings.TrimRight(c.config.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	}

	u, err := url.Parse(target)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "invalid request url")
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

func (c *HTTPClient) setHeaders(req *http.Request, extra map[string]string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	for key, value := range extra {
		req.Header.Set(key, value)
	}
}

func (c *HTTPClient) observe(method, code string, latency time.Duration) {
	c.metrics.RecordAttempt(method, code, latency)
	metrics.HTTPRequests.WithLabelValues(c.config.Name, method, code).Inc()
	metrics.HTTPDuration.WithLabelValues(c.config.Name, method).Observe(latency.Seconds())
}

// maxRetryAfter caps the wait a Retry-After header can impose
const maxRetryAfter = time.Hour

// parseRetryAfter reads a delay in seconds; fractional values are accepted.
// Negative and non-finite values fall back; larger values are capped at
// maxRetryAfter.
func parseRetryAfter(header string, fallback time.Duration) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return fallback
	}
	secs, err := strconv.ParseFloat(header, 64)
	if err != nil || secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return fallback
	}
	if secs >= maxRetryAfter.Seconds() {
		return maxRetryAfter
	}
	return time.Duration(secs * float64(time.Second))
}

// classifyTransportError keeps caller cancellation unretried, marks timeouts
// retryable and everything else as a connection failure
func classifyTransportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if isTimeout(err) {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "vendor request timed out")
	}
	return errors.Wrap(err, errors.ErrorTypeConnection, "vendor request failed")
}

func isTimeout(err error) bool {
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

func transportCode(err error) string {
	if isTimeout(err) {
		return "timeout"
	}
	return "error"
}

func retryReason(err error) string {
	var rl *errors.RateLimitError
	if stderrors.As(err, &rl) {
		if rl.StatusCode == http.StatusTooManyRequests {
			return "rate_limit"
		}
		return "server_error"
	}
	return "timeout"
}
