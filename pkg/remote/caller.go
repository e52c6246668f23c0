// Package remote makes outbound HTTP calls to named services, with service
// lookup, a per-service circuit breaker, a bounded per-attempt timeout and
// retry with backoff.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sapliy/coordination/pkg/apperr"
	"github.com/sapliy/coordination/pkg/locator"
	"github.com/sapliy/coordination/pkg/resilience"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxResponseBody = 1 << 20

// Config controls timeouts, breaking and retrying for every call.
type Config struct {
	Timeout time.Duration
	Breaker resilience.BreakerConfig
	Retry   resilience.RetryPolicy
}

// DefaultConfig retries unreachable services three times with a 5s per-attempt timeout.
func DefaultConfig() Config {
	return Config{
		Timeout: 5 * time.Second,
		Breaker: resilience.DefaultBreakerConfig(),
		Retry:   resilience.DefaultRetryPolicy(apperr.ErrUnreachable),
	}
}

// Request describes a single logical call. BaseURL, when set, bypasses the locator.
type Request struct {
	Service  string
	BaseURL  string
	Endpoint Endpoint
	Body     any
	Header   http.Header
}

// Response is a successful (2xx) reply.
type Response struct {
	StatusCode int
	Body       []byte
}

// Caller is safe for concurrent use.
type Caller struct {
	client   *http.Client
	locator  locator.Locator
	breakers *resilience.Registry
	retry    resilience.RetryPolicy
	timeout  time.Duration
	logger   *slog.Logger
}

// Option customises a Caller.
type Option func(*Caller)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Caller) {
		c.client = client
	}
}

func NewCaller(loc locator.Locator, cfg Config, logger *slog.Logger, opts ...Option) *Caller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = resilience.RetryOn(apperr.ErrUnreachable)
	}

	c := &Caller{
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		locator: loc,
		retry:   cfg.Retry,
		timeout: cfg.Timeout,
		logger:  logger,
	}
	c.breakers = resilience.NewRegistry(cfg.Breaker,
		resilience.WithFailurePredicate(countsAgainstBreaker),
		resilience.WithStateChange(func(name string, from, to resilience.BreakerState) {
			recordBreakerState(name, to)
			logger.Warn("circuit breaker state changed", "target", name, "from", from, "to", to)
		}),
	)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Breakers returns a snapshot of every breaker created so far.
func (c *Caller) Breakers() []resilience.BreakerSnapshot {
	return c.breakers.Snapshots()
}

// Do resolves the target, then calls it through the service's breaker with retries.
// Failures are typed: apperr.ErrUnreachable for network errors and timeouts,
// *apperr.RejectedError for non-2xx replies, resilience.ErrCircuitOpen while the
// breaker is open.
func (c *Caller) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Service == "" {
		return nil, apperr.Invalid("remote call: service name is required")
	}
	ep := req.Endpoint
	if ep.IsZero() {
		return nil, apperr.Invalid("remote call to %s: endpoint is required", req.Service)
	}

	var body []byte
	if req.Body != nil {
		var err error
		if raw, ok := req.Body.([]byte); ok {
			body = raw
		} else if body, err = json.Marshal(req.Body); err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	breaker := c.breakers.Get(req.Service)
	policy := c.retry
	policy.OnRetry = func(err error, delay time.Duration) {
		c.logger.Debug("retrying remote call", "target", req.Service, "endpoint", ep.String(), "delay", delay, "error", err)
	}

	resp, err := resilience.RetryValue(ctx, policy, func(ctx context.Context) (*Response, error) {
		var resp *Response
		err := breaker.Execute(func() error {
			var callErr error
			resp, callErr = c.attempt(ctx, req, ep, body)
			return callErr
		})
		return resp, err
	})

	RemoteCalls.WithLabelValues(req.Service, outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Caller) attempt(ctx context.Context, req Request, ep Endpoint, body []byte) (*Response, error) {
	base, err := c.baseURL(ctx, req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, ep.Method, base+ep.Path, reader)
	if err != nil {
		return nil, apperr.Invalid("remote call to %s: %v", req.Service, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s%s: %v: %w", ep.Method, req.Service, ep.Path, err, apperr.ErrUnreachable)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("reading reply from %s: %v: %w", req.Service, err, apperr.ErrUnreachable)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &apperr.RejectedError{
			Service:    req.Service,
			StatusCode: httpResp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}
	return &Response{StatusCode: httpResp.StatusCode, Body: respBody}, nil
}

func (c *Caller) baseURL(ctx context.Context, req Request) (string, error) {
	if req.BaseURL != "" {
		return strings.TrimRight(req.BaseURL, "/"), nil
	}
	if c.locator == nil {
		return "", fmt.Errorf("no address for %s: %w", req.Service, apperr.ErrUnreachable)
	}
	addr, err := c.locator.Resolve(ctx, req.Service)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %v: %w", req.Service, err, apperr.ErrUnreachable)
	}
	return addr.BaseURL(), nil
}

// countsAgainstBreaker is true for transport failures and 5xx replies.
// A 4xx means the service is up and answering.
func countsAgainstBreaker(err error) bool {
	if errors.Is(err, apperr.ErrUnreachable) {
		return true
	}
	var rejected *apperr.RejectedError
	if errors.As(err, &rejected) {
		return rejected.StatusCode >= 500
	}
	return false
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, apperr.ErrRejected):
		return "rejected"
	case errors.Is(err, apperr.ErrUnreachable):
		return "unreachable"
	default:
		return "error"
	}
}
