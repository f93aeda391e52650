package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	otelobs "perimeter/pkg/observability/otel"
	"perimeter/pkg/structlog"
	"perimeter/pkg/typing"
)

// Sender delivers a batch to the collector.
type Sender interface {
	Send(ctx context.Context, batch typing.Batch) (*Response, error)
}

// Response is the collector's reply, which is the analytics reply on success.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// StatusError is returned when the collector answers non-2xx.
type StatusError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("collector returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("collector returned %d", e.StatusCode)
}

// Retryable reports whether the same batch may succeed later.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// ErrResponseTooLarge is returned when the collector reply exceeds the read limit.
var ErrResponseTooLarge = errors.New("capture: collector response too large")

// maxResponseBytes matches the collector's bound on relayed analytics replies.
const maxResponseBytes = 4 << 20

// IsRetryable is true for transport failures and retryable StatusErrors.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrResponseTooLarge) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return !errors.Is(err, context.Canceled)
}

// retryNow narrows IsRetryable for the in-call retry loop. A 502 or 504 means
// the collector already retried analytics, so it is left to the spool.
func retryNow(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusServiceUnavailable || se.StatusCode == http.StatusTooManyRequests
	}
	return IsRetryable(err)
}

// RetryPolicy bounds retries of one Send.
type RetryPolicy struct {
	MaxAttempts uint
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
}

type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	Retry   RetryPolicy
	// HTTPClient overrides the default traced client.
	HTTPClient *http.Client
	Logger     *structlog.Logger
}

// CollectorClient posts batches to {BaseURL}/collect.
type CollectorClient struct {
	url     string
	timeout time.Duration
	retry   RetryPolicy
	http    *http.Client
	logger  *structlog.Logger
}

func NewCollectorClient(cfg ClientConfig) (*CollectorClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("capture: collector URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	def := DefaultRetryPolicy()
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = def.MaxAttempts
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = def.BaseDelay
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = def.MaxDelay
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Transport: otelobs.WrapHTTPTransport(nil)}
	}
	if cfg.Logger == nil {
		cfg.Logger = structlog.Default()
	}
	return &CollectorClient{
		url:     strings.TrimRight(cfg.BaseURL, "/") + "/collect",
		timeout: cfg.Timeout,
		retry:   cfg.Retry,
		http:    cfg.HTTPClient,
		logger:  cfg.Logger,
	}, nil
}

func (c *CollectorClient) Send(ctx context.Context, batch typing.Batch) (*Response, error) {
	body, err := batch.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.BaseDelay
	b.MaxInterval = c.retry.MaxDelay
	b.RandomizationFactor = 0.5

	attempt := 0
	return backoff.Retry(ctx, func() (*Response, error) {
		attempt++
		resp, err := c.post(ctx, body)
		if err == nil {
			return resp, nil
		}
		if !retryNow(err) || ctx.Err() != nil {
			return resp, backoff.Permanent(err)
		}
		c.logger.WithContext(ctx).Warn("collector send failed", structlog.Fields{
			"attempt": attempt,
			"error":   err,
		})
		return resp, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.retry.MaxAttempts))
}

func (c *CollectorClient) post(ctx context.Context, body []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if id := structlog.GetCorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxResponseBytes {
		return nil, ErrResponseTooLarge
	}
	out := &Response{StatusCode: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Body: data}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(data), Body: data}
	}
	return out, nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		return e.Error
	}
	return ""
}
