// Package relay forwards collected batches to the analytics service.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"perimeter/pkg/circuitbreaker"
	"perimeter/pkg/metrics"
	otelobs "perimeter/pkg/observability/otel"
	"perimeter/pkg/structlog"
)

type Config struct {
	BaseURL         string
	Path            string
	Timeout         time.Duration
	MaxAttempts     uint
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	MaxConnsPerHost int
	// MaxResponseBytes bounds a buffered upstream reply; longer replies fail.
	MaxResponseBytes int64
}

func (c *Config) applyDefaults() {
	if c.Path == "" {
		c.Path = "/analyze"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 2
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 100 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 2 * time.Second
	}
	if c.MaxConnsPerHost <= 0 {
		c.MaxConnsPerHost = 64
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = 4 << 20
	}
}

// Response is an upstream 2xx reply to be passed back verbatim.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ContentType returns the upstream Content-Type, defaulting to JSON.
func (r *Response) ContentType() string {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/json"
}

type Option func(*Client)

func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

func WithMetrics(m *metrics.RelayMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithLogger(l *structlog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient replaces the pooled, traced client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client posts bodies to {BaseURL}{Path}. Safe for concurrent use.
type Client struct {
	cfg     Config
	target  string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.RelayMetrics
	logger  *structlog.Logger
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("relay: base URL is required")
	}
	cfg.applyDefaults()
	c := &Client{
		cfg:    cfg,
		target: strings.TrimRight(cfg.BaseURL, "/") + cfg.Path,
		logger: structlog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = &http.Client{Transport: otelobs.WrapHTTPTransport(newTransport(cfg.MaxConnsPerHost))}
	}
	return c, nil
}

func newTransport(maxConns int) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxConnsPerHost = maxConns
	t.MaxIdleConnsPerHost = maxConns
	t.IdleConnTimeout = 90 * time.Second
	return t
}

// Target is the full upstream URL.
func (c *Client) Target() string { return c.target }

// Forward posts body as application/json. Only a 2xx reply is returned as a
// Response. Every other outcome is an *UpstreamError; 5xx, transport failures
// and timeouts are retried up to MaxAttempts, 4xx replies are not.
func (c *Client) Forward(ctx context.Context, body []byte) (*Response, error) {
	start := time.Now()
	log := c.logger.WithContext(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BackoffBase
	b.MaxInterval = c.cfg.BackoffMax
	b.RandomizationFactor = 0.5

	attempt := 0
	resp, err := backoff.Retry(ctx, func() (*Response, error) {
		attempt++
		if c.metrics != nil {
			c.metrics.Attempts.Inc()
		}
		r, err := c.attempt(ctx, body)
		if err == nil {
			return r, nil
		}
		ue := classify(err)
		if !ue.retryable() || ctx.Err() != nil {
			return nil, backoff.Permanent(ue)
		}
		log.Warn("relay attempt failed", structlog.Fields{
			"attempt": attempt,
			"kind":    ue.Kind.String(),
			"error":   ue,
		})
		return nil, ue
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.cfg.MaxAttempts),
	)

	outcome := "ok"
	if err != nil {
		ue := classify(err)
		err = ue
		outcome = ue.Kind.String()
		fields := structlog.Fields{
			"target":   c.target,
			"attempts": attempt,
			"kind":     outcome,
			"error":    ue,
		}
		if ue.Rejected() {
			outcome = "client_error"
			log.Warn("analytics rejected batch", fields)
		} else {
			log.Error("relay failed", fields)
		}
	}
	if c.metrics != nil {
		c.metrics.Outcomes.WithLabelValues(outcome).Inc()
		c.metrics.Duration.Observe(time.Since(start).Seconds())
	}
	return resp, err
}

func (c *Client) attempt(ctx context.Context, body []byte) (*Response, error) {
	var out *Response
	// A 4xx is not an upstream fault, so it is kept out of the breaker counts.
	var rejected *UpstreamError
	call := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.target, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if id := structlog.GetCorrelationID(ctx); id != "" {
			req.Header.Set("X-Correlation-ID", id)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBytes+1))
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode >= 500:
			return &UpstreamError{Kind: KindBadStatus, StatusCode: resp.StatusCode}
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			rejected = &UpstreamError{Kind: KindBadStatus, StatusCode: resp.StatusCode}
			return nil
		case int64(len(data)) > c.cfg.MaxResponseBytes:
			return &UpstreamError{Kind: KindBadStatus, StatusCode: resp.StatusCode, Err: ErrResponseTooLarge}
		}
		out = &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: data}
		return nil
	}

	var err error
	if c.breaker == nil {
		err = call(ctx)
	} else {
		err = c.breaker.Execute(ctx, call)
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return nil, &UpstreamError{Kind: KindCircuitOpen, Err: err}
		}
	}
	if err != nil {
		return nil, err
	}
	if rejected != nil {
		return nil, rejected
	}
	return out, nil
}

// Ping checks {BaseURL}/health answers 2xx.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &UpstreamError{Kind: KindBadStatus, StatusCode: resp.StatusCode}
	}
	return nil
}
