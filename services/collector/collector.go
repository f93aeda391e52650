package main

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"perimeter/pkg/httpx"
	"perimeter/pkg/ratelimit"
	"perimeter/pkg/relay"
	"perimeter/pkg/structlog"
	"perimeter/pkg/typing"
)

// Forwarder is the analytics hop.
type Forwarder interface {
	Forward(ctx context.Context, body []byte) (*relay.Response, error)
	Ping(ctx context.Context) error
}

// Collector relays typing batches to analytics and hands back its reply.
type Collector struct {
	fwd     Forwarder
	limiter ratelimit.Limiter
	logger  *structlog.Logger
	legacy  bool
	maxBody int64
}

type CollectorOption func(*Collector)

// WithLimiter enables per-user admission control.
func WithLimiter(l ratelimit.Limiter) CollectorOption {
	return func(c *Collector) { c.limiter = l }
}

// WithLegacyErrors maps every relay failure to 400.
func WithLegacyErrors(on bool) CollectorOption {
	return func(c *Collector) { c.legacy = on }
}

func WithMaxBody(n int64) CollectorOption {
	return func(c *Collector) { c.maxBody = n }
}

func NewCollector(fwd Forwarder, logger *structlog.Logger, opts ...CollectorOption) *Collector {
	c := &Collector{fwd: fwd, logger: logger, maxBody: 1 << 20}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Routes registers the collector endpoints on mux.
func (c *Collector) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/collect", httpx.AllowMethods(c.HandleCollect, http.MethodPost))
	mux.HandleFunc("/health", httpx.AllowMethods(c.HandleHealth, http.MethodGet, http.MethodHead))
	mux.HandleFunc("/ready", httpx.AllowMethods(c.HandleReady, http.MethodGet, http.MethodHead))
}

// HandleCollect validates the batch, forwards {userId, typingData} to
// analytics and copies the reply back.
func (c *Collector) HandleCollect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := c.logger.WithContext(ctx)

	body, err := httpx.ReadBody(w, r, c.maxBody)
	if err != nil {
		httpx.WriteError(w, httpx.StatusForBodyError(err), err.Error())
		return
	}

	batch, forward, err := typing.DecodeBatch(body)
	if err != nil {
		log.Debug("rejected batch", structlog.Fields{"error": err})
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if c.limiter != nil {
		dec, err := c.limiter.Allow(ctx, batch.UserID)
		if err != nil {
			log.Warn("rate limiter unavailable, allowing request", structlog.Fields{"error": err})
		}
		if !dec.Allowed {
			secs := int(math.Ceil(dec.RetryIn.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			log.SecurityEvent("collect_rate_limited", structlog.Fields{"user_id": batch.UserID})
			httpx.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	resp, err := c.fwd.Forward(ctx, forward)
	if err != nil {
		status := relay.StatusFor(err, c.legacy)
		httpx.WriteError(w, status, err.Error())
		return
	}

	w.Header().Set("Content-Type", resp.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		log.Warn("failed to write relay response", structlog.Fields{"error": err})
	}
	log.Debug("batch relayed", structlog.Fields{
		"user_id": batch.UserID,
		"events":  len(batch.TypingData),
		"status":  resp.StatusCode,
	})
}

// HandleHealth is liveness only and never checks analytics.
func (c *Collector) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// HandleReady reports whether analytics answers its health check.
func (c *Collector) HandleReady(w http.ResponseWriter, r *http.Request) {
	if err := c.fwd.Ping(r.Context()); err != nil {
		httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  fmt.Sprintf("analytics: %v", err),
		})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
