package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"perimeter/pkg/cache"
	"perimeter/pkg/circuitbreaker"
	"perimeter/pkg/httpx"
	"perimeter/pkg/metrics"
	otelobs "perimeter/pkg/observability/otel"
	"perimeter/pkg/ratelimit"
	"perimeter/pkg/relay"
	"perimeter/pkg/structlog"
)

const serviceName = "collector"

func main() {
	cfg, err := loadConfig()
	logger := structlog.NewLogger(serviceName, structlog.ParseLevel(cfg.LogLevel), os.Stdout)
	structlog.SetDefaultLogger(logger)
	if err != nil {
		logger.Fatal("invalid configuration", structlog.Fields{"error": err})
	}

	ctx, stop := httpx.SignalContext()
	defer stop()

	shutdownTracer := otelobs.InitTracer(ctx, serviceName, cfg.OTLPEndpoint, logger)
	defer shutdownTracer(context.Background())

	shutdownMetrics := metrics.StartOTelExporter(ctx, serviceName, cfg.OTLPEndpoint, logger)
	defer shutdownMetrics(context.Background())

	reg := metrics.NewRegistry()
	httpMetrics := metrics.NewHTTPMetrics(reg, serviceName)
	relayMetrics := metrics.NewRelayMetrics(reg, serviceName)

	breaker := circuitbreaker.NewCircuitBreaker("analytics", circuitbreaker.Settings{
		FailureThreshold: cfg.BreakerFailures,
		Timeout:          cfg.BreakerOpenTimeout,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Warn("circuit breaker state change", structlog.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})

	client, err := relay.New(relay.Config{
		BaseURL:         cfg.AnalyticsURL,
		Timeout:         cfg.AnalyticsTimeout,
		MaxAttempts:     cfg.AnalyticsMaxAttempts,
		BackoffBase:     cfg.AnalyticsBackoffBase,
		BackoffMax:      cfg.AnalyticsBackoffMax,
		MaxConnsPerHost: cfg.AnalyticsMaxConns,
	},
		relay.WithBreaker(breaker),
		relay.WithMetrics(relayMetrics),
		relay.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal("failed to create relay client", structlog.Fields{"error": err})
	}

	opts := []CollectorOption{
		WithLegacyErrors(cfg.LegacyRelayErrors),
		WithMaxBody(cfg.MaxBodyBytes),
	}
	if cfg.RedisURL != "" {
		rdb, err := cache.NewClient(cfg.RedisURL, cache.Options{ReadTimeout: 500 * time.Millisecond})
		if err != nil {
			logger.Fatal("invalid REDIS_URL", structlog.Fields{"error": err})
		}
		defer rdb.Close()
		opts = append(opts, WithLimiter(ratelimit.NewDistributedLimiter(rdb, cfg.RateLimitBurst, cfg.RateLimitPerSecond, "collect")))
		logger.Info("rate limiting enabled", structlog.Fields{
			"burst":      cfg.RateLimitBurst,
			"per_second": cfg.RateLimitPerSecond,
		})
	}

	collector := NewCollector(client, logger, opts...)

	mux := http.NewServeMux()
	collector.Routes(mux)
	mux.Handle("/metrics", metrics.Handler(reg))

	var h http.Handler = mux
	h = httpMetrics.Middleware(h)
	h = otelobs.HTTPTraceLogMiddleware(logger, h)
	h = httpx.CorrelationID(h)
	h = otelobs.WrapHTTPHandler(serviceName, h)
	h = httpx.Recover(logger, h)

	srv := httpx.NewServer(httpx.ServerConfig{
		Addr:         cfg.Addr("3000"),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, h, logger)

	logger.Info("collector service starting", structlog.Fields{
		"analytics_url":       client.Target(),
		"legacy_relay_errors": cfg.LegacyRelayErrors,
	})
	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server failed", structlog.Fields{"error": err})
	}
}
