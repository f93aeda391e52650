package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"perimeter/pkg/cache"
	"perimeter/pkg/database"
	"perimeter/pkg/httpx"
	"perimeter/pkg/metrics"
	otelobs "perimeter/pkg/observability/otel"
	"perimeter/pkg/structlog"
)

const serviceName = "analytics"

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

	var baselines BaselineStore
	if cfg.RedisURL != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisURL, 2*time.Second)
		if err != nil {
			logger.Warn("redis not available, using default baselines", structlog.Fields{"error": err})
		} else {
			defer rdb.Close()
			baselines = NewRedisBaselineStore(rdb, cfg.BaselineAlpha, cfg.BaselineTTL)
		}
	}

	var results ResultStore
	if cfg.DatabaseURL != "" {
		pool, err := database.Open(ctx, database.PoolConfig{DSN: cfg.DatabaseURL}, logger)
		if err != nil {
			logger.Fatal("failed to connect to database", structlog.Fields{"error": err})
		}
		defer pool.Close()
		if cfg.AutoMigrate {
			if err := database.AutoMigrate(ctx, pool.DB(), ""); err != nil {
				logger.Fatal("failed to run migrations", structlog.Fields{"error": err})
			}
		}
		results = NewPostgresResultStore(pool)
	}

	analyzer := NewAnalyzer(baselines, results, cfg.MinEvents, logger)

	mux := http.NewServeMux()
	NewHandler(analyzer, logger, cfg.MaxBodyBytes).Routes(mux)
	mux.Handle("/metrics", metrics.Handler(reg))

	var h http.Handler = mux
	h = httpMetrics.Middleware(h)
	h = otelobs.HTTPTraceLogMiddleware(logger, h)
	h = httpx.CorrelationID(h)
	h = otelobs.WrapHTTPHandler(serviceName, h)
	h = httpx.Recover(logger, h)

	srv := httpx.NewServer(httpx.ServerConfig{
		Addr:         cfg.Addr("5000"),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, h, logger)

	logger.Info("analytics service starting", structlog.Fields{
		"redis_baselines": baselines != nil,
		"store_results":   results != nil,
	})
	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server failed", structlog.Fields{"error": err})
	}
}
