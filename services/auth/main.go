package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"perimeter/pkg/auth"
	"perimeter/pkg/cache"
	"perimeter/pkg/database"
	"perimeter/pkg/httpx"
	"perimeter/pkg/metrics"
	otelobs "perimeter/pkg/observability/otel"
	"perimeter/pkg/structlog"
)

const serviceName = "auth"

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

	var store AttemptStore
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
		store = NewPostgresAttemptStore(pool)
		logger.Info("verification audit enabled", nil)
	}

	var verifier TokenVerifier
	if cfg.EnforceToken {
		var revoked auth.RevokedTokenStore = auth.NewInMemoryRevokedStore()
		if cfg.RedisURL != "" {
			rdb, err := cache.Connect(ctx, cfg.RedisURL, 2*time.Second)
			if err != nil {
				logger.Warn("redis not available, using in-memory revoked store", structlog.Fields{"error": err})
			} else {
				defer rdb.Close()
				revoked = auth.NewRedisRevokedStore(rdb)
			}
		}
		v, err := auth.NewTokenVerifier(auth.VerifierConfig{
			Secret:  []byte(cfg.JWTSecret),
			Issuer:  cfg.JWTIssuer,
			Leeway:  cfg.JWTLeeway,
			Revoked: revoked,
		})
		if err != nil {
			logger.Fatal("AUTH_ENFORCE_TOKEN requires JWT_SECRET", structlog.Fields{"error": err})
		}
		verifier = v
	} else {
		logger.SecurityEvent("verification_stub_active", structlog.Fields{
			"detail": "POST /auth/verify answers verified:true for every well-formed request; set AUTH_ENFORCE_TOKEN=true to check tokens",
		})
	}

	handler := NewVerifyHandler(verifier, store, logger, cfg.MaxBodyBytes)
	handler.auditTimeout = cfg.AuditTimeout

	mux := http.NewServeMux()
	handler.Routes(mux)
	mux.Handle("/metrics", metrics.Handler(reg))

	var h http.Handler = mux
	h = httpMetrics.Middleware(h)
	h = otelobs.HTTPTraceLogMiddleware(logger, h)
	h = httpx.CorrelationID(h)
	h = otelobs.WrapHTTPHandler(serviceName, h)
	h = httpx.Recover(logger, h)

	srv := httpx.NewServer(httpx.ServerConfig{
		Addr:         cfg.Addr("4000"),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, h, logger)

	logger.Info("auth service starting", structlog.Fields{"mode": handler.mode()})
	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server failed", structlog.Fields{"error": err})
	}
}
