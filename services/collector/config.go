package main

import (
	"time"

	"perimeter/pkg/config"
)

// Config is read from the environment at startup.
type Config struct {
	config.Common

	AnalyticsURL         string        `env:"ANALYTICS_SERVICE_URL" envDefault:"http://localhost:5000"`
	AnalyticsTimeout     time.Duration `env:"ANALYTICS_TIMEOUT" envDefault:"5s"`
	AnalyticsMaxAttempts uint          `env:"ANALYTICS_MAX_ATTEMPTS" envDefault:"2"`
	AnalyticsBackoffBase time.Duration `env:"ANALYTICS_BACKOFF_BASE" envDefault:"100ms"`
	AnalyticsBackoffMax  time.Duration `env:"ANALYTICS_BACKOFF_MAX" envDefault:"2s"`
	AnalyticsMaxConns    int           `env:"ANALYTICS_MAX_CONNS" envDefault:"64"`

	BreakerFailures    uint32        `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerOpenTimeout time.Duration `env:"BREAKER_OPEN_TIMEOUT" envDefault:"30s"`

	// LegacyRelayErrors answers 400 for every relay failure.
	LegacyRelayErrors bool `env:"LEGACY_RELAY_ERRORS" envDefault:"false"`

	RateLimitBurst     int64   `env:"RATE_LIMIT_BURST" envDefault:"20"`
	RateLimitPerSecond float64 `env:"RATE_LIMIT_PER_SECOND" envDefault:"5"`
}

func loadConfig() (Config, error) {
	var cfg Config
	err := config.Load(&cfg)
	return cfg, err
}
