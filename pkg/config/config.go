// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Common holds the knobs every service reads.
type Common struct {
	Port         string        `env:"PORT"`
	LogLevel     string        `env:"LOG_LEVEL" envDefault:"info"`
	OTLPEndpoint string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	MaxBodyBytes int64         `env:"MAX_BODY_BYTES" envDefault:"1048576"`
	DatabaseURL  string        `env:"DATABASE_URL"`
	RedisURL     string        `env:"REDIS_URL"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
}

// Addr returns the listen address for Port, or def when PORT is unset.
func (c Common) Addr(def string) string {
	if c.Port == "" {
		return ":" + def
	}
	return ":" + c.Port
}

// Load parses environment variables into target, a pointer to a struct with
// env tags.
func Load(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadFrom parses target from an explicit variable set instead of the process
// environment.
func LoadFrom(target any, vars map[string]string) error {
	if err := env.ParseWithOptions(target, env.Options{Environment: vars}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Get returns an environment variable or default value.
func Get(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
