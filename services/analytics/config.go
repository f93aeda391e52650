package main

import (
	"time"

	"perimeter/pkg/config"
)

type Config struct {
	config.Common

	// MinEvents below which a batch scores the neutral 0.5.
	MinEvents int `env:"ANALYTICS_MIN_EVENTS" envDefault:"5"`
	// BaselineAlpha weights a new batch in the per-user moving average.
	BaselineAlpha float64       `env:"BASELINE_ALPHA" envDefault:"0.2"`
	BaselineTTL   time.Duration `env:"BASELINE_TTL" envDefault:"720h"`
	AutoMigrate   bool          `env:"DB_AUTO_MIGRATE" envDefault:"true"`
}

func loadConfig() (Config, error) {
	var cfg Config
	err := config.Load(&cfg)
	return cfg, err
}
