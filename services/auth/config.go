package main

import (
	"time"

	"perimeter/pkg/config"
)

type Config struct {
	config.Common

	// EnforceToken turns the stub into a real bearer token check.
	EnforceToken bool          `env:"AUTH_ENFORCE_TOKEN" envDefault:"false"`
	JWTSecret    string        `env:"JWT_SECRET"`
	JWTIssuer    string        `env:"JWT_ISSUER"`
	JWTLeeway    time.Duration `env:"JWT_LEEWAY" envDefault:"30s"`

	AutoMigrate  bool          `env:"DB_AUTO_MIGRATE" envDefault:"true"`
	AuditTimeout time.Duration `env:"AUDIT_TIMEOUT" envDefault:"2s"`
}

func loadConfig() (Config, error) {
	var cfg Config
	err := config.Load(&cfg)
	return cfg, err
}
