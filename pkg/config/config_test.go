package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Common
	AnalyticsURL string        `env:"ANALYTICS_SERVICE_URL" envDefault:"http://localhost:5000"`
	Timeout      time.Duration `env:"ANALYTICS_TIMEOUT" envDefault:"5s"`
}

func TestLoadFromAppliesDefaults(t *testing.T) {
	var cfg sample
	require.NoError(t, LoadFrom(&cfg, map[string]string{}))

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, int64(1<<20), cfg.MaxBodyBytes)
	assert.Equal(t, "http://localhost:5000", cfg.AnalyticsURL)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, ":3000", cfg.Addr("3000"))
}

func TestLoadFromOverrides(t *testing.T) {
	var cfg sample
	require.NoError(t, LoadFrom(&cfg, map[string]string{
		"PORT":              "8081",
		"ANALYTICS_TIMEOUT": "250ms",
		"REDIS_URL":         "redis://cache:6379/0",
	}))

	assert.Equal(t, ":8081", cfg.Addr("3000"))
	assert.Equal(t, 250*time.Millisecond, cfg.Timeout)
	assert.Equal(t, "redis://cache:6379/0", cfg.RedisURL)
}

func TestLoadFromRejectsBadDuration(t *testing.T) {
	var cfg sample
	err := LoadFrom(&cfg, map[string]string{"ANALYTICS_TIMEOUT": "soon"})
	assert.Error(t, err)
}

func TestGet(t *testing.T) {
	t.Setenv("PERIMETER_TEST_KEY", "v")
	assert.Equal(t, "v", Get("PERIMETER_TEST_KEY", "d"))
	assert.Equal(t, "d", Get("PERIMETER_TEST_MISSING", "d"))
}
