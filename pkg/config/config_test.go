package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontoforge/oms/pkg/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "OMS_ENV", "DATABASE_URL", "REDIS_ADDR",
		"JWT_SECRET", "JWT_ISSUER", "JWT_AUDIENCE", "POLICY_PROFILE",
		"OUTBOX_RELAY_SHARDS", "OUTBOX_RELAY_INTERVAL_S", "LOCK_SWEEP_INTERVAL_S",
		"HEARTBEAT_GRACE_MULTIPLIER", "OVERRIDE_TTL_S", "CONSUMER_MAX_RETRIES",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.True(t, cfg.Development(), "empty OMS_ENV boots in development")
	assert.Contains(t, cfg.DatabaseURL, "localhost")
	assert.Equal(t, 1, cfg.RelayShards)
	assert.Equal(t, 3, cfg.HeartbeatGrace)
	assert.Equal(t, time.Hour, cfg.OverrideTTL)
	assert.Equal(t, 10*time.Second, cfg.SweepInterval)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("OMS_ENV", "production")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("OUTBOX_RELAY_SHARDS", "4")
	t.Setenv("OVERRIDE_TTL_S", "600")
	t.Setenv("LOCK_SWEEP_INTERVAL_S", "5")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.False(t, cfg.Development())
	assert.Equal(t, 4, cfg.RelayShards)
	assert.Equal(t, 10*time.Minute, cfg.OverrideTTL)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
}

func TestMissingSecretOutsideDevIsFatal(t *testing.T) {
	clearEnv(t)
	t.Setenv("OMS_ENV", "production")

	_, err := config.Load()
	var fatal *config.FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, config.ExitMissingSecret, fatal.Code)
}

func TestMalformedNumericIsFatal(t *testing.T) {
	clearEnv(t)
	t.Setenv("OUTBOX_RELAY_SHARDS", "four")

	_, err := config.Load()
	var fatal *config.FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, config.ExitMalformedValue, fatal.Code)
}

func TestNegativeSecondsIsFatal(t *testing.T) {
	clearEnv(t)
	t.Setenv("OVERRIDE_TTL_S", "-1")

	_, err := config.Load()
	var fatal *config.FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, config.ExitMalformedValue, fatal.Code)
}
