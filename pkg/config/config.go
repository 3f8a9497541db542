// Package config reads service configuration from environment variables.
// Misconfiguration is fatal at startup: a missing secret exits 3, a malformed
// numeric exits 2, so a bad deployment never serves traffic half-configured.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Exit codes for fatal startup misconfiguration.
const (
	ExitMalformedValue = 2
	ExitMissingSecret  = 3
)

// FatalError carries the process exit code for a startup misconfiguration.
type FatalError struct {
	Code int
	Msg  string
}

func (e *FatalError) Error() string { return e.Msg }

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// Env is the deployment mode; "development" relaxes secret requirements.
	Env string

	DatabaseURL string
	RedisAddr   string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	RelayShards        int
	RelayInterval      time.Duration
	SweepInterval      time.Duration
	HeartbeatGrace     int
	OverrideTTL        time.Duration
	PolicyProfilePath  string
	OTLPEndpoint       string
	ConsumerMaxRetries int
}

// Development reports whether the service runs in development mode.
func (c *Config) Development() bool { return c.Env == "development" }

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              envOr("PORT", "8080"),
		LogLevel:          envOr("LOG_LEVEL", "INFO"),
		Env:               envOr("OMS_ENV", "development"),
		DatabaseURL:       envOr("DATABASE_URL", "postgres://oms@localhost:5432/oms?sslmode=disable"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		JWTIssuer:         envOr("JWT_ISSUER", "oms"),
		JWTAudience:       envOr("JWT_AUDIENCE", "oms"),
		PolicyProfilePath: os.Getenv("POLICY_PROFILE"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.JWTSecret == "" && !cfg.Development() {
		return nil, &FatalError{
			Code: ExitMissingSecret,
			Msg:  "JWT_SECRET is required outside development mode",
		}
	}

	var err error
	if cfg.RelayShards, err = envInt("OUTBOX_RELAY_SHARDS", 1); err != nil {
		return nil, err
	}
	if cfg.HeartbeatGrace, err = envInt("HEARTBEAT_GRACE_MULTIPLIER", 3); err != nil {
		return nil, err
	}
	if cfg.ConsumerMaxRetries, err = envInt("CONSUMER_MAX_RETRIES", 5); err != nil {
		return nil, err
	}
	if cfg.RelayInterval, err = envSeconds("OUTBOX_RELAY_INTERVAL_S", 1*time.Second); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = envSeconds("LOCK_SWEEP_INTERVAL_S", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.OverrideTTL, err = envSeconds("OVERRIDE_TTL_S", time.Hour); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad loads configuration or terminates the process with the error's
// exit code.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		code := 1
		var fatal *FatalError
		if errors.As(err, &fatal) {
			code = fatal.Code
		}
		os.Exit(code)
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &FatalError{
			Code: ExitMalformedValue,
			Msg:  fmt.Sprintf("%s=%q is not an integer", key, raw),
		}
	}
	return v, nil
}

func envSeconds(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, &FatalError{
			Code: ExitMalformedValue,
			Msg:  fmt.Sprintf("%s=%q is not a non-negative integer of seconds", key, raw),
		}
	}
	return time.Duration(v) * time.Second, nil
}
