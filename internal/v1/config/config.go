// Package config validates and holds the process-wide environment
// configuration (spec.md §6 "Environment configuration (recognized
// options, abstract)").
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration. Every field here
// degrades gracefully when its backing variable is absent (spec.md §6):
// no identity-provider config means anonymous-only sessions, no store
// path change means the default local file, no KV address means
// in-process-only caching.
type Config struct {
	Port string

	GoEnv                 string
	LogLevel              string
	PerfMonitoringEnabled bool
	AllowedOrigins        string

	// Identity provider (optional: absent -> anonymous sessions only).
	IdentityProviderDomain   string
	IdentityProviderAudience string
	SkipAuth                 bool
	DevelopmentMode          bool

	// System of record (optional: absent -> default local SQLite file).
	StorePath string

	// Remote key-value tier (optional: absent -> in-process only).
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// RateLimitPerMinute is the sliding-window budget per remote address
	// (spec.md §4.10 "100 req/min sliding window").
	RateLimitPerMinute string

	// Tracing (optional: absent -> no tracer provider, otelgin middleware
	// is skipped).
	TracingEnabled   bool
	OtelServiceName  string
	OtelCollectorURL string
}

// ValidateEnv reads and validates environment configuration. Only PORT
// and (when REDIS_ENABLED) REDIS_ADDR are format-checked; every other
// variable has a safe default or a documented degraded mode, so there is
// no "required variable missing" failure mode for this core (spec.md §6
// contains no required variables — everything is optional with a
// fallback).
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.PerfMonitoringEnabled = getEnvOrDefault("PERF_MONITORING_ENABLED", "true") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.IdentityProviderDomain = os.Getenv("IDENTITY_PROVIDER_DOMAIN")
	cfg.IdentityProviderAudience = os.Getenv("IDENTITY_PROVIDER_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"

	cfg.StorePath = getEnvOrDefault("STORE_PATH", "./tinchat.db")
	cfg.RateLimitPerMinute = getEnvOrDefault("RATE_LIMIT_PER_MINUTE", "100-M")

	cfg.TracingEnabled = os.Getenv("OTEL_ENABLED") == "true"
	cfg.OtelServiceName = getEnvOrDefault("OTEL_SERVICE_NAME", "tinchat-server")
	cfg.OtelCollectorURL = getEnvOrDefault("OTEL_COLLECTOR_URL", "localhost:4317")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return parts[0] != ""
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"port", cfg.Port,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"perf_monitoring_enabled", cfg.PerfMonitoringEnabled,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"identity_provider_configured", cfg.IdentityProviderDomain != "",
		"rate_limit_per_minute", cfg.RateLimitPerMinute,
		"tracing_enabled", cfg.TracingEnabled,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
