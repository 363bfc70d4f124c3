// Package config loads server configuration from environment variables.
//
// Rule source variables (exactly one is required):
//   - DATABASE_URL: PostgreSQL connection string.
//   - RULES_DIR: directory of JSON rule definition files, watched for changes.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - LOG_LEVEL: slog level name (default "info").
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - WRITE_RATE_LIMIT: max rule/context writes per second per client IP
//     (default "10", must be > 0 if set).
//   - CACHE_RESYNC_INTERVAL: safety-net rule cache refresh interval
//     (default "1m", must be > 0 if set).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr                  = ":8080"
	defaultWriteRateLimit            = 10
	defaultMaxJSONBodySize     int64 = 1 << 20 // 1MB
	defaultCacheResyncInterval       = time.Minute
)

// Config holds the runtime configuration for the confplane server.
type Config struct {
	DatabaseURL         string
	RulesDir            string
	HTTPAddr            string
	LogLevel            string
	WriteRateLimit      int
	MaxJSONBodySize     int64
	CacheResyncInterval time.Duration
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	rulesDir := strings.TrimSpace(os.Getenv("RULES_DIR"))
	if databaseURL == "" && rulesDir == "" {
		return Config{}, errors.New("one of DATABASE_URL or RULES_DIR is required")
	}
	if databaseURL != "" && rulesDir != "" {
		return Config{}, errors.New("DATABASE_URL and RULES_DIR are mutually exclusive")
	}

	writeRateLimit := defaultWriteRateLimit
	if value := strings.TrimSpace(os.Getenv("WRITE_RATE_LIMIT")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse WRITE_RATE_LIMIT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("WRITE_RATE_LIMIT must be > 0")
		}
		writeRateLimit = parsed
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	cacheResyncInterval := defaultCacheResyncInterval
	if v := strings.TrimSpace(os.Getenv("CACHE_RESYNC_INTERVAL")); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse CACHE_RESYNC_INTERVAL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("CACHE_RESYNC_INTERVAL must be > 0")
		}
		cacheResyncInterval = parsed
	}

	return Config{
		DatabaseURL:         databaseURL,
		RulesDir:            rulesDir,
		HTTPAddr:            envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		WriteRateLimit:      writeRateLimit,
		MaxJSONBodySize:     maxJSONBodySize,
		CacheResyncInterval: cacheResyncInterval,
	}, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
