// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - LOG_LEVEL: minimum log level (default "info").
//   - STORE_QUERY_TIMEOUT: per-statement timeout for evaluation queries
//     (default "1s", must be > 0 if set).
//   - FLAG_CACHE_TTL: lifetime of a cached per-team flag snapshot
//     (default "30s", must be > 0 if set).
//   - CACHE_RESYNC_INTERVAL: safety-net cache refresh interval
//     (default "1m", must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - PAYLOAD_DECRYPTION_KEY: hex-encoded 32-byte key for flags with
//     encrypted payloads. Unset disables decryption.
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
	defaultStoreQueryTimeout         = time.Second
	defaultFlagCacheTTL              = 30 * time.Second
	defaultCacheResyncInterval       = time.Minute
	defaultMaxJSONBodySize     int64 = 1 << 20 // 1MB
)

// Config holds the runtime configuration for the rollouts server.
type Config struct {
	DatabaseURL          string
	HTTPAddr             string
	LogLevel             string
	StoreQueryTimeout    time.Duration
	FlagCacheTTL         time.Duration
	CacheResyncInterval  time.Duration
	MaxJSONBodySize      int64
	PayloadDecryptionKey string
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	storeQueryTimeout := defaultStoreQueryTimeout
	if value := strings.TrimSpace(os.Getenv("STORE_QUERY_TIMEOUT")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse STORE_QUERY_TIMEOUT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("STORE_QUERY_TIMEOUT must be > 0")
		}
		storeQueryTimeout = parsed
	}

	flagCacheTTL := defaultFlagCacheTTL
	if value := strings.TrimSpace(os.Getenv("FLAG_CACHE_TTL")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse FLAG_CACHE_TTL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("FLAG_CACHE_TTL must be > 0")
		}
		flagCacheTTL = parsed
	}

	cacheResyncInterval := defaultCacheResyncInterval
	if value := strings.TrimSpace(os.Getenv("CACHE_RESYNC_INTERVAL")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse CACHE_RESYNC_INTERVAL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("CACHE_RESYNC_INTERVAL must be > 0")
		}
		cacheResyncInterval = parsed
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	payloadKey := strings.TrimSpace(os.Getenv("PAYLOAD_DECRYPTION_KEY"))
	if payloadKey != "" && len(payloadKey) != 64 {
		return Config{}, errors.New("PAYLOAD_DECRYPTION_KEY must be 64 hex characters")
	}

	return Config{
		DatabaseURL:          databaseURL,
		HTTPAddr:             envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:             envOrDefault("LOG_LEVEL", "info"),
		StoreQueryTimeout:    storeQueryTimeout,
		FlagCacheTTL:         flagCacheTTL,
		CacheResyncInterval:  cacheResyncInterval,
		MaxJSONBodySize:      maxJSONBodySize,
		PayloadDecryptionKey: payloadKey,
	}, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
