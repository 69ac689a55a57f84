package config

import (
	"testing"
	"time"
)

func TestLoad_RequiredDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail when DATABASE_URL is empty")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("STORE_QUERY_TIMEOUT", "")
	t.Setenv("FLAG_CACHE_TTL", "")
	t.Setenv("CACHE_RESYNC_INTERVAL", "")
	t.Setenv("PAYLOAD_DECRYPTION_KEY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.StoreQueryTimeout != time.Second {
		t.Errorf("StoreQueryTimeout = %v, want 1s", cfg.StoreQueryTimeout)
	}
	if cfg.FlagCacheTTL != 30*time.Second {
		t.Errorf("FlagCacheTTL = %v, want 30s", cfg.FlagCacheTTL)
	}
	if cfg.CacheResyncInterval != time.Minute {
		t.Errorf("CacheResyncInterval = %v, want 1m", cfg.CacheResyncInterval)
	}
	if cfg.MaxJSONBodySize != 1<<20 {
		t.Errorf("MaxJSONBodySize = %d, want %d", cfg.MaxJSONBodySize, 1<<20)
	}
}

func TestLoad_StoreQueryTimeout_Invalid(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("STORE_QUERY_TIMEOUT", "not-a-duration")
	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail for invalid STORE_QUERY_TIMEOUT")
	}
}

func TestLoad_StoreQueryTimeout_Zero(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("STORE_QUERY_TIMEOUT", "0s")
	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail for zero STORE_QUERY_TIMEOUT")
	}
}

func TestLoad_FlagCacheTTL_Negative(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("FLAG_CACHE_TTL", "-1s")
	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail for negative FLAG_CACHE_TTL")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("HTTP_ADDR", ":3000")
	t.Setenv("STORE_QUERY_TIMEOUT", "250ms")
	t.Setenv("FLAG_CACHE_TTL", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPAddr != ":3000" {
		t.Errorf("HTTPAddr = %q, want :3000", cfg.HTTPAddr)
	}
	if cfg.StoreQueryTimeout != 250*time.Millisecond {
		t.Errorf("StoreQueryTimeout = %v, want 250ms", cfg.StoreQueryTimeout)
	}
	if cfg.FlagCacheTTL != 5*time.Second {
		t.Errorf("FlagCacheTTL = %v, want 5s", cfg.FlagCacheTTL)
	}
}

func TestLoad_MaxJSONBodySize_Invalid(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("MAX_JSON_BODY_SIZE", "zero")
	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail for non-numeric MAX_JSON_BODY_SIZE")
	}
}

func TestLoad_PayloadKey_WrongLength(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("PAYLOAD_DECRYPTION_KEY", "abcd")
	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail for short PAYLOAD_DECRYPTION_KEY")
	}
}

func TestEnvOrDefault_EmptyReturnsDefault(t *testing.T) {
	t.Setenv("TEST_KEY", "")
	got := envOrDefault("TEST_KEY", "fallback")
	if got != "fallback" {
		t.Errorf("envOrDefault() = %q, want %q", got, "fallback")
	}
}

func TestEnvOrDefault_WhitespaceReturnsDefault(t *testing.T) {
	t.Setenv("TEST_KEY", "   ")
	got := envOrDefault("TEST_KEY", "fallback")
	if got != "fallback" {
		t.Errorf("envOrDefault() = %q, want %q", got, "fallback")
	}
}

func TestEnvOrDefault_ValueReturnsValue(t *testing.T) {
	t.Setenv("TEST_KEY", " value ")
	got := envOrDefault("TEST_KEY", "fallback")
	if got != "value" {
		t.Errorf("envOrDefault() = %q, want %q", got, "value")
	}
}
