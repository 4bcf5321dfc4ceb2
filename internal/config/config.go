package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Cache backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`

	FHIRBaseURL      string        `mapstructure:"FHIR_BASE_URL"`
	FHIRAccessToken  string        `mapstructure:"FHIR_ACCESS_TOKEN"`
	FHIRPatientID    string        `mapstructure:"FHIR_PATIENT_ID"`
	FHIRFetchTimeout time.Duration `mapstructure:"FHIR_FETCH_TIMEOUT"`
	DedupInflight    bool          `mapstructure:"DEDUP_INFLIGHT"`

	CacheVersion       string        `mapstructure:"CACHE_VERSION"`
	CacheBackend       string        `mapstructure:"CACHE_BACKEND"`
	CacheSQLitePath    string        `mapstructure:"CACHE_SQLITE_PATH"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	CacheCleanInterval time.Duration `mapstructure:"CACHE_CLEAN_INTERVAL"`
	// CacheEncryptionKey is a base64 AES-256 key sealing durable cache values.
	CacheEncryptionKey string `mapstructure:"CACHE_ENCRYPTION_KEY"`

	StalenessThresholdDays int    `mapstructure:"STALENESS_THRESHOLD_DAYS"`
	StalenessElementID     string `mapstructure:"STALENESS_ELEMENT_ID"`

	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32  `mapstructure:"DB_MIN_CONNS"`
	AuditQueueSize int    `mapstructure:"AUDIT_QUEUE_SIZE"`
	AuditSite      string `mapstructure:"AUDIT_SITE"`

	OTelEndpoint   string  `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelSampleRate float64 `mapstructure:"OTEL_SAMPLE_RATE"`
}

var keys = []string{
	"PORT", "ENV", "REQUEST_TIMEOUT", "CORS_ORIGINS",
	"FHIR_BASE_URL", "FHIR_ACCESS_TOKEN", "FHIR_PATIENT_ID", "FHIR_FETCH_TIMEOUT", "DEDUP_INFLIGHT",
	"CACHE_VERSION", "CACHE_BACKEND", "CACHE_SQLITE_PATH", "REDIS_URL", "CACHE_CLEAN_INTERVAL", "CACHE_ENCRYPTION_KEY",
	"STALENESS_THRESHOLD_DAYS", "STALENESS_ELEMENT_ID",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "AUDIT_QUEUE_SIZE", "AUDIT_SITE",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SAMPLE_RATE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("FHIR_FETCH_TIMEOUT", "15s")
	v.SetDefault("DEDUP_INFLIGHT", true)
	v.SetDefault("CACHE_VERSION", "1")
	v.SetDefault("CACHE_BACKEND", BackendSQLite)
	v.SetDefault("CACHE_SQLITE_PATH", "medcalc-cache.db")
	v.SetDefault("CACHE_CLEAN_INTERVAL", "10m")
	v.SetDefault("STALENESS_THRESHOLD_DAYS", 90)
	v.SetDefault("STALENESS_ELEMENT_ID", "staleness-warnings")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("AUDIT_QUEUE_SIZE", 256)
	v.SetDefault("OTEL_SAMPLE_RATE", 1.0)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CacheBackend = strings.ToLower(strings.TrimSpace(cfg.CacheBackend))

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// StalenessThreshold returns the staleness threshold as a duration.
func (c *Config) StalenessThreshold() time.Duration {
	return time.Duration(c.StalenessThresholdDays) * 24 * time.Hour
}

// AuditPersistent reports whether audit and provenance records go to Postgres.
func (c *Config) AuditPersistent() bool {
	return c.DatabaseURL != ""
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.CacheBackend {
	case BackendSQLite:
		if c.CacheSQLitePath == "" {
			return fmt.Errorf("CACHE_SQLITE_PATH is required when CACHE_BACKEND is %q", BackendSQLite)
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when CACHE_BACKEND is %q", BackendRedis)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("CACHE_BACKEND must be \"sqlite\", \"redis\", or \"memory\", got %q", c.CacheBackend)
	}

	if c.CacheEncryptionKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.CacheEncryptionKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("CACHE_ENCRYPTION_KEY must be 32 bytes of base64")
		}
	}

	if c.FHIRBaseURL != "" {
		u, err := url.Parse(c.FHIRBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("FHIR_BASE_URL must be an absolute URL, got %q", c.FHIRBaseURL)
		}
	}
	if c.IsProduction() && c.FHIRBaseURL != "" && !strings.HasPrefix(c.FHIRBaseURL, "https://") {
		return fmt.Errorf("FHIR_BASE_URL must use https in production")
	}
	if c.FHIRFetchTimeout <= 0 {
		return fmt.Errorf("FHIR_FETCH_TIMEOUT must be positive, got %s", c.FHIRFetchTimeout)
	}
	if c.StalenessThresholdDays <= 0 {
		return fmt.Errorf("STALENESS_THRESHOLD_DAYS must be positive, got %d", c.StalenessThresholdDays)
	}
	if c.CacheVersion == "" {
		return fmt.Errorf("CACHE_VERSION must not be empty")
	}
	if c.OTelSampleRate < 0 || c.OTelSampleRate > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be within [0, 1], got %g", c.OTelSampleRate)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
