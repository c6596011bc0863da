// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MinEvidenceSecretLen is the shortest accepted evidence key secret in bytes.
const MinEvidenceSecretLen = 32

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	AllowedOrigins  []string
	DBPath          string
	ProfilesPath    string
	LockTimeout     time.Duration
	JanitorInterval time.Duration
	Evidence        EvidenceConfig
	Detector        DetectorConfig
	Notify          NotifyConfig
	Auth            AuthConfig
	RateLimit       RateLimitConfig
}

// EvidenceConfig selects and configures the evidence backend.
type EvidenceConfig struct {
	Backend    string // "memory", "sqlite" or "s3"
	SQLitePath string
	Secret     string
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string
}

// DetectorConfig points at the optional face-detection service.
type DetectorConfig struct {
	Address        string
	RequestTimeout time.Duration
}

// NotifyConfig controls notification delivery.
type NotifyConfig struct {
	QueueSize    int
	RedisAddr    string
	RedisChannel string
}

// AuthConfig controls how proctor actors are identified.
type AuthConfig struct {
	JWTSecret string
}

// RateLimitConfig bounds per-session ingest throughput.
type RateLimitConfig struct {
	IngestRPS   float64
	IngestBurst int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            getEnv("PROCTOR_PORT", "8080"),
		FrontendURL:     getEnv("PROCTOR_FRONTEND_URL", ""),
		AllowedOrigins:  getEnvList("PROCTOR_ALLOWED_ORIGINS", []string{"*"}),
		DBPath:          getEnv("PROCTOR_DB_PATH", "./data/proctor.db"),
		ProfilesPath:    getEnv("PROCTOR_PROFILES_PATH", ""),
		LockTimeout:     getEnvDuration("PROCTOR_LOCK_TIMEOUT", 5*time.Second),
		JanitorInterval: getEnvDuration("PROCTOR_JANITOR_INTERVAL", 5*time.Minute),
		Evidence: EvidenceConfig{
			Backend:    getEnv("PROCTOR_EVIDENCE_BACKEND", "sqlite"),
			SQLitePath: getEnv("PROCTOR_EVIDENCE_PATH", "./data/evidence.db"),
			Secret:     getEnv("PROCTOR_EVIDENCE_SECRET", ""),
			S3Bucket:   getEnv("PROCTOR_EVIDENCE_S3_BUCKET", ""),
			S3Region:   getEnv("PROCTOR_EVIDENCE_S3_REGION", ""),
			S3Endpoint: getEnv("PROCTOR_EVIDENCE_S3_ENDPOINT", ""),
			S3Prefix:   getEnv("PROCTOR_EVIDENCE_S3_PREFIX", "evidence/"),
		},
		Detector: DetectorConfig{
			Address:        getEnv("PROCTOR_DETECTOR_ADDR", ""),
			RequestTimeout: getEnvDuration("PROCTOR_DETECTOR_TIMEOUT", 2*time.Second),
		},
		Notify: NotifyConfig{
			QueueSize:    getEnvInt("PROCTOR_NOTIFY_QUEUE_SIZE", 1024),
			RedisAddr:    getEnv("PROCTOR_REDIS_ADDR", ""),
			RedisChannel: getEnv("PROCTOR_REDIS_CHANNEL", "proctor:notifications"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("PROCTOR_JWT_SECRET", ""),
		},
		RateLimit: RateLimitConfig{
			IngestRPS:   getEnvFloat("PROCTOR_INGEST_RPS", 20),
			IngestBurst: getEnvInt("PROCTOR_INGEST_BURST", 40),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PROCTOR_PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("PROCTOR_DB_PATH cannot be empty")
	}
	if len(c.Evidence.Secret) < MinEvidenceSecretLen {
		return fmt.Errorf("PROCTOR_EVIDENCE_SECRET must be at least %d bytes", MinEvidenceSecretLen)
	}
	switch c.Evidence.Backend {
	case "memory":
	case "sqlite":
		if c.Evidence.SQLitePath == "" {
			return fmt.Errorf("PROCTOR_EVIDENCE_PATH cannot be empty for the sqlite backend")
		}
	case "s3":
		if c.Evidence.S3Bucket == "" {
			return fmt.Errorf("PROCTOR_EVIDENCE_S3_BUCKET cannot be empty for the s3 backend")
		}
	default:
		return fmt.Errorf("PROCTOR_EVIDENCE_BACKEND %q is not one of memory, sqlite, s3", c.Evidence.Backend)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("PROCTOR_LOCK_TIMEOUT must be > 0")
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("PROCTOR_JANITOR_INTERVAL must be > 0")
	}
	if c.Notify.QueueSize <= 0 {
		return fmt.Errorf("PROCTOR_NOTIFY_QUEUE_SIZE must be > 0")
	}
	if c.RateLimit.IngestRPS <= 0 || c.RateLimit.IngestBurst <= 0 {
		return fmt.Errorf("PROCTOR_INGEST_RPS and PROCTOR_INGEST_BURST must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
