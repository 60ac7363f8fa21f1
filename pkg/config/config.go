// Package config loads projsync settings from the environment and an
// optional YAML file. Environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAuthURL   = "https://developer.api.autodesk.com/authentication/v2/token"
	DefaultOSSURL    = "https://developer.api.autodesk.com"
	DefaultChunkSize = 5 << 20
)

// Config holds projsync configuration.
type Config struct {
	Backend string `yaml:"backend"` // oss | s3 | gcs | fs

	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	AuthURL      string `yaml:"auth_url"`
	OSSURL       string `yaml:"oss_url"`

	Bucket    string `yaml:"bucket"`
	CacheDir  string `yaml:"cache_dir"`
	DataDir   string `yaml:"data_dir"`
	ChunkSize int64  `yaml:"chunk_size"`

	ProcessingURL string `yaml:"processing_url"`

	S3Region       string `yaml:"s3_region"`
	S3Endpoint     string `yaml:"s3_endpoint"`
	GCSProjectID   string `yaml:"gcs_project_id"`
	GCSSignerEmail string `yaml:"gcs_signer_email"`

	RedisAddr    string  `yaml:"redis_addr"`
	JournalDSN   string  `yaml:"journal_dsn"`
	RateLimitRPS float64 `yaml:"rate_limit_rps"`

	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTelEndpoint string `yaml:"otel_endpoint"`
	LogLevel     string `yaml:"log_level"`
}

func defaults() *Config {
	return &Config{
		Backend:      "fs",
		AuthURL:      DefaultAuthURL,
		OSSURL:       DefaultOSSURL,
		CacheDir:     "LocalCache",
		DataDir:      "data",
		ChunkSize:    DefaultChunkSize,
		OTelEndpoint: "localhost:4317",
		LogLevel:     "INFO",
	}
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := defaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.finish()
	return cfg, nil
}

// LoadFile loads a YAML file and applies environment overrides on top.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-provided config path
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.finish()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("PROJSYNC_BACKEND", &c.Backend)
	str("FORGE_CLIENT_ID", &c.ClientID)
	str("FORGE_CLIENT_SECRET", &c.ClientSecret)
	str("FORGE_AUTH_URL", &c.AuthURL)
	str("FORGE_OSS_URL", &c.OSSURL)
	str("PROJSYNC_BUCKET", &c.Bucket)
	str("PROJSYNC_CACHE_DIR", &c.CacheDir)
	str("PROJSYNC_DATA_DIR", &c.DataDir)
	str("PROCESSING_URL", &c.ProcessingURL)
	str("AWS_REGION", &c.S3Region)
	str("S3_REGION", &c.S3Region)
	str("S3_ENDPOINT", &c.S3Endpoint)
	str("GCS_PROJECT_ID", &c.GCSProjectID)
	str("GCS_SIGNER_EMAIL", &c.GCSSignerEmail)
	str("REDIS_ADDR", &c.RedisAddr)
	str("JOURNAL_DSN", &c.JournalDSN)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTelEndpoint)
	str("LOG_LEVEL", &c.LogLevel)

	if v := os.Getenv("PROJSYNC_CHUNK_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("PROJSYNC_CHUNK_SIZE: %w", err)
		}
		c.ChunkSize = n
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_RPS: %w", err)
		}
		c.RateLimitRPS = f
	}
	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		c.OTelEnabled = v == "true" || v == "1"
	}
	return nil
}

// finish derives values that depend on others.
func (c *Config) finish() {
	c.Backend = strings.ToLower(c.Backend)
	c.LogLevel = strings.ToUpper(c.LogLevel)
	if c.Bucket == "" {
		if c.ClientID != "" {
			c.Bucket = "projsync-" + strings.ToLower(c.ClientID)
		} else {
			c.Bucket = "projsync-local"
		}
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch c.Backend {
	case "oss":
		if c.ClientID == "" || c.ClientSecret == "" {
			return fmt.Errorf("backend oss requires FORGE_CLIENT_ID and FORGE_CLIENT_SECRET")
		}
	case "s3", "gcs", "fs":
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk size must be at least 1 byte, got %d", c.ChunkSize)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	return nil
}
