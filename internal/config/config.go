// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all projectd server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Storage
	ProjectsPath    string
	UploadDir       string
	MaxUploadSize   int64
	LoadConcurrency int

	// S3 metadata mirror (optional, disabled when S3MirrorBucket is empty)
	S3MirrorBucket string
	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3UseSSL       bool
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:      envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:     envOr("METRICS_ADDR", ":9090"),
		LogLevel:        envOr("LOG_LEVEL", "info"),
		LogFormat:       envOr("LOG_FORMAT", "json"),
		ProjectsPath:    envOr("PROJECTS_PATH", "public/projects"),
		UploadDir:       envOr("UPLOAD_DIR", os.TempDir()),
		MaxUploadSize:   envInt64("MAX_UPLOAD_SIZE", 100*1024*1024), // 100MB default
		LoadConcurrency: envInt("LOAD_CONCURRENCY", 8),
		S3MirrorBucket:  envOr("S3_MIRROR_BUCKET", ""),
		S3Endpoint:      envOr("S3_ENDPOINT", ""),
		S3Region:        envOr("S3_REGION", "us-east-1"),
		S3AccessKey:     envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:     envOr("S3_SECRET_KEY", ""),
		S3UseSSL:        envBool("S3_USE_SSL", true),
	}

	if cfg.ProjectsPath == "" {
		return nil, fmt.Errorf("PROJECTS_PATH is required")
	}
	if cfg.MaxUploadSize <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_SIZE must be positive, got %d", cfg.MaxUploadSize)
	}
	if cfg.LoadConcurrency < 1 {
		return nil, fmt.Errorf("LOAD_CONCURRENCY must be at least 1, got %d", cfg.LoadConcurrency)
	}
	if cfg.S3MirrorBucket != "" && (cfg.S3AccessKey == "") != (cfg.S3SecretKey == "") {
		return nil, fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
	}

	return cfg, nil
}

// MirrorEnabled reports whether metadata documents are replicated to S3.
func (c *Config) MirrorEnabled() bool {
	return c.S3MirrorBucket != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
