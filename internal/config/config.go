package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Supported store drivers.
const (
	DriverSqlite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMysql    = "mysql"
)

// Supported metrics sinks.
const (
	SinkPrometheus = "prometheus"
	SinkTerminal   = "terminal"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server identity
	Addr string `env:"LIMIT_ADDR" envDefault:":3002"`
	URL  string `env:"LIMIT_URL"` // public base URL; receiver_server comparisons use it

	// Store
	DBDriver   string `env:"LIMIT_DB_DRIVER" envDefault:"sqlite"`
	DBDSN      string `env:"LIMIT_DB_DSN"`
	DBPoolSize int    `env:"LIMIT_DB_POOL_SIZE" envDefault:"3"`

	// Cache / pubsub
	RedisURL string `env:"LIMIT_REDIS_URL" envDefault:"redis://127.0.0.1:6379/"`

	// Secrets
	JWTSecret       string `env:"LIMIT_JWT_SECRET"`
	ServerSecretKey string `env:"LIMIT_SERVER_SECRET_KEY"` // ECDH private, base64 SEC1 DER
	ServerPublicKey string `env:"LIMIT_SERVER_PUBLIC_KEY"` // ECDH public, base64 SEC1 point

	// Capacity
	PendingEventLimit int `env:"LIMIT_PENDING_EVENT_LIMIT" envDefault:"100"` // per-receiver buffer
	QueueCapacity     int `env:"LIMIT_QUEUE_CAPACITY" envDefault:"100"`
	MaxStreams        int `env:"LIMIT_MAX_STREAMS" envDefault:"10000"`

	// RequestAuth throttling (per user id)
	AuthRate  float64 `env:"LIMIT_AUTH_RATE" envDefault:"1"`
	AuthBurst int     `env:"LIMIT_AUTH_BURST" envDefault:"5"`

	// Admission safety thresholds
	CPURejectThreshold float64 `env:"LIMIT_CPU_REJECT_THRESHOLD" envDefault:"85.0"`
	MemoryLimit        int64   `env:"LIMIT_MEMORY_LIMIT" envDefault:"0"` // bytes; 0 disables the check

	// Monitoring
	MetricsSink   string        `env:"LIMIT_METRICS_SINK" envDefault:"prometheus"`
	StatsInterval time.Duration `env:"LIMIT_STATS_INTERVAL" envDefault:"15s"`

	// Lifecycle
	ShutdownGrace time.Duration `env:"LIMIT_SHUTDOWN_GRACE" envDefault:"30s"`

	// Logging
	LogLevel  string `env:"LIMIT_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LIMIT_LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the
// environment. Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	// Required fields (no sensible defaults)
	if c.Addr == "" {
		return fmt.Errorf("LIMIT_ADDR is required")
	}
	if c.URL == "" {
		return fmt.Errorf("LIMIT_URL is required")
	}
	if c.DBDSN == "" {
		return fmt.Errorf("LIMIT_DB_DSN is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("LIMIT_JWT_SECRET is required")
	}
	if c.ServerSecretKey == "" || c.ServerPublicKey == "" {
		return fmt.Errorf("LIMIT_SERVER_SECRET_KEY and LIMIT_SERVER_PUBLIC_KEY are required")
	}
	if _, err := base64.StdEncoding.DecodeString(c.ServerSecretKey); err != nil {
		return fmt.Errorf("LIMIT_SERVER_SECRET_KEY is not valid base64: %w", err)
	}
	if _, err := base64.StdEncoding.DecodeString(c.ServerPublicKey); err != nil {
		return fmt.Errorf("LIMIT_SERVER_PUBLIC_KEY is not valid base64: %w", err)
	}

	// Enum checks
	switch c.DBDriver {
	case DriverSqlite, DriverPostgres, DriverMysql:
	default:
		return fmt.Errorf("LIMIT_DB_DRIVER must be one of: sqlite, postgres, mysql (got: %s)", c.DBDriver)
	}
	switch c.MetricsSink {
	case SinkPrometheus, SinkTerminal:
	case "influxdb":
		return fmt.Errorf("LIMIT_METRICS_SINK influxdb is not supported")
	default:
		return fmt.Errorf("LIMIT_METRICS_SINK must be one of: prometheus, terminal (got: %s)", c.MetricsSink)
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LIMIT_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LIMIT_LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	// Range checks
	if c.DBPoolSize < 1 {
		return fmt.Errorf("LIMIT_DB_POOL_SIZE must be > 0, got %d", c.DBPoolSize)
	}
	if c.PendingEventLimit < 1 {
		return fmt.Errorf("LIMIT_PENDING_EVENT_LIMIT must be > 0, got %d", c.PendingEventLimit)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("LIMIT_QUEUE_CAPACITY must be > 0, got %d", c.QueueCapacity)
	}
	if c.MaxStreams < 1 {
		return fmt.Errorf("LIMIT_MAX_STREAMS must be > 0, got %d", c.MaxStreams)
	}
	if c.AuthRate <= 0 {
		return fmt.Errorf("LIMIT_AUTH_RATE must be > 0, got %g", c.AuthRate)
	}
	if c.AuthBurst < 1 {
		return fmt.Errorf("LIMIT_AUTH_BURST must be > 0, got %d", c.AuthBurst)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("LIMIT_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.MemoryLimit < 0 {
		return fmt.Errorf("LIMIT_MEMORY_LIMIT must be >= 0, got %d", c.MemoryLimit)
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("LIMIT_SHUTDOWN_GRACE must be > 0, got %s", c.ShutdownGrace)
	}
	if c.StatsInterval <= 0 {
		return fmt.Errorf("LIMIT_STATS_INTERVAL must be > 0, got %s", c.StatsInterval)
	}

	return nil
}

// LogConfig logs the effective non-secret configuration.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("url", c.URL).
		Str("db_driver", c.DBDriver).
		Int("db_pool_size", c.DBPoolSize).
		Str("redis_url", c.RedisURL).
		Int("pending_event_limit", c.PendingEventLimit).
		Int("queue_capacity", c.QueueCapacity).
		Int("max_streams", c.MaxStreams).
		Float64("auth_rate", c.AuthRate).
		Int("auth_burst", c.AuthBurst).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Int64("memory_limit", c.MemoryLimit).
		Str("metrics_sink", c.MetricsSink).
		Dur("stats_interval", c.StatsInterval).
		Dur("shutdown_grace", c.ShutdownGrace).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
