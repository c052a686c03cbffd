package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Addr:               ":3002",
		URL:                "http://localhost:3002",
		DBDriver:           DriverSqlite,
		DBDSN:              ":memory:",
		DBPoolSize:         3,
		RedisURL:           "redis://127.0.0.1:6379/",
		JWTSecret:          "test-secret",
		ServerSecretKey:    "c2VydmVyLXNlY3JldA==",
		ServerPublicKey:    "c2VydmVyLXB1YmxpYw==",
		PendingEventLimit:  100,
		QueueCapacity:      100,
		MaxStreams:         10000,
		AuthRate:           1,
		AuthBurst:          5,
		CPURejectThreshold: 85,
		MetricsSink:        SinkPrometheus,
		StatsInterval:      15 * time.Second,
		ShutdownGrace:      30 * time.Second,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	t.Parallel()
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing url", func(c *Config) { c.URL = "" }, "LIMIT_URL"},
		{"missing dsn", func(c *Config) { c.DBDSN = "" }, "LIMIT_DB_DSN"},
		{"missing jwt secret", func(c *Config) { c.JWTSecret = "" }, "LIMIT_JWT_SECRET"},
		{"missing keypair", func(c *Config) { c.ServerPublicKey = "" }, "LIMIT_SERVER_SECRET_KEY"},
		{"secret key not base64", func(c *Config) { c.ServerSecretKey = "%%%" }, "not valid base64"},
		{"unknown driver", func(c *Config) { c.DBDriver = "oracle" }, "LIMIT_DB_DRIVER"},
		{"influxdb sink", func(c *Config) { c.MetricsSink = "influxdb" }, "influxdb"},
		{"unknown sink", func(c *Config) { c.MetricsSink = "statsd" }, "LIMIT_METRICS_SINK"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "LIMIT_LOG_LEVEL"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LIMIT_LOG_FORMAT"},
		{"pool too small", func(c *Config) { c.DBPoolSize = 0 }, "LIMIT_DB_POOL_SIZE"},
		{"pending limit too small", func(c *Config) { c.PendingEventLimit = 0 }, "LIMIT_PENDING_EVENT_LIMIT"},
		{"queue too small", func(c *Config) { c.QueueCapacity = 0 }, "LIMIT_QUEUE_CAPACITY"},
		{"auth rate zero", func(c *Config) { c.AuthRate = 0 }, "LIMIT_AUTH_RATE"},
		{"auth burst zero", func(c *Config) { c.AuthBurst = 0 }, "LIMIT_AUTH_BURST"},
		{"cpu threshold of range", func(c *Config) { c.CPURejectThreshold = 150 }, "LIMIT_CPU_REJECT_THRESHOLD"},
		{"negative memory limit", func(c *Config) { c.MemoryLimit = -1 }, "LIMIT_MEMORY_LIMIT"},
		{"zero grace", func(c *Config) { c.ShutdownGrace = 0 }, "LIMIT_SHUTDOWN_GRACE"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadAppliesDefaultsAndEnv(t *testing.T) {
	t.Setenv("LIMIT_URL", "http://limit.test:3002")
	t.Setenv("LIMIT_DB_DSN", ":memory:")
	t.Setenv("LIMIT_JWT_SECRET", "s3cret")
	t.Setenv("LIMIT_SERVER_SECRET_KEY", "c2VydmVyLXNlY3JldA==")
	t.Setenv("LIMIT_SERVER_PUBLIC_KEY", "c2VydmVyLXB1YmxpYw==")
	t.Setenv("LIMIT_DB_POOL_SIZE", "5")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":3002", cfg.Addr)
	assert.Equal(t, "http://limit.test:3002", cfg.URL)
	assert.Equal(t, DriverSqlite, cfg.DBDriver)
	assert.Equal(t, 5, cfg.DBPoolSize)
	assert.Equal(t, "redis://127.0.0.1:6379/", cfg.RedisURL)
	assert.Equal(t, 100, cfg.PendingEventLimit)
	assert.Equal(t, 100, cfg.QueueCapacity)
	assert.Equal(t, 30*time.Second, cfg.ShutdownGrace)
}
