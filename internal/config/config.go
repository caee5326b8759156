// Package config handles process configuration loaded from the environment
// and the policy Settings applied to every proxied request.
package config

import (
	"fmt"
	"time"
)

// Stats sink kinds.
const (
	StatsSinkHTTP  = "http"
	StatsSinkRedis = "redis"
)

// Config holds process-level values loaded from environment variables.
// Policy behaviour lives in Settings.
type Config struct {
	// Server configuration
	ListenAddr      string        // Address to listen on (e.g., ":9000")
	RequestTimeout  time.Duration // Timeout for non-streaming upstream calls
	MaxRequestSize  int64         // Maximum size of incoming request bodies in bytes
	ShutdownTimeout time.Duration // Grace period for in-flight requests on shutdown

	// Metrics
	EnableMetrics bool   // Serve runtime counters as JSON
	MetricsPath   string // Path of the metrics endpoint

	// Logging
	LogLevel  string // debug, info, warn, error
	LogFormat string // json or console
	LogFile   string // Path to log file (empty for stdout)

	// Policy settings and wordlists
	SettingsFile string // Optional YAML file layered over the default settings
	WordlistDir  string // Directory holding {name}.txt wordlists

	// Redis, shared by the redis config cache tier and the redis stats sink
	RedisAddr     string
	RedisDB       int
	RedisPassword string

	// Stats delivery
	StatsSink      string        // "http" posts to USAGE_PANDA_API, "redis" appends to a stream
	StatsStream    string        // Redis stream name for the redis sink
	StatsQueueSize int           // Async upload queue capacity
	StatsTimeout   time.Duration // Per-upload send timeout

	// Tenant keys whose config is re-fetched on every cache reset
	ConfigRefreshKeys []string
}

// New creates a configuration from environment variables, applying defaults
// where variables are unset, and validates the result.
func New() (*Config, error) {
	def := DefaultConfig()
	cfg := &Config{
		ListenAddr:      getEnvString("LISTEN_ADDR", def.ListenAddr),
		RequestTimeout:  getEnvDuration("REQUEST_TIMEOUT", def.RequestTimeout),
		MaxRequestSize:  getEnvInt64("MAX_REQUEST_SIZE", def.MaxRequestSize),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", def.ShutdownTimeout),

		EnableMetrics: getEnvBool("ENABLE_METRICS", def.EnableMetrics),
		MetricsPath:   getEnvString("METRICS_PATH", def.MetricsPath),

		LogLevel:  getEnvString("LOG_LEVEL", def.LogLevel),
		LogFormat: getEnvString("LOG_FORMAT", def.LogFormat),
		LogFile:   getEnvString("LOG_FILE", def.LogFile),

		SettingsFile: getEnvString("SETTINGS_FILE", def.SettingsFile),
		WordlistDir:  getEnvString("WORDLIST_DIR", def.WordlistDir),

		RedisAddr:     getEnvString("REDIS_ADDR", def.RedisAddr),
		RedisDB:       getEnvInt("REDIS_DB", def.RedisDB),
		RedisPassword: getEnvString("REDIS_PASSWORD", def.RedisPassword),

		StatsSink:      getEnvString("STATS_SINK", def.StatsSink),
		StatsStream:    getEnvString("STATS_STREAM", def.StatsStream),
		StatsQueueSize: getEnvInt("STATS_QUEUE_SIZE", def.StatsQueueSize),
		StatsTimeout:   getEnvDuration("STATS_TIMEOUT", def.StatsTimeout),

		ConfigRefreshKeys: getEnvStringSlice("CONFIG_REFRESH_KEYS", nil),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.StatsSink {
	case StatsSinkHTTP:
	case StatsSinkRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("STATS_SINK=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("invalid STATS_SINK %q: must be %q or %q", c.StatsSink, StatsSinkHTTP, StatsSinkRedis)
	}
	if c.StatsQueueSize <= 0 {
		return fmt.Errorf("STATS_QUEUE_SIZE must be positive, got %d", c.StatsQueueSize)
	}
	return nil
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      ":9000",
		RequestTimeout:  120 * time.Second,
		MaxRequestSize:  10 * 1024 * 1024, // 10MB
		ShutdownTimeout: 30 * time.Second,

		EnableMetrics: true,
		MetricsPath:   "/metrics",

		LogLevel:  "info",
		LogFormat: "json",

		WordlistDir: "./wordlists",

		StatsSink:      StatsSinkHTTP,
		StatsStream:    "usagepanda:stats",
		StatsQueueSize: 1000,
		StatsTimeout:   3500 * time.Millisecond,
	}
}
