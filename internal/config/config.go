// Package config loads the dataplane demo configuration from the
// environment, with optional .env file support.
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/baxromumarov/dataplane/gstate"
	"github.com/baxromumarov/dataplane/internal/logging"
)

// Config holds the demo pipeline configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Workers per parallel stage; 0 means GOMAXPROCS.
	Workers int `env:"DP_WORKERS" envDefault:"0"`

	// Stage sizing
	EventSize     int `env:"DP_EVENT_SIZE" envDefault:"16"`
	MaxBatch      int `env:"DP_MAX_BATCH" envDefault:"32"`
	QueueCapacity int `env:"DP_QUEUE_CAPACITY" envDefault:"1024"`

	// Source rate limiting, in events per second
	SourceRate  float64 `env:"DP_SOURCE_RATE" envDefault:"10000"`
	SourceBurst int     `env:"DP_SOURCE_BURST" envDefault:"256"`

	// Run control. RunFor of 0 runs until a signal arrives.
	RunFor          time.Duration `env:"DP_RUN_FOR" envDefault:"0s"`
	ShutdownTimeout time.Duration `env:"DP_SHUTDOWN_TIMEOUT" envDefault:"5s"`
	ShutdownGrace   string        `env:"DP_SHUTDOWN_GRACE" envDefault:"gracefully"`

	// Observability. An empty MetricsAddr disables the /metrics listener.
	MetricsAddr   string        `env:"DP_METRICS_ADDR" envDefault:""`
	StatsInterval time.Duration `env:"DP_STATS_INTERVAL" envDefault:"5s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from the environment. Variables from the given
// .env files (or ./.env when none are named) are loaded first; variables
// already set in the environment win.
func Load(logger *zerolog.Logger, files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil {
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

	if logger != nil {
		cfg.LogConfig(*logger)
	}
	return cfg, nil
}

// Validate checks ranges and enums.
func (c *Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("DP_WORKERS must be >= 0, got %d", c.Workers)
	}
	if c.EventSize < 8 {
		return fmt.Errorf("DP_EVENT_SIZE must be >= 8, got %d", c.EventSize)
	}
	if c.MaxBatch < 1 {
		return fmt.Errorf("DP_MAX_BATCH must be > 0, got %d", c.MaxBatch)
	}
	if c.QueueCapacity < c.MaxBatch {
		return fmt.Errorf("DP_QUEUE_CAPACITY (%d) must be >= DP_MAX_BATCH (%d)", c.QueueCapacity, c.MaxBatch)
	}
	if c.SourceRate <= 0 {
		return fmt.Errorf("DP_SOURCE_RATE must be > 0, got %g", c.SourceRate)
	}
	if c.SourceBurst < c.MaxBatch {
		return fmt.Errorf("DP_SOURCE_BURST (%d) must be >= DP_MAX_BATCH (%d)", c.SourceBurst, c.MaxBatch)
	}
	if c.RunFor < 0 {
		return fmt.Errorf("DP_RUN_FOR must be >= 0, got %s", c.RunFor)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("DP_SHUTDOWN_TIMEOUT must be > 0, got %s", c.ShutdownTimeout)
	}
	if c.StatsInterval <= 0 {
		return fmt.Errorf("DP_STATS_INTERVAL must be > 0, got %s", c.StatsInterval)
	}

	if _, ok := gstate.ParseGraceLevel(c.ShutdownGrace); !ok {
		return fmt.Errorf("DP_SHUTDOWN_GRACE must be one of: gracefully, right_now (got: %s)", c.ShutdownGrace)
	}
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	switch logging.Format(c.LogFormat) {
	case logging.FormatJSON, logging.FormatPretty:
	default:
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// WorkerCount resolves the configured worker count.
func (c *Config) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// Grace returns the configured shutdown grace level.
func (c *Config) Grace() gstate.GraceLevel {
	g, _ := gstate.ParseGraceLevel(c.ShutdownGrace)
	return g
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	return logging.Config{Level: c.LogLevel, Format: logging.Format(c.LogFormat)}
}

// LogConfig logs the configuration as one structured event.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Int("workers", c.WorkerCount()).
		Int("event_size", c.EventSize).
		Int("max_batch", c.MaxBatch).
		Int("queue_capacity", c.QueueCapacity).
		Float64("source_rate", c.SourceRate).
		Int("source_burst", c.SourceBurst).
		Dur("run_for", c.RunFor).
		Dur("shutdown_timeout", c.ShutdownTimeout).
		Str("shutdown_grace", c.ShutdownGrace).
		Str("metrics_addr", c.MetricsAddr).
		Dur("stats_interval", c.StatsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
