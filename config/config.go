package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`

	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`

	// ExecutionMode "async" runs jobs in-process; "external" only enqueues
	// and leaves execution to other processes; "inline" performs jobs at
	// the enqueue call site (tests, scripts).
	ExecutionMode string `env:"GOODQ_EXECUTION_MODE" envDefault:"async" validate:"oneof=async external inline"`

	// Queues is the queue specifier, e.g. "high:2;default,low:4".
	Queues     string `env:"GOODQ_QUEUES" envDefault:"*"`
	MaxThreads int    `env:"GOODQ_MAX_THREADS" envDefault:"5" validate:"min=1,max=100"`

	PollInterval       time.Duration `env:"GOODQ_POLL_INTERVAL" envDefault:"10s" validate:"min=1s"`
	EnableListenNotify bool          `env:"GOODQ_ENABLE_LISTEN_NOTIFY" envDefault:"true"`
	EnableCron         bool          `env:"GOODQ_ENABLE_CRON" envDefault:"false"`

	MaxAttempts     int           `env:"GOODQ_MAX_ATTEMPTS" envDefault:"5" validate:"min=1"`
	ShutdownTimeout time.Duration `env:"GOODQ_SHUTDOWN_TIMEOUT" envDefault:"25s"`

	// RescueAfter is how long a stamped job may sit unfinished before the
	// lifeline treats it as abandoned.
	RescueAfter     time.Duration `env:"GOODQ_RESCUE_AFTER" envDefault:"4h" validate:"min=1m"`
	CleanupInterval time.Duration `env:"GOODQ_CLEANUP_INTERVAL" envDefault:"10m" validate:"min=1m"`
	// PreserveJobsFor is the retention window for finished rows.
	PreserveJobsFor time.Duration `env:"GOODQ_PRESERVE_JOBS_FOR" envDefault:"336h"`

	// OpsPort enables the operator HTTP surface when set.
	OpsPort string `env:"GOODQ_OPS_PORT"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SlogLevel maps the environment to a log level: local is chatty, deployed
// environments are not.
func (c *Config) SlogLevel() slog.Level {
	if c.Env == "local" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
