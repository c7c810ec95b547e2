package config

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// RunnerConfig configures the job runtime and the process hosting it.
type RunnerConfig struct {
	Period        time.Duration `env:"CRON_PERIOD, default=1s"`
	StopTimeout   time.Duration `env:"CRON_STOP_TIMEOUT, default=1s"`
	DrainTimeout  time.Duration `env:"CRON_DRAIN_TIMEOUT, default=30s"`
	FailurePolicy string        `env:"CRON_FAILURE_POLICY, default=leave"`
	StoreDriver   string        `env:"STORE_DRIVER, default=sqlite"`
	MetricsAddr   string        `env:"METRICS_ADDR, default=:9090"`

	HeartbeatSchedule string `env:"HEARTBEAT_SCHEDULE, default=0 * * * * *"`

	LogLevel  string `env:"LOG_LEVEL, default=INFO"`
	LogFormat string `env:"LOG_FORMAT, default=json"`
}

var storeDrivers = []string{"postgres", "sqlite", "redis", "memory"}

func NewRunnerConfigFromEnv() (*RunnerConfig, error) {
	var cfg RunnerConfig
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return nil, err
	}
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("CRON_PERIOD must be positive, got %s", cfg.Period)
	}
	if !slices.Contains(storeDrivers, cfg.StoreDriver) {
		return nil, fmt.Errorf("STORE_DRIVER must be one of %v, got %q", storeDrivers, cfg.StoreDriver)
	}

	return &cfg, nil
}
