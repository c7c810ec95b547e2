package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type SQLiteConfig struct {
	Path        string        `env:"SQLITE_PATH, default=data/cronjobs.db"`
	BusyTimeout time.Duration `env:"SQLITE_BUSY_TIMEOUT, default=5s"`
}

func NewSQLiteConfigFromEnv() (*SQLiteConfig, error) {
	var cfg SQLiteConfig
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
