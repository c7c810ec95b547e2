package repository

import (
	"context"
	"fmt"

	"github.com/glizzus/cronrunner/internal/config"
	"github.com/glizzus/cronrunner/internal/datalayer"
)

// OpenFromEnv connects the repository named by driver using its *_ env
// configuration. The returned close func releases the underlying connection.
func OpenFromEnv(ctx context.Context, driver string) (JobRepository, func() error, error) {
	switch driver {
	case "postgres":
		pool, err := datalayer.NewPostgresPoolFromEnv(ctx)
		if err != nil {
			return nil, nil, err
		}
		return NewPostgresJobRepository(pool), func() error {
			pool.Close()
			return nil
		}, nil

	case "sqlite":
		cfg, err := config.NewSQLiteConfigFromEnv()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load sqlite config: %w", err)
		}
		db, err := datalayer.OpenSQLite(cfg)
		if err != nil {
			return nil, nil, err
		}
		return NewSQLiteJobRepository(db), db.Close, nil

	case "redis":
		cfg, err := config.NewRedisConfigFromEnv()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load redis config: %w", err)
		}
		client, err := datalayer.NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return NewRedisJobRepository(client, cfg.KeyPrefix), client.Close, nil

	case "memory":
		return NewMemoryJobRepository(), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", driver)
}
