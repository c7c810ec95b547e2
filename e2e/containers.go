package e2e

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glizzus/cronrunner/internal/config"
	"github.com/glizzus/cronrunner/internal/datalayer"
	"github.com/glizzus/cronrunner/internal/repository"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

var (
	postgresOnce      sync.Once
	postgresContainer *postgres.PostgresContainer
	postgresConnStr   string
	postgresErr       error
	postgresUsers     sync.WaitGroup
)

// UsePostgres signals that the test is using Postgres as its store.
// This will either provision or reuse a Postgres container for the test.
// Do not expect a clean state in the database; it is shared across tests,
// so tests should scope their assertions to their own function ids.
func UsePostgres(t *testing.T) string {
	t.Helper()
	skipInShortMode(t)

	postgresOnce.Do(func() {
		ctx := context.Background()
		postgresContainer, postgresErr = postgres.Run(
			ctx,
			"postgres",
			postgres.WithDatabase("cronrunner"),
			postgres.WithUsername("user"),
			postgres.WithPassword("password"),
			postgres.BasicWaitStrategies(),
		)
		if postgresErr != nil {
			return
		}
		postgresConnStr, postgresErr = postgresContainer.ConnectionString(ctx)
		if postgresErr != nil {
			return
		}

		pool, err := pgxpool.New(ctx, postgresConnStr)
		if err != nil {
			postgresErr = err
			return
		}
		defer pool.Close()

		postgresErr = datalayer.MigratePostgres(pool)
	})

	if postgresErr != nil {
		t.Fatalf("failed to start postgres container: %v", postgresErr)
	}
	postgresUsers.Add(1)
	t.Cleanup(postgresUsers.Done)

	return postgresConnStr
}

// GetPostgresRepository opens a pool of its own, so that each simulated
// process has separate connections. It performs no migrations.
func GetPostgresRepository(t *testing.T, connStr string) *repository.PostgresJobRepository {
	t.Helper()
	pool, err := pgxpool.New(t.Context(), connStr)
	if err != nil {
		t.Fatalf("failed to create postgres pool: %v", err)
	}

	t.Cleanup(pool.Close)
	return repository.NewPostgresJobRepository(pool)
}

func TerminatePostgresForE2E() {
	postgresUsers.Wait()
	if postgresContainer != nil {
		err := postgresContainer.Terminate(context.Background())
		if err != nil {
			fmt.Printf("failed to terminate postgres container: %v", err)
		}
	}
}

var (
	redisOnce      sync.Once
	redisContainer *tcredis.RedisContainer
	redisOptions   *redis.Options
	redisErr       error
	redisUsers     sync.WaitGroup
)

// UseRedis is UsePostgres for Redis.
func UseRedis(t *testing.T) *redis.Options {
	t.Helper()
	skipInShortMode(t)

	redisOnce.Do(func() {
		ctx := context.Background()
		redisContainer, redisErr = tcredis.Run(ctx, "redis:7")
		if redisErr != nil {
			return
		}
		var connStr string
		connStr, redisErr = redisContainer.ConnectionString(ctx)
		if redisErr != nil {
			return
		}
		redisOptions, redisErr = redis.ParseURL(connStr)
	})

	if redisErr != nil {
		t.Fatalf("failed to start redis container: %v", redisErr)
	}
	redisUsers.Add(1)
	t.Cleanup(redisUsers.Done)

	opts := *redisOptions
	return &opts
}

// GetRedisRepository keys the repository by the test name so tests sharing
// the container do not see each other's rows.
func GetRedisRepository(t *testing.T, opts *redis.Options) *repository.RedisJobRepository {
	t.Helper()
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return repository.NewRedisJobRepository(client, "e2e:"+t.Name())
}

func TerminateRedisForE2E() {
	redisUsers.Wait()
	if redisContainer != nil {
		err := redisContainer.Terminate(context.Background())
		if err != nil {
			fmt.Printf("failed to terminate redis container: %v", err)
		}
	}
}

// GetSQLiteRepository opens its own handle on the database file at path,
// creating the schema if it does not exist yet. Handles opened on the same
// path act like separate processes sharing one store.
func GetSQLiteRepository(t *testing.T, path string) *repository.SQLiteJobRepository {
	t.Helper()
	db, err := datalayer.OpenSQLite(&config.SQLiteConfig{Path: path, BusyTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("failed to open sqlite database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := repository.NewSQLiteJobRepository(db)
	if err := repo.EnsureSchema(t.Context()); err != nil {
		t.Fatalf("failed to create sqlite schema: %v", err)
	}
	return repo
}

func skipInShortMode(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container backed test in short mode")
	}
}
