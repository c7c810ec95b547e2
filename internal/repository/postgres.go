package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glizzus/cronrunner/internal/datalayer"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresJobRepository stores job instances in the cronjobs table.
// The caller owns the pool; the repository never closes it.
type PostgresJobRepository struct {
	db *pgxpool.Pool
}

func NewPostgresJobRepository(db *pgxpool.Pool) *PostgresJobRepository {
	return &PostgresJobRepository{db: db}
}

const jobInstanceColumns = `id, schedule, function_id, data, fire_at, claimant`

func (r *PostgresJobRepository) EnsureSchema(ctx context.Context) error {
	if err := datalayer.MigratePostgres(r.db); err != nil {
		return fmt.Errorf("failed to migrate postgres: %w", err)
	}
	return nil
}

func (r *PostgresJobRepository) Insert(ctx context.Context, instance NewJobInstance) (int64, error) {
	return insertPostgres(ctx, r.db, instance)
}

// pgxExecutor is satisfied by both the pool and a transaction.
type pgxExecutor interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertPostgres(ctx context.Context, db pgxExecutor, instance NewJobInstance) (int64, error) {
	const insertQuery = `
	INSERT INTO cronjobs (schedule, function_id, data, fire_at)
	VALUES ($1, $2, $3, $4)
	RETURNING id
	`

	var id int64
	err := db.QueryRow(ctx, insertQuery,
		instance.Schedule,
		instance.FunctionID,
		instance.Data,
		instance.FireAt.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert job instance: %w", err)
	}
	return id, nil
}

// ClaimDue claims in a single statement. Rows locked by a concurrent claim
// are skipped rather than waited on, so two racing claimers never return the
// same row.
func (r *PostgresJobRepository) ClaimDue(ctx context.Context, now time.Time, claimant string) ([]JobInstance, error) {
	const claimQuery = `
	UPDATE cronjobs SET claimant = $1
	WHERE id IN (
		SELECT id FROM cronjobs
		WHERE fire_at <= $2 AND (claimant IS NULL OR claimant <> $1)
		ORDER BY fire_at ASC
		FOR UPDATE SKIP LOCKED
	)
	RETURNING ` + jobInstanceColumns

	rows, err := r.db.Query(ctx, claimQuery, claimant, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to claim due jobs: %w", err)
	}

	claimed, err := collectPostgresInstances(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due jobs: %w", err)
	}
	sortByFireAt(claimed)
	return claimed, nil
}

func (r *PostgresJobRepository) Complete(ctx context.Context, id int64, next *NewJobInstance) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
			slog.Warn("failed to rollback transaction", "jobID", id, "error", err)
		}
	}()

	tag, err := tx.Exec(ctx, `DELETE FROM cronjobs WHERE id = $1`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to delete job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("complete job %d: %w", id, ErrNotFound)
	}

	var nextID int64
	if next != nil {
		nextID, err = insertPostgres(ctx, tx, *next)
		if err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nextID, nil
}

func (r *PostgresJobRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM cronjobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete job %d: %w", id, ErrNotFound)
	}
	return nil
}

func (r *PostgresJobRepository) Release(ctx context.Context, id int64, claimant string) error {
	const releaseQuery = `
	UPDATE cronjobs SET claimant = NULL
	WHERE id = $1 AND ($2::text = '' OR claimant = $2)
	`

	tag, err := r.db.Exec(ctx, releaseQuery, id, claimant)
	if err != nil {
		return fmt.Errorf("failed to release job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("release job %d: %w", id, ErrNotFound)
	}
	return nil
}

func (r *PostgresJobRepository) List(ctx context.Context, filter ListFilter) ([]JobInstance, error) {
	const listQuery = `
	SELECT ` + jobInstanceColumns + `
	FROM cronjobs
	WHERE ($1::text = '' OR function_id = $1)
	ORDER BY fire_at ASC, id ASC
	LIMIT NULLIF($2::int, 0)
	`

	rows, err := r.db.Query(ctx, listQuery, filter.FunctionID, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return collectPostgresInstances(rows)
}

func collectPostgresInstances(rows pgx.Rows) ([]JobInstance, error) {
	defer rows.Close()

	var instances []JobInstance
	for rows.Next() {
		var instance JobInstance
		if err := rows.Scan(
			&instance.ID,
			&instance.Schedule,
			&instance.FunctionID,
			&instance.Data,
			&instance.FireAt,
			&instance.Claimant,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job instance: %w", err)
		}
		instance.FireAt = instance.FireAt.UTC()
		instances = append(instances, instance)
	}
	return instances, rows.Err()
}

var _ JobRepository = (*PostgresJobRepository)(nil)
