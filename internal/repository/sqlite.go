package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glizzus/cronrunner/internal/datalayer"
)

// sqliteTimeLayout is fixed width so that fire_at compares correctly as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteJobRepository stores job instances in a SQLite cronjobs table.
// The caller owns the *sql.DB.
type SQLiteJobRepository struct {
	db *sql.DB
}

func NewSQLiteJobRepository(db *sql.DB) *SQLiteJobRepository {
	return &SQLiteJobRepository{db: db}
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func (r *SQLiteJobRepository) EnsureSchema(ctx context.Context) error {
	return datalayer.MigrateSQLite(ctx, r.db)
}

// sqlExecutor is satisfied by both *sql.DB and *sql.Tx.
type sqlExecutor interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *SQLiteJobRepository) Insert(ctx context.Context, instance NewJobInstance) (int64, error) {
	return insertSQLite(ctx, r.db, instance)
}

func insertSQLite(ctx context.Context, db sqlExecutor, instance NewJobInstance) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx,
		`INSERT INTO cronjobs (schedule, function_id, data, fire_at) VALUES (?, ?, ?, ?) RETURNING id`,
		instance.Schedule,
		instance.FunctionID,
		string(instance.Data),
		formatSQLiteTime(instance.FireAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert job instance: %w", err)
	}
	return id, nil
}

// ClaimDue is a single UPDATE ... RETURNING statement, which SQLite runs
// atomically.
func (r *SQLiteJobRepository) ClaimDue(ctx context.Context, now time.Time, claimant string) ([]JobInstance, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE cronjobs SET claimant = ?
		WHERE fire_at <= ? AND (claimant IS NULL OR claimant != ?)
		RETURNING id, schedule, function_id, data, fire_at, claimant`,
		claimant, formatSQLiteTime(now), claimant,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due jobs: %w", err)
	}

	claimed, err := collectSQLiteInstances(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due jobs: %w", err)
	}
	sortByFireAt(claimed)
	return claimed, nil
}

func (r *SQLiteJobRepository) Complete(ctx context.Context, id int64, next *NewJobInstance) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.Warn("failed to rollback transaction", "jobID", id, "error", err)
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM cronjobs WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to delete job %d: %w", id, err)
	}
	if err := requireAffected(res, "complete", id); err != nil {
		return 0, err
	}

	var nextID int64
	if next != nil {
		nextID, err = insertSQLite(ctx, tx, *next)
		if err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nextID, nil
}

func (r *SQLiteJobRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM cronjobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job %d: %w", id, err)
	}
	return requireAffected(res, "delete", id)
}

func (r *SQLiteJobRepository) Release(ctx context.Context, id int64, claimant string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE cronjobs SET claimant = NULL WHERE id = ? AND (? = '' OR claimant = ?)`,
		id, claimant, claimant,
	)
	if err != nil {
		return fmt.Errorf("failed to release job %d: %w", id, err)
	}
	return requireAffected(res, "release", id)
}

func (r *SQLiteJobRepository) List(ctx context.Context, filter ListFilter) ([]JobInstance, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, schedule, function_id, data, fire_at, claimant
		FROM cronjobs
		WHERE (? = '' OR function_id = ?)
		ORDER BY fire_at ASC, id ASC
		LIMIT ?`,
		filter.FunctionID, filter.FunctionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return collectSQLiteInstances(rows)
}

func requireAffected(res sql.Result, op string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s job %d: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s job %d: %w", op, id, ErrNotFound)
	}
	return nil
}

func collectSQLiteInstances(rows *sql.Rows) ([]JobInstance, error) {
	defer rows.Close()

	var instances []JobInstance
	for rows.Next() {
		var (
			instance JobInstance
			data     string
			fireAt   string
			claimant sql.NullString
		)
		if err := rows.Scan(&instance.ID, &instance.Schedule, &instance.FunctionID, &data, &fireAt, &claimant); err != nil {
			return nil, fmt.Errorf("failed to scan job instance: %w", err)
		}
		parsed, err := time.Parse(sqliteTimeLayout, fireAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse fire_at %q: %w", fireAt, err)
		}
		instance.Data = []byte(data)
		instance.FireAt = parsed.UTC()
		if claimant.Valid {
			owner := claimant.String
			instance.Claimant = &owner
		}
		instances = append(instances, instance)
	}
	return instances, rows.Err()
}

var _ JobRepository = (*SQLiteJobRepository)(nil)
