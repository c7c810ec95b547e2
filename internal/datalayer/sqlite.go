package datalayer

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glizzus/cronrunner/internal/config"
	_ "modernc.org/sqlite"
)

//go:embed sqlite/cronjobs.sql
var sqliteSchemaFS embed.FS

// OpenSQLite opens the database file, creating its directory if needed.
// SQLite takes one writer at a time, so the pool is pinned to one connection.
func OpenSQLite(cfg *config.SQLiteConfig) (*sql.DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	if cfg.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, errors.Join(fmt.Errorf("failed to apply %q: %w", pragma, err), db.Close())
		}
	}
	return db, nil
}

// MigrateSQLite creates the cronjobs table and its fire_at index.
func MigrateSQLite(ctx context.Context, db *sql.DB) error {
	schema, err := sqliteSchemaFS.ReadFile("sqlite/cronjobs.sql")
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	return nil
}
