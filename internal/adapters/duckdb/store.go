package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
)

// Repository is the DuckDB-backed store for jobs and cache entries.
// A single *sql.DB is shared by all workers; the driver serializes writes,
// and transition guards live in the SQL (compare-and-set WHERE clauses).
type Repository struct {
	db        *sql.DB
	logger    *slog.Logger
	retention time.Duration
}

func NewRepository(path string, retention time.Duration, logger *slog.Logger) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb at %s: %w", path, err)
	}
	// One connection keeps racing writers on the compare-and-set WHERE
	// clauses instead of DuckDB's optimistic transaction conflicts.
	db.SetMaxOpenConns(1)

	if retention <= 0 {
		retention = 24 * time.Hour
	}

	r := &Repository{db: db, logger: logger, retention: retention}
	if err := r.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return r, nil
}

func (r *Repository) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id VARCHAR PRIMARY KEY,
			subject_key VARCHAR NOT NULL,
			status VARCHAR NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			message VARCHAR NOT NULL DEFAULT '',
			options VARCHAR NOT NULL DEFAULT '{}',
			result VARCHAR,
			error VARCHAR,
			cancel_requested BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_expires_at ON jobs(expires_at)`,
		`CREATE TABLE IF NOT EXISTS cache_entries (
			namespace VARCHAR NOT NULL,
			key VARCHAR NOT NULL,
			value VARCHAR NOT NULL,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			PRIMARY KEY (namespace, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON cache_entries(expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Ping verifies the store is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) Close() error {
	return r.db.Close()
}
