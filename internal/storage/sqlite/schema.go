package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaVersion = 1

// schemaStatements are executed in order to create the database schema.
// All use IF NOT EXISTS for idempotent re-application.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id         TEXT    PRIMARY KEY,
		name       TEXT    NOT NULL,
		created_at INTEGER NOT NULL,
		spec       TEXT    NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS executions (
		id         TEXT    PRIMARY KEY,
		job_id     TEXT    NOT NULL,
		status     TEXT    NOT NULL,
		start_time INTEGER NOT NULL,
		record     TEXT    NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_executions_job ON executions(job_id, start_time)`,

	`CREATE INDEX IF NOT EXISTS idx_executions_start ON executions(start_time)`,
}

// migrate creates or updates the database schema to the latest version.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("sqlite: create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("sqlite: read schema version: %w", err)
	}

	if current >= schemaVersion {
		return nil
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w\nstatement: %s", err, stmt)
		}
	}

	if _, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("sqlite: record schema version: %w", err)
	}

	return nil
}
