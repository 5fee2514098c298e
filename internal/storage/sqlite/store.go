package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flemzord/jobd/internal/job"
	"github.com/flemzord/jobd/internal/storage"
)

// Store is a storage.Store persisting jobs and executions as JSON
// documents alongside the columns needed for lookups and ordering.
type Store struct {
	db   *sql.DB
	path string
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// SaveJob implements storage.JobStore.
func (s *Store) SaveJob(ctx context.Context, spec job.Spec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("sqlite: marshal job: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, name, created_at, spec) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		spec.ID, spec.Name, spec.CreatedAt.UnixNano(), string(data),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("job %q: %w", spec.ID, job.ErrAlreadyExists)
	}
	return nil
}

// GetJob implements storage.JobStore.
func (s *Store) GetJob(ctx context.Context, id string) (job.Spec, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT spec FROM jobs WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Spec{}, job.NotFound("job", id)
	}
	if err != nil {
		return job.Spec{}, fmt.Errorf("sqlite: get job: %w", err)
	}

	var spec job.Spec
	if err := json.Unmarshal([]byte(data), &spec); err != nil {
		return job.Spec{}, fmt.Errorf("sqlite: unmarshal job %s: %w", id, err)
	}
	return spec, nil
}

// ListJobs implements storage.JobStore.
func (s *Store) ListJobs(ctx context.Context) ([]job.Spec, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT spec FROM jobs ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("sqlite: list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []job.Spec
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite: scan job: %w", err)
		}
		var spec job.Spec
		if err := json.Unmarshal([]byte(data), &spec); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal job: %w", err)
		}
		result = append(result, spec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate jobs: %w", err)
	}
	return result, nil
}

// UpdateJob implements storage.JobStore.
func (s *Store) UpdateJob(ctx context.Context, spec job.Spec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("sqlite: marshal job: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET name = ?, spec = ? WHERE id = ?",
		spec.Name, string(data), spec.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return job.NotFound("job", spec.ID)
	}
	return nil
}

// DeleteJob implements storage.JobStore.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("sqlite: delete job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return job.NotFound("job", id)
	}
	return nil
}

// SaveExecution implements storage.ExecutionStore. An existing record with
// the same id is replaced.
func (s *Store) SaveExecution(ctx context.Context, exec job.Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("sqlite: marshal execution: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO executions (id, job_id, status, start_time, record)
		VALUES (?, ?, ?, ?, ?)`,
		exec.ID, exec.JobID, string(exec.Status), exec.StartTime.UnixNano(), string(data),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save execution: %w", err)
	}
	return nil
}

// GetExecution implements storage.ExecutionStore.
func (s *Store) GetExecution(ctx context.Context, id string) (job.Execution, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT record FROM executions WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Execution{}, job.NotFound("execution", id)
	}
	if err != nil {
		return job.Execution{}, fmt.Errorf("sqlite: get execution: %w", err)
	}

	var exec job.Execution
	if err := json.Unmarshal([]byte(data), &exec); err != nil {
		return job.Execution{}, fmt.Errorf("sqlite: unmarshal execution %s: %w", id, err)
	}
	return exec, nil
}

// ListExecutions implements storage.ExecutionStore.
func (s *Store) ListExecutions(ctx context.Context, jobID string, limit int) ([]job.Execution, error) {
	query := "SELECT record FROM executions"
	var args []any
	if jobID != "" {
		query += " WHERE job_id = ?"
		args = append(args, jobID)
	}
	query += " ORDER BY start_time DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []job.Execution
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite: scan execution: %w", err)
		}
		var exec job.Execution
		if err := json.Unmarshal([]byte(data), &exec); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal execution: %w", err)
		}
		result = append(result, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate executions: %w", err)
	}
	return result, nil
}

// DeleteExecution implements storage.ExecutionStore.
func (s *Store) DeleteExecution(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM executions WHERE id = ?", id); err != nil {
		return fmt.Errorf("sqlite: delete execution: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	return nil
}
