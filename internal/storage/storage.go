// Package storage defines the persistence abstraction for job definitions
// and execution records, with an in-memory implementation.
package storage

import (
	"context"

	"github.com/flemzord/jobd/internal/job"
)

// JobStore persists job definitions.
// Implementations must be safe for concurrent use.
type JobStore interface {
	// SaveJob stores a new job. Returns job.ErrAlreadyExists if the id is taken.
	SaveJob(ctx context.Context, spec job.Spec) error

	// GetJob returns the job with the given id, or an error wrapping
	// job.ErrNotFound.
	GetJob(ctx context.Context, id string) (job.Spec, error)

	// ListJobs returns all stored jobs ordered by creation time.
	ListJobs(ctx context.Context) ([]job.Spec, error)

	// UpdateJob replaces an existing job. Returns an error wrapping
	// job.ErrNotFound if it does not exist.
	UpdateJob(ctx context.Context, spec job.Spec) error

	// DeleteJob removes a job. Returns an error wrapping job.ErrNotFound if
	// it does not exist. Execution records are not touched.
	DeleteJob(ctx context.Context, id string) error
}

// ExecutionStore persists execution records.
// Implementations must be safe for concurrent use.
type ExecutionStore interface {
	// SaveExecution inserts or replaces an execution record.
	SaveExecution(ctx context.Context, exec job.Execution) error

	// GetExecution returns the execution with the given id, or an error
	// wrapping job.ErrNotFound.
	GetExecution(ctx context.Context, id string) (job.Execution, error)

	// ListExecutions returns executions newest first. An empty jobID lists
	// every job; limit <= 0 means no limit.
	ListExecutions(ctx context.Context, jobID string, limit int) ([]job.Execution, error)

	// DeleteExecution removes one record. Unknown ids are not an error.
	DeleteExecution(ctx context.Context, id string) error
}

// Store is the complete persistence surface used by the daemon.
type Store interface {
	JobStore
	ExecutionStore

	// Close releases underlying resources.
	Close() error
}
