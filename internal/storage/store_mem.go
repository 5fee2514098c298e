package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/flemzord/jobd/internal/job"
)

// InMemoryStore is a volatile, thread-safe Store. State is lost when the
// daemon exits.
type InMemoryStore struct {
	mu         sync.RWMutex
	jobs       map[string]job.Spec
	executions map[string]job.Execution
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs:       make(map[string]job.Spec),
		executions: make(map[string]job.Execution),
	}
}

// Compile-time interface check.
var _ Store = (*InMemoryStore)(nil)

// SaveJob implements JobStore.
func (s *InMemoryStore) SaveJob(_ context.Context, spec job.Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[spec.ID]; exists {
		return fmt.Errorf("job %q: %w", spec.ID, job.ErrAlreadyExists)
	}
	s.jobs[spec.ID] = spec.Clone()
	return nil
}

// GetJob implements JobStore.
func (s *InMemoryStore) GetJob(_ context.Context, id string) (job.Spec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.jobs[id]
	if !ok {
		return job.Spec{}, job.NotFound("job", id)
	}
	return spec.Clone(), nil
}

// ListJobs implements JobStore.
func (s *InMemoryStore) ListJobs(_ context.Context) ([]job.Spec, error) {
	s.mu.RLock()
	result := make([]job.Spec, 0, len(s.jobs))
	for _, spec := range s.jobs {
		result = append(result, spec.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(result, func(a, b job.Spec) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return result, nil
}

// UpdateJob implements JobStore.
func (s *InMemoryStore) UpdateJob(_ context.Context, spec job.Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[spec.ID]; !exists {
		return job.NotFound("job", spec.ID)
	}
	s.jobs[spec.ID] = spec.Clone()
	return nil
}

// DeleteJob implements JobStore.
func (s *InMemoryStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[id]; !exists {
		return job.NotFound("job", id)
	}
	delete(s.jobs, id)
	return nil
}

// SaveExecution implements ExecutionStore.
func (s *InMemoryStore) SaveExecution(_ context.Context, exec job.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[exec.ID] = exec
	return nil
}

// GetExecution implements ExecutionStore.
func (s *InMemoryStore) GetExecution(_ context.Context, id string) (job.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return job.Execution{}, job.NotFound("execution", id)
	}
	return exec, nil
}

// ListExecutions implements ExecutionStore.
func (s *InMemoryStore) ListExecutions(_ context.Context, jobID string, limit int) ([]job.Execution, error) {
	s.mu.RLock()
	var result []job.Execution
	for _, exec := range s.executions {
		if jobID == "" || exec.JobID == jobID {
			result = append(result, exec)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(result, func(a, b job.Execution) int {
		if c := b.StartTime.Compare(a.StartTime); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// DeleteExecution implements ExecutionStore.
func (s *InMemoryStore) DeleteExecution(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.executions, id)
	return nil
}

// Close implements Store. It is a no-op.
func (s *InMemoryStore) Close() error { return nil }
