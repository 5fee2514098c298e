package job

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every layer that handles jobs. The IPC layer
// maps them onto wire error codes.
var (
	// ErrNotFound is returned when a job or execution id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrValidation marks a rejected job definition or request argument.
	ErrValidation = errors.New("validation failed")

	// ErrAlreadyExists is returned when saving a job whose id is taken.
	ErrAlreadyExists = errors.New("job already exists")

	// ErrAlreadyRunning is returned when a run is requested for a job that
	// has a live execution.
	ErrAlreadyRunning = errors.New("job is already running")

	// ErrNotRunning is returned when stopping a job with no live execution.
	ErrNotRunning = errors.New("job is not running")

	// ErrJobRunning is returned when removing a running job without force.
	ErrJobRunning = errors.New("job is running, use force to remove it")
)

// ValidationError describes a single invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFound wraps ErrNotFound with the kind and id that failed to resolve.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q %w", kind, id, ErrNotFound)
}
