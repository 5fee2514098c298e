package ipc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/flemzord/jobd/internal/job"
)

// Transport errors returned by Dial and Probe. They are never retried
// silently; DialError carries the remediation shown to the user.
var (
	ErrDaemonNotRunning  = errors.New("ipc: daemon is not running")
	ErrPermissionDenied  = errors.New("ipc: permission denied on daemon socket")
	ErrConnectionRefused = errors.New("ipc: connection refused by daemon socket")
)

// Server errors.
var (
	// ErrDaemonRunning is returned by Server.Start when another daemon
	// answers on the socket.
	ErrDaemonRunning = errors.New("ipc: another daemon is already listening")

	// ErrShuttingDown is returned to requests received during shutdown.
	ErrShuttingDown = errors.New("ipc: daemon is shutting down")
)

// Wire error codes, modelled on HTTP status codes.
const (
	CodeValidation = 400
	CodeNotFound   = 404
	CodeConflict   = 409
	CodeInternal   = 500
	CodeShutdown   = 503
)

// DialError is a classified failure to reach the daemon.
type DialError struct {
	Path string
	Kind error // one of the transport sentinels
	Err  error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("%v at %s: %s", e.Kind, e.Path, e.Remediation())
}

// Unwrap exposes both the sentinel and the underlying network error.
func (e *DialError) Unwrap() []error { return []error{e.Kind, e.Err} }

// Remediation tells the user how to recover.
func (e *DialError) Remediation() string {
	switch e.Kind {
	case ErrDaemonNotRunning:
		return "start it with `jobd daemon` or `jobd service start`"
	case ErrPermissionDenied:
		return "the socket belongs to another user; run as that user or pass --socket"
	case ErrConnectionRefused:
		return "the socket is stale, the daemon probably crashed; restart it with `jobd daemon`"
	default:
		return "check that the daemon is running"
	}
}

// WireError is the error object of a response.
type WireError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// RemoteError is an operation error reported by the daemon.
type RemoteError struct {
	Operation string
	Code      int
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s (code %d)", e.Operation, e.Message, e.Code)
}

// conflicts are the sentinels carried by CodeConflict.
var conflicts = []error{
	job.ErrAlreadyExists,
	job.ErrAlreadyRunning,
	job.ErrNotRunning,
	job.ErrJobRunning,
}

// Is matches the job sentinels the daemon's code stands for, so callers can
// test remote failures with errors.Is as they would local ones.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case CodeValidation:
		return target == job.ErrValidation
	case CodeNotFound:
		return target == job.ErrNotFound
	case CodeConflict:
		for _, c := range conflicts {
			if target == c {
				return strings.Contains(e.Message, c.Error())
			}
		}
	case CodeShutdown:
		return target == ErrShuttingDown
	}
	return false
}
