// Package executor spawns job commands as child processes and reports how
// they ended.
package executor

import (
	"context"
	"errors"
	"io"
	"syscall"
)

// ErrEmptyCommand is returned when a command line parses to nothing.
var ErrEmptyCommand = errors.New("executor: command missing")

// Command describes one child process.
type Command struct {
	// Name is the program, or the full command line when Args is empty.
	Name string

	// Args are passed verbatim. When empty and Shell is false, Name is
	// split with shell quoting rules.
	Args []string

	// Shell runs Name through the configured shell with -c.
	Shell bool

	// Env is added on top of the daemon's environment.
	Env map[string]string

	// Dir is the working directory. Empty means the daemon's.
	Dir string

	// Stdout and Stderr receive the child's output as it is produced.
	Stdout io.Writer
	Stderr io.Writer
}

// Result is how a process ended. ExitCode is nil when the process was
// terminated by a signal or never ran.
type Result struct {
	ExitCode *int
	Signal   string

	// StderrTail is the last few KB of stderr, for error messages.
	StderrTail string

	// Err is set when waiting on the process failed for a reason other
	// than a non-zero exit.
	Err error
}

// Success reports whether the process exited with status zero.
func (r Result) Success() bool {
	return r.Err == nil && r.Signal == "" && r.ExitCode != nil && *r.ExitCode == 0
}

// Process is a started child.
type Process interface {
	// PID returns the operating system process id.
	PID() int

	// Signal delivers sig to the process and its process group.
	Signal(sig syscall.Signal) error

	// Wait blocks until the process exits. It may be called more than
	// once and from several goroutines.
	Wait() Result
}

// Runner starts processes.
type Runner interface {
	Start(ctx context.Context, cmd Command) (Process, error)
}
