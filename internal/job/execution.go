package job

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Trigger records why an execution was started.
type Trigger string

// Execution triggers.
const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
	TriggerRetry    Trigger = "retry"
)

// Stream names accepted by the registry output recorder.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Execution is one run of a job, from start to terminal status.
type Execution struct {
	ID           string     `json:"executionId"`
	JobID        string     `json:"jobId"`
	JobName      string     `json:"jobName"`
	Command      string     `json:"command"`
	User         string     `json:"user,omitempty"`
	Trigger      Trigger    `json:"trigger,omitempty"`
	Attempt      int        `json:"attempt,omitempty"`
	PID          int        `json:"pid,omitempty"`
	StartTime    time.Time  `json:"startTime"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	Duration     int64      `json:"duration"` // milliseconds
	Status       Status     `json:"status"`
	ExitCode     *int       `json:"exitCode,omitempty"`
	Signal       string     `json:"signal,omitempty"`
	Stdout       string     `json:"stdout"`
	Stderr       string     `json:"stderr"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// Finished reports whether the execution reached a terminal status.
func (e *Execution) Finished() bool { return e.Status.Terminal() }

// DurationValue returns the recorded duration as a time.Duration.
func (e *Execution) DurationValue() time.Duration {
	return time.Duration(e.Duration) * time.Millisecond
}

// ExecutionFilter selects executions in registry searches.
type ExecutionFilter struct {
	JobID    string     `json:"jobId,omitempty"`
	Statuses []Status   `json:"statuses,omitempty"`
	User     string     `json:"user,omitempty"`
	Since    *time.Time `json:"since,omitempty"`
	Until    *time.Time `json:"until,omitempty"`
	Limit    int        `json:"limit,omitempty"`
}

// NewID returns a fresh job identifier.
func NewID() string {
	return uuid.NewString()
}

// NewExecutionID returns a fresh execution identifier of the form
// exec_<random>.
func NewExecutionID() string {
	return "exec_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IntPtr returns a pointer to v, used for optional exit codes.
func IntPtr(v int) *int { return &v }
