// Package job defines the job and execution data model shared by the
// scheduler, the registry, the manager and the IPC layer.
package job

import (
	"slices"
	"time"
)

// Status is the lifecycle state of a job or of one of its executions.
type Status string

// Job and execution statuses. Jobs start in StatusCreated; executions start
// in StatusRunning and end in one of the terminal statuses.
const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether s ends an execution.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusKilled, StatusTimeout:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusCreated || s == StatusRunning || s.Terminal()
}

// Schedule describes when a job recurs. Exactly one of Cron or Interval is
// set. Interval schedules carry the timestamp of their next firing.
type Schedule struct {
	// Cron is a 5-field expression (minute hour day-of-month month day-of-week).
	Cron string `json:"cron,omitempty"`

	// Interval is the recurrence period in milliseconds.
	Interval int64 `json:"interval,omitempty"`

	// NextRun is the next firing of an interval schedule.
	NextRun *time.Time `json:"nextRun,omitempty"`
}

// IsCron reports whether the schedule is cron based.
func (s *Schedule) IsCron() bool { return s != nil && s.Cron != "" }

// IsInterval reports whether the schedule is interval based.
func (s *Schedule) IsInterval() bool { return s != nil && s.Cron == "" && s.Interval > 0 }

// Every returns the interval as a time.Duration.
func (s *Schedule) Every() time.Duration {
	if s == nil {
		return 0
	}
	return time.Duration(s.Interval) * time.Millisecond
}

// Clone returns a deep copy of the schedule.
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	cp := *s
	if s.NextRun != nil {
		t := *s.NextRun
		cp.NextRun = &t
	}
	return &cp
}

// Spec is a job definition. The field set is closed: the IPC layer rejects
// unknown fields when decoding.
type Spec struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Shell       bool              `json:"shell,omitempty"`
	Schedule    *Schedule         `json:"schedule,omitempty"`
	Status      Status            `json:"status"`
	LastStatus  Status            `json:"lastStatus,omitempty"`
	Priority    int               `json:"priority,omitempty"`
	MaxRetries  int               `json:"maxRetries,omitempty"`
	RetryCount  int               `json:"retryCount,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	WorkingDir  string            `json:"workingDir,omitempty"`
	Timeout     int64             `json:"timeout,omitempty"` // milliseconds, 0 = none
	User        string            `json:"user,omitempty"`
	MissedRuns  int               `json:"missedRuns,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	LastRunAt   *time.Time        `json:"lastRunAt,omitempty"`
}

// Scheduled reports whether the job carries a recurrence schedule.
func (s *Spec) Scheduled() bool {
	return s.Schedule.IsCron() || s.Schedule.IsInterval()
}

// TimeoutDuration returns the per-run timeout, zero when unset.
func (s *Spec) TimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Millisecond
}

// HasTag reports whether the job is labelled with tag.
func (s *Spec) HasTag(tag string) bool {
	return slices.Contains(s.Tags, tag)
}

// CommandLine renders the command and its arguments for display and for
// execution snapshots.
func (s *Spec) CommandLine() string {
	if len(s.Args) == 0 {
		return s.Command
	}
	out := s.Command
	for _, a := range s.Args {
		out += " " + a
	}
	return out
}

// Clone returns a deep copy of the job definition.
func (s Spec) Clone() Spec {
	cp := s
	cp.Schedule = s.Schedule.Clone()
	cp.Args = slices.Clone(s.Args)
	cp.Tags = slices.Clone(s.Tags)
	if s.Env != nil {
		cp.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			cp.Env[k] = v
		}
	}
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		cp.LastRunAt = &t
	}
	return cp
}

// Filter selects jobs in ListJobs queries. Zero fields match everything.
type Filter struct {
	Status    Status `json:"status,omitempty"`
	Tag       string `json:"tag,omitempty"`
	Name      string `json:"name,omitempty"` // substring match
	Scheduled bool   `json:"scheduled,omitempty"`
}
