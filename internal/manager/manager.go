// Package manager owns the lifecycle of jobs: it stores definitions, admits
// scheduled jobs to the scheduler, runs them as child processes, records
// their executions and applies the retry policy.
package manager

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/flemzord/jobd/internal/executor"
	"github.com/flemzord/jobd/internal/job"
	"github.com/flemzord/jobd/internal/registry"
	"github.com/flemzord/jobd/internal/scheduler"
	"github.com/flemzord/jobd/internal/storage"
)

// Default execution policy.
const (
	DefaultKillGrace  = 10 * time.Second
	DefaultRetryDelay = 5 * time.Second
)

// ErrClosed is returned once the manager has been stopped.
var ErrClosed = errors.New("manager: stopped")

// Scheduler is the subset of *scheduler.Scheduler the manager drives.
type Scheduler interface {
	AddJob(spec job.Spec) bool
	UpdateJob(spec job.Spec) bool
	RemoveJob(id string) bool
	Has(id string) bool
	NextRun(id string) (time.Time, bool)
	Metrics() scheduler.Metrics
}

// SecretSink receives job environments so their secret-looking values can
// be scrubbed from logs.
type SecretSink interface {
	AddEnvSecrets(env map[string]string)
}

// Config wires a Manager.
type Config struct {
	Store     storage.JobStore
	Scheduler Scheduler
	Registry  *registry.Registry
	Runner    executor.Runner

	// KillGrace is how long a signalled process may take to exit before
	// it is sent SIGKILL.
	KillGrace time.Duration

	// DefaultTimeout applies to jobs without their own timeout. Zero
	// means no limit.
	DefaultTimeout time.Duration

	// RetryDelay separates a failed run from its retry.
	RetryDelay time.Duration

	// Secrets, when set, is told about every job environment.
	Secrets SecretSink

	Tracer trace.Tracer
	Logger *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (c *Config) defaults() {
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer("github.com/flemzord/jobd/internal/manager")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.Store == nil {
		errs = append(errs, errors.New("manager: store is required"))
	}
	if c.Scheduler == nil {
		errs = append(errs, errors.New("manager: scheduler is required"))
	}
	if c.Registry == nil {
		errs = append(errs, errors.New("manager: registry is required"))
	}
	if c.Runner == nil {
		errs = append(errs, errors.New("manager: runner is required"))
	}
	return errors.Join(errs...)
}

// Manager is the job lifecycle engine. All methods are safe for
// concurrent use.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	store  storage.JobStore
	sched  Scheduler
	reg    *registry.Registry
	runner executor.Runner
	lanes  *LaneLock

	startedAt time.Time

	mu      sync.Mutex
	running map[string]*run
	retries map[string]*time.Timer
	closed  bool

	wg sync.WaitGroup

	missedRuns atomic.Int64
	launched   atomic.Int64
}

// New creates a manager.
func New(cfg Config) (*Manager, error) {
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "manager"),
		store:     cfg.Store,
		sched:     cfg.Scheduler,
		reg:       cfg.Registry,
		runner:    cfg.Runner,
		lanes:     NewLaneLock(),
		startedAt: cfg.Now(),
		running:   make(map[string]*run),
		retries:   make(map[string]*time.Timer),
	}, nil
}

// JobInfo is a job definition with its live scheduling state.
type JobInfo struct {
	job.Spec

	// NextRunAt is the next scheduled firing, if the job is scheduled.
	NextRunAt *time.Time `json:"nextRunAt,omitempty"`

	// CurrentExecution is the id of the live execution, if any.
	CurrentExecution string `json:"currentExecution,omitempty"`
}

// AddJob validates, stores and (when it has a schedule) schedules a new
// job. The stored definition is returned with its defaults filled in.
func (m *Manager) AddJob(ctx context.Context, spec job.Spec) (job.Spec, error) {
	if m.isClosed() {
		return job.Spec{}, ErrClosed
	}

	spec = spec.Clone()
	now := m.cfg.Now()
	spec.Status = ""
	spec.LastStatus = ""
	spec.RetryCount = 0
	spec.MissedRuns = 0
	spec.LastRunAt = nil
	spec.CreatedAt = time.Time{}
	job.Normalize(&spec, now)
	if err := job.Validate(&spec); err != nil {
		return job.Spec{}, err
	}

	m.lanes.Acquire(spec.ID)
	defer m.lanes.Release(spec.ID)

	if err := m.store.SaveJob(ctx, spec); err != nil {
		return job.Spec{}, err
	}
	if m.cfg.Secrets != nil {
		m.cfg.Secrets.AddEnvSecrets(spec.Env)
	}

	if spec.Scheduled() && !m.sched.AddJob(spec) {
		_ = m.store.DeleteJob(ctx, spec.ID)
		return job.Spec{}, job.Invalid("schedule", "rejected by the scheduler")
	}

	m.logger.Info("manager: job added", "job", spec.ID, "name", spec.Name, "scheduled", spec.Scheduled())
	return spec, nil
}

// UpdateJob replaces the definition of an existing job. Identity,
// creation time and run history are kept. A job that is not running is
// reset to created with a fresh retry budget; a running job keeps its
// status and the new definition applies from its next run.
func (m *Manager) UpdateJob(ctx context.Context, spec job.Spec) (job.Spec, error) {
	if m.isClosed() {
		return job.Spec{}, ErrClosed
	}

	spec = spec.Clone()
	m.lanes.Acquire(spec.ID)
	defer m.lanes.Release(spec.ID)

	current, err := m.store.GetJob(ctx, spec.ID)
	if err != nil {
		return job.Spec{}, err
	}

	now := m.cfg.Now()
	spec.CreatedAt = current.CreatedAt
	spec.LastStatus = current.LastStatus
	spec.LastRunAt = current.LastRunAt
	spec.MissedRuns = current.MissedRuns
	spec.Status = current.Status
	spec.RetryCount = current.RetryCount
	if !m.isRunning(spec.ID) {
		spec.Status = job.StatusCreated
		spec.RetryCount = 0
	}
	if spec.Schedule.IsInterval() && spec.Schedule.NextRun != nil &&
		!sameInterval(current.Schedule, spec.Schedule) && spec.Schedule.NextRun.Equal(derefTime(current.Schedule)) {
		// The period changed but the caller kept the old firing time.
		spec.Schedule.NextRun = nil
	}
	job.Normalize(&spec, now)
	if err := job.Validate(&spec); err != nil {
		return job.Spec{}, err
	}

	if err := m.store.UpdateJob(ctx, spec); err != nil {
		return job.Spec{}, err
	}
	if m.cfg.Secrets != nil {
		m.cfg.Secrets.AddEnvSecrets(spec.Env)
	}

	m.cancelRetry(spec.ID)
	if spec.Scheduled() {
		if !m.sched.UpdateJob(spec) {
			m.logger.Warn("manager: updated schedule rejected, job unscheduled", "job", spec.ID)
		}
	} else {
		m.sched.RemoveJob(spec.ID)
	}

	m.logger.Info("manager: job updated", "job", spec.ID)
	return spec, nil
}

func sameInterval(a, b *job.Schedule) bool {
	return a.IsInterval() && b.IsInterval() && a.Interval == b.Interval
}

func derefTime(s *job.Schedule) time.Time {
	if s == nil || s.NextRun == nil {
		return time.Time{}
	}
	return *s.NextRun
}

// GetJob returns a job and its live state.
func (m *Manager) GetJob(ctx context.Context, id string) (JobInfo, error) {
	spec, err := m.store.GetJob(ctx, id)
	if err != nil {
		return JobInfo{}, err
	}
	return m.info(spec), nil
}

func (m *Manager) info(spec job.Spec) JobInfo {
	info := JobInfo{Spec: spec}
	if next, ok := m.sched.NextRun(spec.ID); ok {
		info.NextRunAt = &next
	}
	m.mu.Lock()
	if r, ok := m.running[spec.ID]; ok {
		info.CurrentExecution = r.execID
	}
	m.mu.Unlock()
	return info
}

// ListJobs returns the jobs matching filter, highest priority first, then
// oldest first.
func (m *Manager) ListJobs(ctx context.Context, filter job.Filter) ([]JobInfo, error) {
	specs, err := m.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]JobInfo, 0, len(specs))
	for _, spec := range specs {
		if !matchFilter(&spec, filter) {
			continue
		}
		out = append(out, m.info(spec))
	}
	slices.SortStableFunc(out, func(a, b JobInfo) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func matchFilter(spec *job.Spec, f job.Filter) bool {
	if f.Status != "" && spec.Status != f.Status {
		return false
	}
	if f.Tag != "" && !spec.HasTag(f.Tag) {
		return false
	}
	if f.Name != "" && !strings.Contains(strings.ToLower(spec.Name), strings.ToLower(f.Name)) {
		return false
	}
	if f.Scheduled && !spec.Scheduled() {
		return false
	}
	return true
}

// RemoveJob deletes a job and unschedules it. A running job is refused
// unless force is set, in which case its process is stopped first. With
// purge the job's execution history is deleted too.
func (m *Manager) RemoveJob(ctx context.Context, id string, force, purge bool) error {
	m.lanes.Acquire(id)
	if _, err := m.store.GetJob(ctx, id); err != nil {
		m.lanes.Release(id)
		return err
	}
	r := m.runningRun(id)
	m.lanes.Release(id)

	if r != nil {
		if !force {
			return fmt.Errorf("job %q: %w", id, job.ErrJobRunning)
		}
		m.cancelRetry(id)
		m.sched.RemoveJob(id)
		m.stopRun(r, defaultStopSignal)
		if err := r.wait(ctx); err != nil {
			return fmt.Errorf("manager: stop job %s: %w", id, err)
		}
	}

	m.lanes.Acquire(id)
	defer m.lanes.Release(id)

	m.cancelRetry(id)
	m.sched.RemoveJob(id)
	if err := m.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	purged := 0
	if purge {
		purged = m.reg.Purge(ctx, id)
	}

	m.logger.Info("manager: job removed", "job", id, "forced", r != nil, "purged", purged)
	return nil
}

func (m *Manager) isRunning(id string) bool {
	return m.runningRun(id) != nil
}

func (m *Manager) runningRun(id string) *run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[id]
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
