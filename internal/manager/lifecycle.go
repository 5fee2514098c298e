package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"syscall"
	"time"

	"github.com/flemzord/jobd/internal/job"
	"github.com/flemzord/jobd/internal/scheduler"
)

// Restore loads the stored jobs after a restart and admits the scheduled
// ones to the scheduler. It returns the number of jobs admitted.
//
// A job the previous daemon left running is reset: to created when it is
// scheduled, to failed otherwise. Interval jobs whose next run passed
// while the daemon was down are moved forward by whole intervals, each
// skipped firing counted as a missed run.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	specs, err := m.store.ListJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("manager: restore jobs: %w", err)
	}

	now := m.cfg.Now()
	admitted := 0
	for _, spec := range specs {
		if m.cfg.Secrets != nil {
			m.cfg.Secrets.AddEnvSecrets(spec.Env)
		}

		changed := false
		if spec.Status == job.StatusRunning {
			spec.LastStatus = job.StatusFailed
			spec.Status = job.StatusFailed
			if spec.Scheduled() {
				spec.Status = job.StatusCreated
			}
			changed = true
		}
		if spec.Scheduled() && spec.Status != job.StatusFailed {
			if skipped := fastForward(spec.Schedule, now); skipped > 0 {
				spec.MissedRuns += skipped
				changed = true
				m.logger.Info("manager: interval job missed runs while stopped", "job", spec.ID, "missed", skipped)
			}
			if m.sched.AddJob(spec) {
				admitted++
			} else {
				m.logger.Warn("manager: stored schedule rejected", "job", spec.ID)
			}
		}
		if changed {
			spec.UpdatedAt = now
			if err := m.store.UpdateJob(ctx, spec); err != nil {
				m.logger.Error("manager: persist restored job", "job", spec.ID, "error", err)
			}
		}
	}

	m.logger.Info("manager: jobs restored", "jobs", len(specs), "scheduled", admitted)
	return admitted, nil
}

// fastForward moves a past-due interval schedule to its first firing at or
// after now minus one interval, so exactly one overdue run remains, and
// returns how many firings were skipped.
func fastForward(sch *job.Schedule, now time.Time) int {
	if !sch.IsInterval() || sch.NextRun == nil {
		return 0
	}
	every := sch.Every()
	late := now.Sub(*sch.NextRun)
	if late < every {
		return 0
	}
	k := late / every
	next := sch.NextRun.Add(k * every)
	sch.NextRun = &next
	return int(k)
}

// EnsureJob makes the stored job with spec.ID match spec, adding it when
// unknown. It is used for jobs declared in the configuration file. An
// unchanged interval keeps its stored next run.
func (m *Manager) EnsureJob(ctx context.Context, spec job.Spec) (job.Spec, error) {
	if spec.ID == "" {
		return job.Spec{}, job.Invalid("id", "is required for declared jobs")
	}
	current, err := m.store.GetJob(ctx, spec.ID)
	if errors.Is(err, job.ErrNotFound) {
		return m.AddJob(ctx, spec)
	}
	if err != nil {
		return job.Spec{}, err
	}
	if sameInterval(current.Schedule, spec.Schedule) && spec.Schedule.NextRun == nil {
		spec.Schedule = spec.Schedule.Clone()
		spec.Schedule.NextRun = current.Schedule.Clone().NextRun
	}
	if sameDefinition(current, spec) {
		return current, nil
	}
	return m.UpdateJob(ctx, spec)
}

// sameDefinition compares the user-controlled fields of two jobs.
func sameDefinition(a, b job.Spec) bool {
	if a.Name != b.Name || a.Description != b.Description || a.Command != b.Command ||
		a.Shell != b.Shell || a.Priority != b.Priority || a.MaxRetries != b.MaxRetries ||
		a.WorkingDir != b.WorkingDir || a.Timeout != b.Timeout || a.User != b.User {
		return false
	}
	if !slices.Equal(a.Args, b.Args) || !slices.Equal(a.Tags, b.Tags) || len(a.Env) != len(b.Env) {
		return false
	}
	for k, v := range a.Env {
		if bv, ok := b.Env[k]; !ok || bv != v {
			return false
		}
	}
	switch {
	case a.Schedule == nil || b.Schedule == nil:
		return a.Schedule == nil && b.Schedule == nil
	case a.Schedule.Cron != b.Schedule.Cron || a.Schedule.Interval != b.Schedule.Interval:
		return false
	}
	return true
}

// RunningJob describes a live execution in Status.
type RunningJob struct {
	JobID       string      `json:"jobId"`
	ExecutionID string      `json:"executionId"`
	PID         int         `json:"pid"`
	Trigger     job.Trigger `json:"trigger"`
	StartTime   time.Time   `json:"startTime"`
}

// Status is a point-in-time view of the daemon's job engine.
type Status struct {
	StartedAt       time.Time         `json:"startedAt"`
	Uptime          string            `json:"uptime"`
	Jobs            int               `json:"jobs"`
	Running         []RunningJob      `json:"running"`
	PendingRetries  int               `json:"pendingRetries"`
	Launched        int64             `json:"launched"`
	MissedRuns      int64             `json:"missedRuns"`
	Executions      int               `json:"executions"`
	PersistFailures int64             `json:"persistFailures"`
	Scheduler       scheduler.Metrics `json:"scheduler"`
}

// Status reports the engine state. The job count is -1 when the store
// cannot be read.
func (m *Manager) Status(ctx context.Context) Status {
	now := m.cfg.Now()
	st := Status{
		StartedAt:       m.startedAt,
		Uptime:          now.Sub(m.startedAt).Round(time.Second).String(),
		Jobs:            -1,
		Launched:        m.launched.Load(),
		MissedRuns:      m.missedRuns.Load(),
		Executions:      m.reg.Len(),
		PersistFailures: m.reg.PersistFailures(),
		Scheduler:       m.sched.Metrics(),
	}
	if specs, err := m.store.ListJobs(ctx); err == nil {
		st.Jobs = len(specs)
	}

	m.mu.Lock()
	st.PendingRetries = len(m.retries)
	st.Running = make([]RunningJob, 0, len(m.running))
	for _, r := range m.running {
		st.Running = append(st.Running, RunningJob{
			JobID:       r.jobID,
			ExecutionID: r.execID,
			PID:         r.proc.PID(),
			Trigger:     r.trigger,
			StartTime:   r.start,
		})
	}
	m.mu.Unlock()

	slices.SortFunc(st.Running, func(a, b RunningJob) int { return a.StartTime.Compare(b.StartTime) })
	return st
}

// RunningCount returns the number of live executions.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Stop refuses new runs, cancels pending retries and stops every live
// execution, waiting for them to be finalized. When ctx ends first the
// remaining processes are killed and ctx's error is returned.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, t := range m.retries {
		t.Stop()
		delete(m.retries, id)
	}
	runs := make([]*run, 0, len(m.running))
	for _, r := range m.running {
		runs = append(runs, r)
	}
	m.mu.Unlock()

	for _, r := range runs {
		m.stopRun(r, syscall.SIGTERM)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("manager: stopped", "stopped_runs", len(runs))
		return nil
	case <-ctx.Done():
		for _, r := range runs {
			_ = r.proc.Signal(syscall.SIGKILL)
		}
		return fmt.Errorf("manager: shutdown: %w", ctx.Err())
	}
}
