package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flemzord/jobd/internal/executor"
	"github.com/flemzord/jobd/internal/job"
	"github.com/flemzord/jobd/internal/registry"
)

const defaultStopSignal = syscall.SIGTERM

// run is one live execution.
type run struct {
	jobID   string
	execID  string
	trigger job.Trigger
	start   time.Time
	proc    executor.Process
	span    trace.Span

	done  chan struct{}
	final job.Execution // set before done is closed

	// Guarded by Manager.mu.
	timeout    time.Duration
	timedOut   bool
	stopSignal string
	timers     []*time.Timer
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// wait blocks until the run is finalized or ctx ends.
func (r *run) wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// outputWriter streams child output into the registry.
type outputWriter struct {
	m      *Manager
	execID string
	stream string
}

func (w outputWriter) Write(p []byte) (int, error) {
	if err := w.m.reg.RecordJobOutput(w.execID, w.stream, string(p)); err != nil {
		w.m.logger.Debug("manager: output dropped", "execution", w.execID, "error", err)
	}
	return len(p), nil
}

// StartJob runs a job now. A scheduled job that was dropped from the
// scheduler (retries exhausted) is admitted again with a fresh retry
// budget.
func (m *Manager) StartJob(ctx context.Context, id string) (job.Execution, error) {
	m.lanes.Acquire(id)
	defer m.lanes.Release(id)

	spec, err := m.store.GetJob(ctx, id)
	if err != nil {
		return job.Execution{}, err
	}
	if m.isRunning(id) {
		return job.Execution{}, fmt.Errorf("job %q: %w", id, job.ErrAlreadyRunning)
	}

	m.cancelRetry(id)
	if spec.Scheduled() && !m.sched.Has(id) {
		spec.RetryCount = 0
		spec.Status = job.StatusCreated
		if m.sched.AddJob(spec) {
			m.logger.Info("manager: job re-admitted to the scheduler", "job", id)
		}
	}
	return m.launchLocked(ctx, spec, job.TriggerManual)
}

// TriggerJob runs a job once without touching its schedule.
func (m *Manager) TriggerJob(ctx context.Context, id string) (job.Execution, error) {
	m.lanes.Acquire(id)
	defer m.lanes.Release(id)

	spec, err := m.store.GetJob(ctx, id)
	if err != nil {
		return job.Execution{}, err
	}
	if m.isRunning(id) {
		return job.Execution{}, fmt.Errorf("job %q: %w", id, job.ErrAlreadyRunning)
	}
	return m.launchLocked(ctx, spec, job.TriggerManual)
}

// StopJob signals the live execution of a job (SIGTERM when signal is
// empty), escalating to SIGKILL after the kill grace period, and waits for
// it to be finalized as killed.
func (m *Manager) StopJob(ctx context.Context, id, signal string) (job.Execution, error) {
	sig, err := executor.ParseSignal(signal)
	if err != nil {
		return job.Execution{}, job.Invalid("signal", "%v", err)
	}

	// The lane is held for the lookup and the signal only: finalizing the
	// run takes it too.
	m.lanes.Acquire(id)
	if _, err := m.store.GetJob(ctx, id); err != nil {
		m.lanes.Release(id)
		return job.Execution{}, err
	}
	r := m.runningRun(id)
	if r == nil {
		m.lanes.Release(id)
		return job.Execution{}, fmt.Errorf("job %q: %w", id, job.ErrNotRunning)
	}
	m.stopRun(r, sig)
	m.lanes.Release(id)

	if err := r.wait(ctx); err != nil {
		return job.Execution{}, fmt.Errorf("manager: wait for job %s: %w", id, err)
	}
	return r.final, nil
}

// OnDue handles a due notification from the scheduler. A job still running
// from a previous firing is not started again; the missed run is counted.
func (m *Manager) OnDue(due job.Spec) {
	if m.isClosed() {
		return
	}
	ctx := context.Background()
	id := due.ID

	m.lanes.Acquire(id)
	defer m.lanes.Release(id)

	spec, err := m.store.GetJob(ctx, id)
	if errors.Is(err, job.ErrNotFound) {
		m.sched.RemoveJob(id)
		return
	}
	if err != nil {
		m.logger.Error("manager: load due job", "job", id, "error", err)
		return
	}
	m.syncNextRun(&spec)

	if m.isRunning(id) {
		spec.MissedRuns++
		m.missedRuns.Add(1)
		if err := m.store.UpdateJob(ctx, spec); err != nil {
			m.logger.Error("manager: persist missed run", "job", id, "error", err)
		}
		m.logger.Warn("manager: job still running, skipping scheduled run", "job", id, "missed_runs", spec.MissedRuns)
		return
	}

	m.cancelRetry(id)
	if _, err := m.launchLocked(ctx, spec, job.TriggerSchedule); err != nil {
		m.logger.Error("manager: scheduled run failed to launch", "job", id, "error", err)
	}
}

// syncNextRun copies the scheduler's next firing into an interval schedule
// so it survives restarts.
func (m *Manager) syncNextRun(spec *job.Spec) {
	if !spec.Schedule.IsInterval() {
		return
	}
	if next, ok := m.sched.NextRun(spec.ID); ok {
		spec.Schedule = spec.Schedule.Clone()
		spec.Schedule.NextRun = &next
	}
}

// launchLocked starts a run of spec. The caller holds the job's lane.
// Failing to spawn the process is not an error: the execution is recorded
// as failed and the retry policy applies.
func (m *Manager) launchLocked(ctx context.Context, spec job.Spec, trigger job.Trigger) (job.Execution, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return job.Execution{}, ErrClosed
	}
	if _, ok := m.running[spec.ID]; ok {
		m.mu.Unlock()
		return job.Execution{}, fmt.Errorf("job %q: %w", spec.ID, job.ErrAlreadyRunning)
	}
	m.wg.Add(1)
	m.mu.Unlock()

	supervised := false
	defer func() {
		if !supervised {
			m.wg.Done()
		}
	}()

	attempt := spec.RetryCount + 1
	rec, err := m.reg.RecordJobStart(ctx, spec, registry.StartOptions{Trigger: trigger, Attempt: attempt})
	if rec == nil {
		return job.Execution{}, err
	}
	execID := rec.ID()

	_, span := m.cfg.Tracer.Start(context.Background(), "job.execute", trace.WithAttributes(
		attribute.String("job.id", spec.ID),
		attribute.String("job.name", spec.Name),
		attribute.String("execution.id", execID),
		attribute.String("execution.trigger", string(trigger)),
		attribute.Int("execution.attempt", attempt),
	))

	proc, err := m.runner.Start(ctx, executor.Command{
		Name:   spec.Command,
		Args:   spec.Args,
		Shell:  spec.Shell,
		Env:    spec.Env,
		Dir:    spec.WorkingDir,
		Stdout: outputWriter{m: m, execID: execID, stream: job.StreamStdout},
		Stderr: outputWriter{m: m, execID: execID, stream: job.StreamStderr},
	})
	now := m.cfg.Now()
	spec.LastRunAt = &now

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "spawn failed")
		span.End()
		m.logger.Warn("manager: job failed to start", "job", spec.ID, "execution", execID, "error", err)
		exec := m.finalizeLocked(context.Background(), spec.ID, execID, registry.Completion{
			Status: job.StatusFailed,
			Error:  err.Error(),
		}, &now)
		return exec, nil
	}
	_ = m.reg.SetPID(execID, proc.PID())

	timeout := spec.TimeoutDuration()
	if timeout == 0 {
		timeout = m.cfg.DefaultTimeout
	}
	r := &run{
		jobID:   spec.ID,
		execID:  execID,
		trigger: trigger,
		start:   now,
		proc:    proc,
		span:    span,
		done:    make(chan struct{}),
		timeout: timeout,
	}

	m.mu.Lock()
	m.running[spec.ID] = r
	if timeout > 0 {
		r.timers = append(r.timers, time.AfterFunc(timeout, func() { m.timeoutRun(r) }))
	}
	m.mu.Unlock()

	spec.Status = job.StatusRunning
	spec.UpdatedAt = now
	if err := m.store.UpdateJob(ctx, spec); err != nil {
		m.logger.Error("manager: persist running status", "job", spec.ID, "error", err)
	}

	m.launched.Add(1)
	supervised = true
	go m.supervise(r)

	m.logger.Info("manager: job started",
		"job", spec.ID,
		"execution", execID,
		"pid", proc.PID(),
		"trigger", trigger,
		"attempt", attempt,
	)
	return rec.Snapshot(), nil
}

// supervise waits for the process and finalizes the run.
func (m *Manager) supervise(r *run) {
	defer m.wg.Done()

	res := r.proc.Wait()

	m.mu.Lock()
	for _, t := range r.timers {
		t.Stop()
	}
	completion := classify(r, res)
	m.mu.Unlock()

	m.lanes.Acquire(r.jobID)
	exec := m.finalizeLocked(context.Background(), r.jobID, r.execID, completion, nil)
	m.mu.Lock()
	if m.running[r.jobID] == r {
		delete(m.running, r.jobID)
	}
	r.final = exec
	m.mu.Unlock()
	m.lanes.Release(r.jobID)
	close(r.done)

	if res.ExitCode != nil {
		r.span.SetAttributes(attribute.Int("process.exit_code", *res.ExitCode))
	}
	r.span.SetAttributes(attribute.String("execution.status", string(completion.Status)))
	if completion.Status != job.StatusCompleted {
		r.span.SetStatus(codes.Error, completion.Error)
	}
	r.span.End()

	m.logger.Info("manager: job finished",
		"job", r.jobID,
		"execution", r.execID,
		"status", completion.Status,
		"duration", exec.DurationValue(),
	)
}

// classify maps how a process ended onto a terminal status. Caller holds
// m.mu.
func classify(r *run, res executor.Result) registry.Completion {
	c := registry.Completion{ExitCode: res.ExitCode, Signal: res.Signal}
	switch {
	case r.timedOut:
		c.Status = job.StatusTimeout
		c.Error = fmt.Sprintf("timed out after %s", r.timeout)
	case r.stopSignal != "":
		c.Status = job.StatusKilled
		c.Error = "stopped with " + r.stopSignal
	case res.Err != nil:
		c.Status = job.StatusFailed
		c.Error = res.Err.Error()
	case res.Signal != "":
		c.Status = job.StatusKilled
		c.Error = "terminated by " + res.Signal
	case res.ExitCode != nil && *res.ExitCode == 0:
		c.Status = job.StatusCompleted
	default:
		c.Status = job.StatusFailed
		code := -1
		if res.ExitCode != nil {
			code = *res.ExitCode
		}
		c.Error = fmt.Sprintf("exit status %d", code)
		if line := lastLine(res.StderrTail); line != "" {
			c.Error += ": " + line
		}
	}
	return c
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// finalizeLocked records the completion and applies the job state machine
// and retry policy. The caller holds the job's lane. A job removed while
// running only gets its execution finalized.
func (m *Manager) finalizeLocked(ctx context.Context, jobID, execID string, c registry.Completion, lastRun *time.Time) job.Execution {
	exec, err := m.reg.RecordJobCompletion(ctx, execID, c)
	if err != nil && !errors.Is(err, registry.ErrPersist) {
		m.logger.Warn("manager: record completion", "job", jobID, "execution", execID, "error", err)
	}

	spec, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return exec
	}

	now := m.cfg.Now()
	spec.LastStatus = c.Status
	spec.UpdatedAt = now
	if lastRun != nil {
		spec.LastRunAt = lastRun
	}

	retry, exhausted := false, false
	switch c.Status {
	case job.StatusCompleted:
		spec.RetryCount = 0
	case job.StatusFailed, job.StatusTimeout:
		if spec.MaxRetries > 0 {
			if spec.RetryCount < spec.MaxRetries {
				spec.RetryCount++
				retry = true
			} else {
				exhausted = true
			}
		}
	}

	switch {
	case exhausted:
		spec.Status = job.StatusFailed
		m.sched.RemoveJob(jobID)
		m.logger.Warn("manager: retries exhausted, job unscheduled", "job", jobID, "retries", spec.RetryCount)
	case spec.Scheduled() && m.sched.Has(jobID):
		spec.Status = job.StatusCreated
	default:
		spec.Status = c.Status
	}
	m.syncNextRun(&spec)

	if err := m.store.UpdateJob(ctx, spec); err != nil {
		m.logger.Error("manager: persist job state", "job", jobID, "error", err)
	}
	if retry {
		m.scheduleRetry(jobID, spec.RetryCount)
	}
	return exec
}

func (m *Manager) scheduleRetry(id string, retry int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.retries[id]; ok {
		t.Stop()
	}
	m.retries[id] = time.AfterFunc(m.cfg.RetryDelay, func() { m.runRetry(id) })
	m.logger.Info("manager: retry scheduled", "job", id, "retry", retry, "delay", m.cfg.RetryDelay)
}

func (m *Manager) runRetry(id string) {
	m.mu.Lock()
	delete(m.retries, id)
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	ctx := context.Background()
	m.lanes.Acquire(id)
	defer m.lanes.Release(id)

	spec, err := m.store.GetJob(ctx, id)
	if err != nil {
		return
	}
	if m.isRunning(id) {
		m.logger.Warn("manager: job running, retry skipped", "job", id)
		return
	}
	if _, err := m.launchLocked(ctx, spec, job.TriggerRetry); err != nil {
		m.logger.Error("manager: retry failed to launch", "job", id, "error", err)
	}
}

func (m *Manager) cancelRetry(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.retries[id]; ok {
		t.Stop()
		delete(m.retries, id)
	}
}

// stopRun marks r as stopped and signals it.
func (m *Manager) stopRun(r *run, sig syscall.Signal) {
	m.mu.Lock()
	if r.finished() {
		m.mu.Unlock()
		return
	}
	if r.stopSignal == "" {
		r.stopSignal = executor.SignalName(sig)
	}
	m.mu.Unlock()

	m.logger.Info("manager: stopping job", "job", r.jobID, "execution", r.execID, "signal", executor.SignalName(sig))
	m.signal(r, sig)
}

func (m *Manager) timeoutRun(r *run) {
	m.mu.Lock()
	if r.finished() || r.stopSignal != "" {
		m.mu.Unlock()
		return
	}
	r.timedOut = true
	m.mu.Unlock()

	m.logger.Warn("manager: job timed out", "job", r.jobID, "execution", r.execID, "timeout", r.timeout)
	m.signal(r, syscall.SIGTERM)
}

// signal delivers sig and, unless it is SIGKILL, arms the escalation to
// SIGKILL after the kill grace period.
func (m *Manager) signal(r *run, sig syscall.Signal) {
	if err := r.proc.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		m.logger.Warn("manager: signal failed", "job", r.jobID, "signal", executor.SignalName(sig), "error", err)
	}
	if sig == syscall.SIGKILL {
		return
	}

	t := time.AfterFunc(m.cfg.KillGrace, func() {
		if r.finished() {
			return
		}
		m.logger.Warn("manager: process ignored signal, killing", "job", r.jobID, "execution", r.execID)
		_ = r.proc.Signal(syscall.SIGKILL)
	})
	m.mu.Lock()
	r.timers = append(r.timers, t)
	m.mu.Unlock()
}
