package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/flemzord/jobd/internal/executor"
	"github.com/flemzord/jobd/internal/executor/executortest"
	"github.com/flemzord/jobd/internal/job"
	"github.com/flemzord/jobd/internal/registry"
	"github.com/flemzord/jobd/internal/scheduler"
	"github.com/flemzord/jobd/internal/storage"
)

type fixture struct {
	m      *Manager
	store  *storage.InMemoryStore
	sched  *scheduler.Scheduler
	reg    *registry.Registry
	runner *executortest.FakeRunner
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()

	store := storage.NewInMemoryStore()
	sched := scheduler.New(scheduler.Config{Logger: quietLogger()})
	reg := registry.New(registry.Config{Store: store, Logger: quietLogger()})
	runner := executortest.NewFakeRunner()

	cfg := Config{
		Store:      store,
		Scheduler:  sched,
		Registry:   reg,
		Runner:     runner,
		KillGrace:  50 * time.Millisecond,
		RetryDelay: 10 * time.Millisecond,
		Logger:     quietLogger(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return &fixture{m: m, store: store, sched: sched, reg: reg, runner: runner}
}

func oneShot(name string) job.Spec {
	return job.Spec{Name: name, Command: "echo", Args: []string{name}}
}

func everySecond(name string) job.Spec {
	return job.Spec{Name: name, Command: "true", Schedule: &job.Schedule{Interval: 1000}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitIdle waits until id has no live execution and returns the stored job.
func (f *fixture) waitIdle(t *testing.T, id string) job.Spec {
	t.Helper()
	waitFor(t, "job "+id+" to finish", func() bool { return !f.m.isRunning(id) })
	spec, err := f.store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return spec
}

func (f *fixture) add(t *testing.T, spec job.Spec) job.Spec {
	t.Helper()
	out, err := f.m.AddJob(context.Background(), spec)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	return out
}

type recordingSink struct {
	mu  sync.Mutex
	env []map[string]string
}

func (s *recordingSink) AddEnvSecrets(env map[string]string) {
	s.mu.Lock()
	s.env = append(s.env, env)
	s.mu.Unlock()
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatal("New with empty config should fail")
	}
}

func TestManager_AddJob(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	f := newFixture(t, func(c *Config) { c.Secrets = sink })

	spec := everySecond("tick")
	spec.Env = map[string]string{"API_TOKEN": "s3cret"}
	spec.Status = job.StatusFailed
	spec.RetryCount = 4

	got := f.add(t, spec)
	if got.ID == "" {
		t.Fatal("ID was not generated")
	}
	if got.Status != job.StatusCreated || got.RetryCount != 0 {
		t.Errorf("status = %s retries = %d, want created and 0", got.Status, got.RetryCount)
	}
	if got.Schedule.NextRun == nil {
		t.Fatal("interval job has no next run")
	}
	if !f.sched.Has(got.ID) {
		t.Error("scheduled job was not admitted to the scheduler")
	}
	if len(sink.env) != 1 || sink.env[0]["API_TOKEN"] != "s3cret" {
		t.Errorf("secret sink saw %v", sink.env)
	}

	oneOff := f.add(t, oneShot("once"))
	if f.sched.Has(oneOff.ID) {
		t.Error("unscheduled job was admitted to the scheduler")
	}
}

func TestManager_AddJob_Rejects(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		spec job.Spec
		want error
	}{
		{"missing command", job.Spec{Name: "x"}, job.ErrValidation},
		{"bad cron", job.Spec{Name: "x", Command: "true", Schedule: &job.Schedule{Cron: "61 * * * *"}}, job.ErrValidation},
		{"both schedules", job.Spec{Name: "x", Command: "true", Schedule: &job.Schedule{Cron: "* * * * *", Interval: 10}}, job.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.m.AddJob(ctx, tt.spec); !errors.Is(err, tt.want) {
				t.Errorf("AddJob error = %v, want %v", err, tt.want)
			}
		})
	}

	spec := oneShot("dup")
	spec.ID = "fixed"
	f.add(t, spec)
	if _, err := f.m.AddJob(ctx, spec); !errors.Is(err, job.ErrAlreadyExists) {
		t.Errorf("duplicate AddJob error = %v, want ErrAlreadyExists", err)
	}
}

func TestManager_StartJob_Completes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	spec := f.add(t, oneShot("hello"))

	exec, err := f.m.StartJob(ctx, spec.ID)
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if exec.Status != job.StatusRunning || exec.Trigger != job.TriggerManual || exec.Attempt != 1 {
		t.Errorf("started execution = %+v", exec)
	}

	p := f.runner.Next(t)
	if p.Cmd.Name != "echo" || !slices.Equal(p.Cmd.Args, []string{"hello"}) {
		t.Errorf("command = %s %v", p.Cmd.Name, p.Cmd.Args)
	}

	if _, err := f.m.StartJob(ctx, spec.ID); !errors.Is(err, job.ErrAlreadyRunning) {
		t.Errorf("second StartJob error = %v, want ErrAlreadyRunning", err)
	}
	info, err := f.m.GetJob(ctx, spec.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if info.Status != job.StatusRunning || info.CurrentExecution != exec.ID {
		t.Errorf("live job = status %s execution %q", info.Status, info.CurrentExecution)
	}

	p.WriteStdout("hello\n")
	p.WriteStderr("warn\n")
	p.ExitCode(0)

	stored := f.waitIdle(t, spec.ID)
	if stored.Status != job.StatusCompleted || stored.LastStatus != job.StatusCompleted {
		t.Errorf("job status = %s/%s, want completed", stored.Status, stored.LastStatus)
	}
	if stored.LastRunAt == nil {
		t.Error("LastRunAt not set")
	}

	final, err := f.reg.GetExecution(exec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if final.Status != job.StatusCompleted || final.Stdout != "hello\n" || final.Stderr != "warn\n" {
		t.Errorf("final execution = %+v", final)
	}
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", final.ExitCode)
	}
}

func TestManager_StartJob_Unknown(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := f.m.StartJob(context.Background(), "nope"); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestManager_SpawnFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.runner.StartErr = errors.New("exec: \"nope\": executable file not found in $PATH")
	spec := f.add(t, oneShot("broken"))

	exec, err := f.m.StartJob(context.Background(), spec.ID)
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if exec.Status != job.StatusFailed || exec.ErrorMessage == "" {
		t.Errorf("execution = %+v, want failed with a message", exec)
	}
	stored := f.waitIdle(t, spec.ID)
	if stored.Status != job.StatusFailed {
		t.Errorf("job status = %s, want failed", stored.Status)
	}
}

func TestManager_FailedExitMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	spec := f.add(t, oneShot("fails"))

	exec, err := f.m.StartJob(context.Background(), spec.ID)
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	code := 3
	f.runner.Next(t).Exit(executor.Result{ExitCode: &code, StderrTail: "first\nboom\n"})
	f.waitIdle(t, spec.ID)

	final, _ := f.reg.GetExecution(exec.ID)
	if final.Status != job.StatusFailed || final.ErrorMessage != "exit status 3: boom" {
		t.Errorf("execution = status %s message %q", final.Status, final.ErrorMessage)
	}
}

func TestManager_RetriesUntilExhausted(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	spec := oneShot("flaky")
	spec.MaxRetries = 2
	spec = f.add(t, spec)

	if _, err := f.m.StartJob(context.Background(), spec.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	for range 3 {
		f.runner.Next(t).ExitCode(1)
	}

	waitFor(t, "retries to exhaust", func() bool {
		s, _ := f.store.GetJob(context.Background(), spec.ID)
		return s.Status == job.StatusFailed && !f.m.isRunning(spec.ID)
	})
	time.Sleep(50 * time.Millisecond)
	if n := f.runner.StartCount(); n != 3 {
		t.Errorf("runs = %d, want 3", n)
	}

	stored, _ := f.store.GetJob(context.Background(), spec.ID)
	if stored.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", stored.RetryCount)
	}

	hist := f.reg.GetJobHistory(spec.ID, 0)
	if len(hist) != 3 {
		t.Fatalf("history = %d records, want 3", len(hist))
	}
	// Newest first.
	for i, want := range []struct {
		attempt int
		trigger job.Trigger
	}{{3, job.TriggerRetry}, {2, job.TriggerRetry}, {1, job.TriggerManual}} {
		if hist[i].Attempt != want.attempt || hist[i].Trigger != want.trigger {
			t.Errorf("history[%d] = attempt %d trigger %s, want %d %s",
				i, hist[i].Attempt, hist[i].Trigger, want.attempt, want.trigger)
		}
	}
}

func TestManager_RetrySucceeds_ResetsCount(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	spec := oneShot("flaky")
	spec.MaxRetries = 3
	spec = f.add(t, spec)

	if _, err := f.m.StartJob(context.Background(), spec.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	f.runner.Next(t).ExitCode(1)
	f.runner.Next(t).ExitCode(0)

	waitFor(t, "retry to complete", func() bool {
		s, _ := f.store.GetJob(context.Background(), spec.ID)
		return s.Status == job.StatusCompleted && !f.m.isRunning(spec.ID)
	})
	stored, _ := f.store.GetJob(context.Background(), spec.ID)
	if stored.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 after success", stored.RetryCount)
	}
}

func TestManager_ScheduledFailure_StaysScheduled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	spec := f.add(t, everySecond("recurring"))

	f.m.OnDue(spec)
	f.runner.Next(t).ExitCode(1)

	stored := f.waitIdle(t, spec.ID)
	if stored.Status != job.StatusCreated || stored.LastStatus != job.StatusFailed {
		t.Errorf("status = %s last = %s, want created/failed", stored.Status, stored.LastStatus)
	}
	if !f.sched.Has(spec.ID) {
		t.Error("job without a retry budget was unscheduled")
	}
	if hist := f.reg.GetJobHistory(spec.ID, 1); hist[0].Trigger != job.TriggerSchedule {
		t.Errorf("trigger = %s, want schedule", hist[0].Trigger)
	}
}

func TestManager_ExhaustedScheduledJob_Unscheduled_ThenReadmitted(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	spec := everySecond("fragile")
	spec.MaxRetries = 1
	spec = f.add(t, spec)

	f.m.OnDue(spec)
	f.runner.Next(t).ExitCode(1)
	f.runner.Next(t).ExitCode(1)

	waitFor(t, "job to be unscheduled", func() bool {
		return !f.sched.Has(spec.ID) && !f.m.isRunning(spec.ID)
	})
	stored, _ := f.store.GetJob(ctx, spec.ID)
	if stored.Status != job.StatusFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}

	if _, err := f.m.StartJob(ctx, spec.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if !f.sched.Has(spec.ID) {
		t.Error("StartJob did not re-admit the job")
	}
	f.runner.Next(t).ExitCode(0)
	stored = f.waitIdle(t, spec.ID)
	if stored.Status != job.StatusCreated || stored.RetryCount != 0 {
		t.Errorf("after restart: status = %s retries = %d", stored.Status, stored.RetryCount)
	}
}

func TestManager_TriggerJob_DoesNotReadmit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	spec := everySecond("manual")
	spec = f.add(t, spec)
	f.sched.RemoveJob(spec.ID)

	if _, err := f.m.TriggerJob(ctx, spec.ID); err != nil {
		t.Fatalf("TriggerJob: %v", err)
	}
	f.runner.Next(t).ExitCode(0)
	f.waitIdle(t, spec.ID)
	if f.sched.Has(spec.ID) {
		t.Error("TriggerJob admitted the job to the scheduler")
	}
}

func TestManager_OnDue_WhileRunning_CountsMissedRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	spec := f.add(t, everySecond("slow"))

	f.m.OnDue(spec)
	p := f.runner.Next(t)
	f.m.OnDue(spec)
	f.m.OnDue(spec)

	if n := f.runner.StartCount(); n != 1 {
		t.Errorf("runs = %d, want 1", n)
	}
	p.ExitCode(0)
	stored := f.waitIdle(t, spec.ID)
	if stored.MissedRuns != 2 {
		t.Errorf("MissedRuns = %d, want 2", stored.MissedRuns)
	}
	if st := f.m.Status(context.Background()); st.MissedRuns != 2 || st.Launched != 1 {
		t.Errorf("status missed = %d launched = %d", st.MissedRuns, st.Launched)
	}
}

func TestManager_OnDue_RemovedJob_Unschedules(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	spec := f.add(t, everySecond("gone"))
	if err := f.store.DeleteJob(context.Background(), spec.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}

	f.m.OnDue(spec)
	if f.sched.Has(spec.ID) {
		t.Error("due notification for a deleted job left it scheduled")
	}
	if n := f.runner.StartCount(); n != 0 {
		t.Errorf("runs = %d, want 0", n)
	}
}

func TestManager_StopJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	spec := oneShot("long")
	spec.MaxRetries = 5
	spec = f.add(t, spec)

	if _, err := f.m.StartJob(ctx, spec.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	p := f.runner.Next(t)
	p.OnSignal = executortest.DieOnSignal

	exec, err := f.m.StopJob(ctx, spec.ID, "")
	if err != nil {
		t.Fatalf("StopJob: %v", err)
	}
	if exec.Status != job.StatusKilled {
		t.Errorf("status = %s, want killed", exec.Status)
	}
	if exec.Signal != executor.SignalName(syscall.SIGTERM) {
		t.Errorf("signal = %q, want SIGTERM", exec.Signal)
	}

	time.Sleep(50 * time.Millisecond)
	if n := f.runner.StartCount(); n != 1 {
		t.Errorf("a stopped run was retried: %d runs", n)
	}
	stored, _ := f.store.GetJob(ctx, spec.ID)
	if stored.Status != job.StatusKilled {
		t.Errorf("job status = %s, want killed", stored.Status)
	}
}

func TestManager_StopJob_ConcurrentCallers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	spec := f.add(t, oneShot("stoppable"))

	started, err := f.m.StartJob(ctx, spec.ID)
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	f.runner.Next(t).OnSignal = executortest.DieOnSignal

	const callers = 4
	results := make(chan job.Execution, callers)
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec, err := f.m.StopJob(ctx, spec.ID, "")
			if err != nil {
				// A caller arriving after finalization finds nothing to stop.
				if !errors.Is(err, job.ErrNotRunning) {
					errs <- err
				}
				return
			}
			results <- exec
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Errorf("StopJob: %v", err)
	}
	n := 0
	for exec := range results {
		n++
		if exec.ID != started.ID || exec.Status != job.StatusKilled {
			t.Errorf("StopJob returned %+v, want the killed execution %s", exec, started.ID)
		}
	}
	if n == 0 {
		t.Error("no StopJob caller observed the stopped execution")
	}

	// The job's lane is free again.
	if _, err := f.m.StartJob(ctx, spec.ID); err != nil {
		t.Fatalf("StartJob after stop: %v", err)
	}
	f.runner.Next(t).ExitCode(0)
}

func TestManager_StopJob_EscalatesToKill(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	spec := f.add(t, oneShot("stubborn"))

	if _, err := f.m.StartJob(ctx, spec.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	p := f.runner.Next(t)
	p.OnSignal = executortest.DieOnKill

	exec, err := f.m.StopJob(ctx, spec.ID, "SIGINT")
	if err != nil {
		t.Fatalf("StopJob: %v", err)
	}
	want := []syscall.Signal{syscall.SIGINT, syscall.SIGKILL}
	if got := p.Signals(); !slices.Equal(got, want) {
		t.Errorf("signals = %v, want %v", got, want)
	}
	if exec.Status != job.StatusKilled {
		t.Errorf("status = %s, want killed", exec.Status)
	}
}

func TestManager_StopJob_Errors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	spec := f.add(t, oneShot("idle"))

	tests := []struct {
		name   string
		id     string
		signal string
		want   error
	}{
		{"unknown job", "nope", "", job.ErrNotFound},
		{"not running", spec.ID, "", job.ErrNotRunning},
		{"bad signal", spec.ID, "SIGNOPE", job.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.m.StopJob(ctx, tt.id, tt.signal); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestManager_Timeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	spec := oneShot("hangs")
	spec.Timeout = 20
	spec = f.add(t, spec)

	f.runner.OnStart = func(_ executor.Command, p *executortest.FakeProcess) {
		p.OnSignal = executortest.DieOnSignal
	}
	exec, err := f.m.StartJob(context.Background(), spec.ID)
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}

	stored := f.waitIdle(t, spec.ID)
	if stored.Status != job.StatusTimeout {
		t.Errorf("job status = %s, want timeout", stored.Status)
	}
	final, _ := f.reg.GetExecution(exec.ID)
	if final.Status != job.StatusTimeout {
		t.Errorf("execution status = %s, want timeout", final.Status)
	}
}

func TestManager_DefaultTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(c *Config) { c.DefaultTimeout = 20 * time.Millisecond })
	spec := f.add(t, oneShot("hangs"))

	f.runner.OnStart = func(_ executor.Command, p *executortest.FakeProcess) {
		p.OnSignal = executortest.DieOnSignal
	}
	if _, err := f.m.StartJob(context.Background(), spec.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}

	if stored := f.waitIdle(t, spec.ID); stored.Status != job.StatusTimeout {
		t.Errorf("job status = %s, want timeout", stored.Status)
	}
}

func TestManager_RemoveJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	spec := f.add(t, everySecond("doomed"))

	exec, err := f.m.StartJob(ctx, spec.ID)
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	f.runner.Next(t).OnSignal = executortest.DieOnSignal

	if err := f.m.RemoveJob(ctx, spec.ID, false, false); !errors.Is(err, job.ErrJobRunning) {
		t.Fatalf("RemoveJob without force error = %v, want ErrJobRunning", err)
	}
	if err := f.m.RemoveJob(ctx, spec.ID, true, false); err != nil {
		t.Fatalf("RemoveJob with force: %v", err)
	}

	if _, err := f.store.GetJob(ctx, spec.ID); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("job still stored: %v", err)
	}
	if f.sched.Has(spec.ID) {
		t.Error("removed job still scheduled")
	}
	final, err := f.reg.GetExecution(exec.ID)
	if err != nil {
		t.Fatalf("history lost without purge: %v", err)
	}
	if final.Status != job.StatusKilled {
		t.Errorf("execution status = %s, want killed", final.Status)
	}
	if err := f.m.RemoveJob(ctx, spec.ID, false, false); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("second RemoveJob error = %v, want ErrNotFound", err)
	}
}

func TestManager_RemoveJob_Purge(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	spec := f.add(t, oneShot("purged"))

	exec, err := f.m.StartJob(ctx, spec.ID)
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	f.runner.Next(t).ExitCode(0)
	f.waitIdle(t, spec.ID)

	if err := f.m.RemoveJob(ctx, spec.ID, false, true); err != nil {
		t.Fatalf("RemoveJob: %v", err)
	}
	if _, err := f.reg.GetExecution(exec.ID); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("purged execution error = %v, want ErrNotFound", err)
	}
	if _, err := f.store.GetExecution(ctx, exec.ID); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("purged execution still stored: %v", err)
	}
}

func TestManager_UpdateJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	spec := everySecond("changing")
	spec.MaxRetries = 1
	spec = f.add(t, spec)

	stored, _ := f.store.GetJob(ctx, spec.ID)
	stored.Status = job.StatusFailed
	stored.RetryCount = 1
	stored.MissedRuns = 4
	if err := f.store.UpdateJob(ctx, stored); err != nil {
		t.Fatalf("store.UpdateJob: %v", err)
	}
	f.sched.RemoveJob(spec.ID)

	update := spec
	update.Schedule = &job.Schedule{Cron: "*/5 * * * *"}
	update.Command = "date"
	got, err := f.m.UpdateJob(ctx, update)
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if got.Status != job.StatusCreated || got.RetryCount != 0 {
		t.Errorf("status = %s retries = %d, want created and 0", got.Status, got.RetryCount)
	}
	if got.MissedRuns != 4 || !got.CreatedAt.Equal(spec.CreatedAt) {
		t.Errorf("history fields not kept: missed = %d created = %v", got.MissedRuns, got.CreatedAt)
	}
	if !f.sched.Has(spec.ID) {
		t.Error("updated job not rescheduled")
	}

	update.Schedule = nil
	if _, err := f.m.UpdateJob(ctx, update); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if f.sched.Has(spec.ID) {
		t.Error("job without schedule still scheduled")
	}

	if _, err := f.m.UpdateJob(ctx, oneShot("ghost")); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("UpdateJob of unknown job error = %v, want ErrNotFound", err)
	}
}

func TestManager_ListJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	low := oneShot("low-backup")
	low.Tags = []string{"backup"}
	high := oneShot("high")
	high.Priority = 10
	mid := everySecond("mid-backup")
	mid.Priority = 5
	mid.Tags = []string{"backup"}
	for _, s := range []job.Spec{low, high, mid} {
		f.add(t, s)
	}

	names := func(infos []JobInfo) []string {
		out := make([]string, len(infos))
		for i, in := range infos {
			out[i] = in.Name
		}
		return out
	}

	tests := []struct {
		name   string
		filter job.Filter
		want   []string
	}{
		{"all", job.Filter{}, []string{"high", "mid-backup", "low-backup"}},
		{"tag", job.Filter{Tag: "backup"}, []string{"mid-backup", "low-backup"}},
		{"name", job.Filter{Name: "BACKUP"}, []string{"mid-backup", "low-backup"}},
		{"scheduled", job.Filter{Scheduled: true}, []string{"mid-backup"}},
		{"status", job.Filter{Status: job.StatusFailed}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.m.ListJobs(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListJobs: %v", err)
			}
			if !slices.Equal(names(got), tt.want) {
				t.Errorf("ListJobs = %v, want %v", names(got), tt.want)
			}
		})
	}

	all, _ := f.m.ListJobs(ctx, job.Filter{Scheduled: true})
	if all[0].NextRunAt == nil {
		t.Error("scheduled job has no NextRunAt")
	}
}

func TestManager_Restore(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	orphan := oneShot("orphan")
	orphan.ID = "orphan"
	orphan.Status = job.StatusRunning

	lateNext := now.Add(-3500 * time.Millisecond)
	late := everySecond("late")
	late.ID = "late"
	late.Status = job.StatusRunning
	late.Schedule.NextRun = &lateNext

	dead := everySecond("dead")
	dead.ID = "dead"
	dead.Status = job.StatusFailed
	deadNext := now.Add(time.Minute)
	dead.Schedule.NextRun = &deadNext

	for _, s := range []job.Spec{orphan, late, dead} {
		s.CreatedAt = now
		if err := f.store.SaveJob(ctx, s); err != nil {
			t.Fatalf("SaveJob: %v", err)
		}
	}

	n, err := f.m.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 1 {
		t.Errorf("admitted = %d, want 1", n)
	}

	got, _ := f.store.GetJob(ctx, "orphan")
	if got.Status != job.StatusFailed {
		t.Errorf("orphan status = %s, want failed", got.Status)
	}

	got, _ = f.store.GetJob(ctx, "late")
	if got.Status != job.StatusCreated || got.MissedRuns != 3 {
		t.Errorf("late = status %s missed %d, want created and 3", got.Status, got.MissedRuns)
	}
	if want := lateNext.Add(3 * time.Second); !got.Schedule.NextRun.Equal(want) {
		t.Errorf("late next run = %v, want %v", got.Schedule.NextRun, want)
	}
	if !f.sched.Has("late") || f.sched.Has("dead") {
		t.Errorf("scheduled: late=%v dead=%v, want true/false", f.sched.Has("late"), f.sched.Has("dead"))
	}
}

func TestManager_EnsureJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	declared := everySecond("declared")
	declared.ID = "nightly"

	first, err := f.m.EnsureJob(ctx, declared)
	if err != nil {
		t.Fatalf("EnsureJob: %v", err)
	}
	second, err := f.m.EnsureJob(ctx, declared)
	if err != nil {
		t.Fatalf("EnsureJob again: %v", err)
	}
	if !second.UpdatedAt.Equal(first.UpdatedAt) || !second.Schedule.NextRun.Equal(*first.Schedule.NextRun) {
		t.Error("unchanged declaration rewrote the job")
	}

	declared.Command = "false"
	third, err := f.m.EnsureJob(ctx, declared)
	if err != nil {
		t.Fatalf("EnsureJob changed: %v", err)
	}
	if third.Command != "false" || !third.Schedule.NextRun.Equal(*first.Schedule.NextRun) {
		t.Errorf("changed declaration = command %q next %v", third.Command, third.Schedule.NextRun)
	}

	if _, err := f.m.EnsureJob(ctx, oneShot("anonymous")); !errors.Is(err, job.ErrValidation) {
		t.Errorf("EnsureJob without id error = %v, want ErrValidation", err)
	}
}

func TestManager_Stop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	spec := f.add(t, oneShot("interrupted"))

	exec, err := f.m.StartJob(ctx, spec.ID)
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	f.runner.Next(t).OnSignal = executortest.DieOnSignal

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := f.m.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	final, _ := f.reg.GetExecution(exec.ID)
	if final.Status != job.StatusKilled {
		t.Errorf("execution status = %s, want killed", final.Status)
	}
	if _, err := f.m.AddJob(ctx, oneShot("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("AddJob after Stop error = %v, want ErrClosed", err)
	}
	if _, err := f.m.StartJob(ctx, spec.ID); !errors.Is(err, ErrClosed) {
		t.Errorf("StartJob after Stop error = %v, want ErrClosed", err)
	}
	if err := f.m.Stop(ctx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestManager_Status(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	spec := f.add(t, everySecond("status"))

	exec, err := f.m.StartJob(ctx, spec.ID)
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	p := f.runner.Next(t)

	st := f.m.Status(ctx)
	if st.Jobs != 1 || len(st.Running) != 1 || st.Scheduler.TotalJobs != 1 {
		t.Fatalf("status = %+v", st)
	}
	if st.Running[0].ExecutionID != exec.ID || st.Running[0].PID != p.PID() {
		t.Errorf("running = %+v", st.Running[0])
	}

	p.ExitCode(0)
	f.waitIdle(t, spec.ID)
	if st := f.m.Status(ctx); len(st.Running) != 0 || st.Executions != 1 {
		t.Errorf("after finish: running = %d executions = %d", len(st.Running), st.Executions)
	}
}
