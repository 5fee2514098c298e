package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flemzord/jobd/internal/executor/executortest"
	"github.com/flemzord/jobd/internal/job"
	"github.com/flemzord/jobd/internal/manager"
	"github.com/flemzord/jobd/internal/registry"
	"github.com/flemzord/jobd/internal/scheduler"
	"github.com/flemzord/jobd/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// socketPath returns a short socket path; unix socket paths are limited to
// about a hundred bytes.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "jobd-ipc")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "d", SocketName)
}

type stack struct {
	server *Server
	client *Client
	mgr    *manager.Manager
	reg    *registry.Registry
	runner *executortest.FakeRunner
}

func startServer(t *testing.T, jobs Jobs, history History) *Server {
	t.Helper()
	path := socketPath(t)
	srv := NewServer(ServerConfig{
		Path: path,
		Dispatcher: NewDispatcher(DispatcherConfig{
			Jobs:    jobs,
			History: history,
			Version: "test",
			Socket:  path,
			Logger:  quietLogger(),
		}),
		Logger: quietLogger(),
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	return srv
}

func dial(t *testing.T, path string) *Client {
	t.Helper()
	c, err := Dial(t.Context(), path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newStack(t *testing.T) *stack {
	t.Helper()
	store := storage.NewInMemoryStore()
	sched := scheduler.New(scheduler.Config{Logger: quietLogger()})
	reg := registry.New(registry.Config{Store: store, Logger: quietLogger()})
	runner := executortest.NewFakeRunner()
	mgr, err := manager.New(manager.Config{
		Store:     store,
		Scheduler: sched,
		Registry:  reg,
		Runner:    runner,
		KillGrace: 50 * time.Millisecond,
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		_ = mgr.Stop(ctx)
	})

	srv := startServer(t, mgr, reg)
	return &stack{server: srv, client: dial(t, srv.Path()), mgr: mgr, reg: reg, runner: runner}
}

func TestServer_RoundTrip(t *testing.T) {
	t.Parallel()

	s := newStack(t)
	ctx := t.Context()
	c := s.client

	ping, err := c.Ping(ctx)
	if err != nil || !ping.Pong || ping.Version != "test" {
		t.Fatalf("Ping = %+v, %v", ping, err)
	}

	spec, err := c.AddJob(ctx, job.Spec{Name: "backup", Command: "tar", Args: []string{"czf", "out.tgz", "."}, Tags: []string{"nightly"}})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if spec.ID == "" || spec.Status != job.StatusCreated {
		t.Errorf("added job = %+v", spec)
	}

	jobs, err := c.ListJobs(ctx, job.Filter{Tag: "nightly"})
	if err != nil || len(jobs) != 1 || jobs[0].ID != spec.ID {
		t.Fatalf("ListJobs = %+v, %v", jobs, err)
	}

	exec, err := c.StartJob(ctx, spec.ID)
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if !strings.HasPrefix(exec.ID, "exec_") || exec.Status != job.StatusRunning {
		t.Errorf("execution = %+v", exec)
	}

	info, err := c.GetJob(ctx, spec.ID)
	if err != nil || info.CurrentExecution != exec.ID {
		t.Errorf("GetJob = %+v, %v", info, err)
	}

	p := s.runner.Next(t)
	p.WriteStdout("archived\n")
	p.ExitCode(0)

	var hist []job.Execution
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hist, err = c.JobHistory(ctx, spec.ID, 10)
		if err != nil {
			t.Fatalf("JobHistory: %v", err)
		}
		if len(hist) == 1 && hist[0].Status == job.StatusCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(hist) != 1 || hist[0].Stdout != "archived\n" {
		t.Fatalf("history = %+v", hist)
	}

	found, err := c.SearchExecutions(ctx, job.ExecutionFilter{Statuses: []job.Status{job.StatusCompleted}})
	if err != nil || len(found) != 1 {
		t.Errorf("SearchExecutions = %d results, %v", len(found), err)
	}

	stats, err := c.JobStatistics(ctx, spec.ID)
	if err != nil || stats.Total != 1 || stats.Completed != 1 {
		t.Errorf("JobStatistics = %+v, %v", stats, err)
	}
	all, err := c.AllStatistics(ctx)
	if err != nil || all.TotalExecutions != 1 {
		t.Errorf("AllStatistics = %+v, %v", all, err)
	}

	report, err := c.GenerateReport(ctx, "")
	if err != nil || report.Format != "text" || !strings.Contains(report.Content, "backup") {
		t.Errorf("GenerateReport = %+v, %v", report, err)
	}

	out := filepath.Join(t.TempDir(), "history.csv")
	res, err := c.Export(ctx, out, "csv")
	if err != nil || res.Records != 1 {
		t.Fatalf("Export = %+v, %v", res, err)
	}
	if data, err := os.ReadFile(out); err != nil || !strings.Contains(string(data), exec.ID) {
		t.Errorf("export file = %q, %v", data, err)
	}

	st, err := c.Status(ctx)
	if err != nil || st.Jobs != 1 || st.Version != "test" || st.Socket != s.server.Path() {
		t.Errorf("Status = %+v, %v", st, err)
	}

	if err := c.RemoveJob(ctx, spec.ID, false, true); err != nil {
		t.Fatalf("RemoveJob: %v", err)
	}
	if _, err := c.GetJob(ctx, spec.ID); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("GetJob after remove error = %v, want ErrNotFound", err)
	}
}

func TestServer_ErrorCodes(t *testing.T) {
	t.Parallel()

	s := newStack(t)
	ctx := t.Context()
	c := s.client

	running, err := c.AddJob(ctx, job.Spec{Name: "busy", Command: "sleep", Args: []string{"60"}})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if _, err := c.StartJob(ctx, running.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	s.runner.Next(t)
	idle, err := c.AddJob(ctx, job.Spec{Name: "idle", Command: "true"})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	tests := []struct {
		name     string
		call     func() error
		code     int
		sentinel error
	}{
		{"unknown job", func() error { _, err := c.GetJob(ctx, "missing"); return err }, CodeNotFound, job.ErrNotFound},
		{"statistics of unknown job", func() error { _, err := c.JobStatistics(ctx, "missing"); return err }, CodeNotFound, job.ErrNotFound},
		{"invalid job", func() error { _, err := c.AddJob(ctx, job.Spec{Name: "x"}); return err }, CodeValidation, job.ErrValidation},
		{"unknown field", func() error {
			return c.Call(ctx, OpAddJob, map[string]any{"name": "x", "command": "true", "colour": "red"}, nil)
		}, CodeValidation, job.ErrValidation},
		{"missing id", func() error { _, err := c.StartJob(ctx, ""); return err }, CodeValidation, job.ErrValidation},
		{"unknown operation", func() error { return c.Call(ctx, "launchRocket", nil, nil) }, CodeValidation, job.ErrValidation},
		{"already running", func() error { _, err := c.StartJob(ctx, running.ID); return err }, CodeConflict, job.ErrAlreadyRunning},
		{"not running", func() error { _, err := c.StopJob(ctx, idle.ID, ""); return err }, CodeConflict, job.ErrNotRunning},
		{"running without force", func() error { return c.RemoveJob(ctx, running.ID, false, false) }, CodeConflict, job.ErrJobRunning},
		{"bad report format", func() error { _, err := c.GenerateReport(ctx, "pdf"); return err }, CodeValidation, job.ErrValidation},
		{"relative export path", func() error { _, err := c.Export(ctx, "out.json", ""); return err }, CodeValidation, job.ErrValidation},
		{"restricted export path", func() error { _, err := c.Export(ctx, "/proc/self/environ", ""); return err }, CodeValidation, job.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			var remote *RemoteError
			if !errors.As(err, &remote) {
				t.Fatalf("error = %v, want *RemoteError", err)
			}
			if remote.Code != tt.code {
				t.Errorf("code = %d, want %d (%s)", remote.Code, tt.code, remote.Message)
			}
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.sentinel)
			}
		})
	}

	// The connection survives operation errors.
	if _, err := c.Ping(ctx); err != nil {
		t.Errorf("Ping after errors: %v", err)
	}
}

func TestServer_StatisticsOfJobWithoutRuns(t *testing.T) {
	t.Parallel()

	s := newStack(t)
	ctx := t.Context()

	spec, err := s.client.AddJob(ctx, job.Spec{Name: "never", Command: "true"})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	stats, err := s.client.JobStatistics(ctx, spec.ID)
	if err != nil {
		t.Fatalf("JobStatistics: %v", err)
	}
	if stats.JobID != spec.ID || stats.Total != 0 {
		t.Errorf("JobStatistics = %+v, want zero counts", stats)
	}
}

func TestServer_OversizedRequest(t *testing.T) {
	t.Parallel()

	path := socketPath(t)
	srv := NewServer(ServerConfig{
		Path: path,
		Dispatcher: NewDispatcher(DispatcherConfig{
			Version: "test",
			Logger:  quietLogger(),
		}),
		MaxMessageBytes: 1024,
		Logger:          quietLogger(),
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	c := dial(t, path)
	err := c.Call(t.Context(), OpAddJob, map[string]any{"name": "big", "command": strings.Repeat("x", 4096)}, nil)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("error = %v, want *RemoteError", err)
	}
	if remote.Code != CodeValidation || !strings.Contains(remote.Message, "exceeds 1024 bytes") {
		t.Errorf("remote error = %+v", remote)
	}
	if _, err := c.Ping(t.Context()); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Ping on rejected connection = %v, want ErrClientClosed", err)
	}

	// Other connections are unaffected.
	if _, err := dial(t, path).Ping(t.Context()); err != nil {
		t.Errorf("Ping on a new connection: %v", err)
	}
}

func TestServer_RawProtocol(t *testing.T) {
	t.Parallel()

	s := newStack(t)
	conn, err := net.Dial("unix", s.server.Path())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)

	send := func(line string) Response {
		t.Helper()
		if _, err := conn.Write([]byte(line + "\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
		raw, err := r.ReadBytes('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
		return resp
	}

	if resp := send("this is not json"); resp.Error == nil || resp.Error.Code != CodeValidation {
		t.Errorf("malformed line response = %+v", resp)
	}
	if resp := send(`{"id":"7","args":{}}`); resp.ID != "7" || resp.Error == nil || resp.Error.Code != CodeValidation {
		t.Errorf("missing operation response = %+v", resp)
	}
	deep := `{"id":"8","operation":"addJob","args":` + strings.Repeat("[", 64) + strings.Repeat("]", 64) + `}`
	if resp := send(deep); resp.ID != "8" || resp.Error == nil || resp.Error.Code != CodeValidation {
		t.Errorf("deeply nested request response = %+v", resp)
	}

	resp := send(`{"id":"a","operation":"ping"}`)
	if resp.ID != "a" || resp.Error != nil {
		t.Fatalf("ping response = %+v", resp)
	}
	var pong PingResult
	if err := json.Unmarshal(resp.Result, &pong); err != nil || !pong.Pong {
		t.Errorf("ping result = %s, %v", resp.Result, err)
	}

	resp = send(`{"id":"b","operation":"addJob","args":{"name":"n","command":"true"}} `)
	if resp.ID != "b" || resp.Error != nil {
		t.Errorf("addJob response = %+v", resp)
	}
}

func TestServer_ConcurrentClients(t *testing.T) {
	t.Parallel()

	s := newStack(t)
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := Dial(t.Context(), s.server.Path())
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()
			if _, err := c.AddJob(t.Context(), job.Spec{Name: "job", Command: "true", Priority: i}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("client error: %v", err)
	}

	jobs, err := s.client.ListJobs(t.Context(), job.Filter{})
	if err != nil || len(jobs) != 20 {
		t.Fatalf("ListJobs = %d jobs, %v", len(jobs), err)
	}
	if jobs[0].Priority != 19 {
		t.Errorf("first job priority = %d, want 19", jobs[0].Priority)
	}
}

func TestServer_RefusesSecondDaemon(t *testing.T) {
	t.Parallel()

	s := newStack(t)
	second := NewServer(ServerConfig{
		Path:       s.server.Path(),
		Dispatcher: NewDispatcher(DispatcherConfig{Jobs: s.mgr, History: s.reg}),
		Logger:     quietLogger(),
	})
	if err := second.Start(); !errors.Is(err, ErrDaemonRunning) {
		t.Fatalf("second Start error = %v, want ErrDaemonRunning", err)
	}
	if _, err := s.client.Ping(t.Context()); err != nil {
		t.Errorf("first daemon disturbed: %v", err)
	}
}

// staleSocket leaves a socket file nobody listens on.
func staleSocket(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	_ = ln.Close()
}

func TestServer_RemovesStaleSocket(t *testing.T) {
	t.Parallel()

	path := socketPath(t)
	staleSocket(t, path)

	srv := NewServer(ServerConfig{
		Path:       path,
		Dispatcher: NewDispatcher(DispatcherConfig{Logger: quietLogger()}),
		Logger:     quietLogger(),
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start over stale socket: %v", err)
	}
	defer srv.Stop(context.Background())

	if err := Probe(path, time.Second); err != nil {
		t.Errorf("Probe: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("socket mode = %o, want 600", perm)
	}
}

func TestServer_StartStopIdempotent(t *testing.T) {
	t.Parallel()

	path := socketPath(t)
	srv := NewServer(ServerConfig{
		Path:       path,
		Dispatcher: NewDispatcher(DispatcherConfig{Logger: quietLogger()}),
		Logger:     quietLogger(),
	})
	for range 2 {
		if err := srv.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	for range 2 {
		if err := srv.Stop(context.Background()); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket not removed: %v", err)
	}
	if err := Probe(path, time.Second); !errors.Is(err, ErrDaemonNotRunning) {
		t.Errorf("Probe after Stop = %v, want ErrDaemonNotRunning", err)
	}

	if err := srv.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop after restart: %v", err)
	}
}

func TestServer_RequiresDispatcher(t *testing.T) {
	t.Parallel()

	srv := NewServer(ServerConfig{Path: socketPath(t), Logger: quietLogger()})
	if err := srv.Start(); err == nil {
		t.Fatal("Start without dispatcher should fail")
	}
}

// blockingJobs holds StartJob until released or cancelled.
type blockingJobs struct {
	Jobs
	entered chan struct{}
	release chan struct{}
}

func (b *blockingJobs) StartJob(ctx context.Context, id string) (job.Execution, error) {
	close(b.entered)
	select {
	case <-b.release:
		return job.Execution{ID: "exec_done", JobID: id, Status: job.StatusRunning}, nil
	case <-ctx.Done():
		return job.Execution{}, ctx.Err()
	}
}

func TestServer_Stop_DrainsInFlight(t *testing.T) {
	t.Parallel()

	jobs := &blockingJobs{entered: make(chan struct{}), release: make(chan struct{})}
	srv := startServer(t, jobs, nil)
	c := dial(t, srv.Path())

	result := make(chan error, 1)
	go func() {
		_, err := c.StartJob(context.Background(), "slow")
		result <- err
	}()
	<-jobs.entered

	stopped := make(chan error, 1)
	go func() { stopped <- srv.Stop(context.Background()) }()

	select {
	case err := <-stopped:
		t.Fatalf("Stop returned before the request finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if err := Probe(srv.Path(), time.Second); err == nil {
		t.Error("server still accepts connections while stopping")
	}

	close(jobs.release)
	if err := <-result; err != nil {
		t.Errorf("in-flight request failed: %v", err)
	}
	if err := <-stopped; err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestServer_Stop_DeadlineCancelsRequests(t *testing.T) {
	t.Parallel()

	jobs := &blockingJobs{entered: make(chan struct{}), release: make(chan struct{})}
	srv := startServer(t, jobs, nil)
	c := dial(t, srv.Path())

	result := make(chan error, 1)
	go func() {
		_, err := c.StartJob(context.Background(), "slow")
		result <- err
	}()
	<-jobs.entered

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := srv.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop error = %v, want deadline exceeded", err)
	}
	if err := <-result; err == nil {
		t.Error("cancelled request reported success")
	}
}
