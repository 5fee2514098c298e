// Package executortest provides test doubles for the executor package.
package executortest

import (
	"context"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/flemzord/jobd/internal/executor"
)

// FakeRunner is a scriptable executor.Runner. Every Start creates a
// FakeProcess that stays alive until the test ends it.
type FakeRunner struct {
	// StartErr, when set, is returned by Start.
	StartErr error

	// OnStart runs synchronously inside Start, typically to write output
	// or end the process immediately.
	OnStart func(cmd executor.Command, p *FakeProcess)

	mu      sync.Mutex
	nextPID int
	started []executor.Command
	procs   chan *FakeProcess
}

// NewFakeRunner creates a runner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{nextPID: 1000, procs: make(chan *FakeProcess, 128)}
}

// Compile-time interface check.
var _ executor.Runner = (*FakeRunner)(nil)

// Start implements executor.Runner.
func (r *FakeRunner) Start(_ context.Context, cmd executor.Command) (executor.Process, error) {
	r.mu.Lock()
	if r.StartErr != nil {
		err := r.StartErr
		r.mu.Unlock()
		return nil, err
	}
	r.nextPID++
	p := NewFakeProcess(r.nextPID, cmd)
	r.started = append(r.started, cmd)
	onStart := r.OnStart
	r.mu.Unlock()

	if onStart != nil {
		onStart(cmd, p)
	}
	r.procs <- p
	return p, nil
}

// Started returns the commands started so far.
func (r *FakeRunner) Started() []executor.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]executor.Command, len(r.started))
	copy(out, r.started)
	return out
}

// StartCount returns how many processes were started.
func (r *FakeRunner) StartCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started)
}

// Next waits for the next started process, failing the test after 2s.
func (r *FakeRunner) Next(t testing.TB) *FakeProcess {
	t.Helper()
	select {
	case p := <-r.procs:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("executortest: no process started")
		return nil
	}
}

// FakeProcess is a controllable executor.Process.
type FakeProcess struct {
	Cmd executor.Command

	// OnSignal, when set, is called for every delivered signal.
	OnSignal func(p *FakeProcess, sig syscall.Signal)

	pid     int
	mu      sync.Mutex
	signals []syscall.Signal
	once    sync.Once
	done    chan struct{}
	result  executor.Result
}

// NewFakeProcess creates a live process.
func NewFakeProcess(pid int, cmd executor.Command) *FakeProcess {
	return &FakeProcess{Cmd: cmd, pid: pid, done: make(chan struct{})}
}

// Compile-time interface check.
var _ executor.Process = (*FakeProcess)(nil)

// PID implements executor.Process.
func (p *FakeProcess) PID() int { return p.pid }

// Signal implements executor.Process. It records sig and calls OnSignal.
func (p *FakeProcess) Signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	onSignal := p.OnSignal
	p.mu.Unlock()
	if onSignal != nil {
		onSignal(p, sig)
	}
	return nil
}

// Signals returns the signals delivered so far.
func (p *FakeProcess) Signals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]syscall.Signal, len(p.signals))
	copy(out, p.signals)
	return out
}

// Wait implements executor.Process.
func (p *FakeProcess) Wait() executor.Result {
	<-p.done
	return p.result
}

// Exit ends the process with res. Later calls are ignored.
func (p *FakeProcess) Exit(res executor.Result) {
	p.once.Do(func() {
		p.result = res
		close(p.done)
	})
}

// ExitCode ends the process with a plain exit status.
func (p *FakeProcess) ExitCode(code int) {
	p.Exit(executor.Result{ExitCode: &code})
}

// WriteStdout writes to the command's stdout writer.
func (p *FakeProcess) WriteStdout(s string) {
	if p.Cmd.Stdout != nil {
		_, _ = p.Cmd.Stdout.Write([]byte(s))
	}
}

// WriteStderr writes to the command's stderr writer.
func (p *FakeProcess) WriteStderr(s string) {
	if p.Cmd.Stderr != nil {
		_, _ = p.Cmd.Stderr.Write([]byte(s))
	}
}

// DieOnSignal is an OnSignal handler that ends the process as if killed by
// the signal.
func DieOnSignal(p *FakeProcess, sig syscall.Signal) {
	p.Exit(executor.Result{Signal: executor.SignalName(sig)})
}

// DieOnKill is an OnSignal handler that ignores everything but SIGKILL.
func DieOnKill(p *FakeProcess, sig syscall.Signal) {
	if sig == syscall.SIGKILL {
		p.Exit(executor.Result{Signal: executor.SignalName(sig)})
	}
}
