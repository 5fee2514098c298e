package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"syscall"
	"time"

	"github.com/armon/circbuf"
	"github.com/mattn/go-shellwords"
	"golang.org/x/sys/unix"

	"github.com/flemzord/jobd/internal/security"
)

const (
	// DefaultShell runs shell-mode commands.
	DefaultShell = "/bin/sh"

	// stderrTailSize bounds the stderr kept for error messages.
	stderrTailSize = 4096

	// defaultWaitDelay bounds how long Wait keeps copying output after the
	// process exits, for children that leave the pipes open.
	defaultWaitDelay = 5 * time.Second
)

// ExecRunner is the Runner backed by os/exec. Each child runs in its own
// process group so signals reach the whole tree.
type ExecRunner struct {
	// Shell is the interpreter for shell-mode commands. Defaults to /bin/sh.
	Shell string

	// StripSensitiveEnv removes secret-looking variables inherited from
	// the daemon before the job's own Env is applied.
	StripSensitiveEnv bool

	// Secrets are daemon secrets scrubbed from inherited variable values
	// when StripSensitiveEnv is set.
	Secrets []string

	// WaitDelay bounds output copying after exit. Defaults to 5s.
	WaitDelay time.Duration

	Logger *slog.Logger
}

// Compile-time interface check.
var _ Runner = (*ExecRunner)(nil)

// BuildArgv resolves the argv of cmd.
func BuildArgv(cmd Command, shell string) ([]string, error) {
	if shell == "" {
		shell = DefaultShell
	}
	switch {
	case cmd.Shell:
		line := cmd.Name
		for _, a := range cmd.Args {
			line += " " + security.EscapeShellArg(a)
		}
		if line == "" {
			return nil, ErrEmptyCommand
		}
		return []string{shell, "-c", line}, nil
	case len(cmd.Args) > 0:
		return append([]string{cmd.Name}, cmd.Args...), nil
	default:
		argv, err := shellwords.Parse(cmd.Name)
		if err != nil {
			return nil, fmt.Errorf("executor: parse command %q: %w", cmd.Name, err)
		}
		if len(argv) == 0 {
			return nil, ErrEmptyCommand
		}
		return argv, nil
	}
}

// Start implements Runner. Cancelling ctx does not kill the child; callers
// stop processes through Signal.
func (r *ExecRunner) Start(_ context.Context, cmd Command) (Process, error) {
	argv, err := BuildArgv(cmd, r.Shell)
	if err != nil {
		return nil, err
	}

	//nolint:gosec // running user-submitted commands is the daemon's purpose.
	c := exec.Command(argv[0], argv[1:]...)
	c.Dir = cmd.Dir
	c.Env = r.environ(cmd.Env)
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.WaitDelay = r.WaitDelay
	if c.WaitDelay <= 0 {
		c.WaitDelay = defaultWaitDelay
	}

	tail, _ := circbuf.NewBuffer(stderrTailSize)
	c.Stdout = writerOrDiscard(cmd.Stdout)
	c.Stderr = io.MultiWriter(writerOrDiscard(cmd.Stderr), tail)

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("executor: start %s: %w", argv[0], err)
	}

	p := &execProcess{cmd: c, tail: tail, done: make(chan struct{})}
	go p.wait()

	if r.Logger != nil {
		r.Logger.Debug("executor: process started", "pid", c.Process.Pid, "program", argv[0])
	}
	return p, nil
}

func (r *ExecRunner) environ(extra map[string]string) []string {
	var env []string
	if r.StripSensitiveEnv {
		env = security.SanitizedEnv(r.Secrets)
	} else {
		env = os.Environ()
	}
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func writerOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

type execProcess struct {
	cmd  *exec.Cmd
	tail *circbuf.Buffer

	done   chan struct{}
	result Result
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

// Signal sends sig to the child's process group, falling back to the child
// alone when the group is gone.
func (p *execProcess) Signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	pid := p.cmd.Process.Pid
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Wait() Result {
	<-p.done
	return p.result
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.result = exitResult(p.cmd.ProcessState, err)
	p.result.StderrTail = p.tail.String()
	close(p.done)
}

func exitResult(state *os.ProcessState, err error) Result {
	var res Result
	if state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Signal = unix.SignalName(ws.Signal())
		} else {
			code := state.ExitCode()
			res.ExitCode = &code
		}
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		res.Err = err
	}
	return res
}
