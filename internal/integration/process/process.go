package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	ps "github.com/shirou/gopsutil/v4/process"
)

const (
	// DefaultCaptureLimit is the number of trailing output bytes kept per stream.
	DefaultCaptureLimit = 64 * 1024

	// defaultWaitDelay bounds how long Wait keeps draining output pipes that
	// are still held open by escaped descendants after the child exited.
	defaultWaitDelay = 2 * time.Second

	// UnknownExitCode is reported until the process has been reaped.
	UnknownExitCode = -1
)

// State represents the state of a process.
type State int

const (
	// StateCreated indicates the process has been created but not started.
	StateCreated State = iota
	// StateRunning indicates the process is currently running.
	StateRunning
	// StateExited indicates the process has exited normally or with an error.
	StateExited
	// StateKilled indicates the process was killed by a signal.
	StateKilled
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Process is a handle to one supervised child process.
//
// The child's stdout and stderr are captured into bounded buffers instead of
// being inherited, and the child is reaped by a single background goroutine
// started by Start. Process is safe for concurrent use.
type Process struct {
	// ID is the unique identifier for this process.
	ID string

	// Name is a human-readable name for the process.
	Name string

	// Cmd is the underlying exec.Cmd.
	Cmd *exec.Cmd

	// Started is the time the process was started.
	Started time.Time

	stdout *outputBuffer
	stderr *outputBuffer

	// done is closed when the process has been reaped.
	done chan struct{}

	state    atomic.Int32
	exitCode atomic.Int32

	// mu protects exitErr and waitErr.
	mu      sync.RWMutex
	exitErr error
	waitErr error

	waitOnce sync.Once
}

// Option configures Start.
type Option func(*startOptions)

type startOptions struct {
	id           string
	log          logr.Logger
	captureLimit int
}

// WithID overrides the generated process ID.
func WithID(id string) Option {
	return func(o *startOptions) {
		o.id = id
	}
}

// WithOutputLogger forwards every captured output line to log at V(1).
func WithOutputLogger(log logr.Logger) Option {
	return func(o *startOptions) {
		o.log = log
	}
}

// WithCaptureLimit sets how many trailing bytes are kept per output stream.
func WithCaptureLimit(limit int) Option {
	return func(o *startOptions) {
		o.captureLimit = limit
	}
}

// Start starts cmd as a supervised child process.
//
// Stdout and stderr are captured; writers already set on cmd still receive
// the output. On unix the child is placed in its own process group so that
// Kill can take down the whole tree. The returned error wraps the spawn
// failure; no goroutines are left running in that case.
func Start(name string, cmd *exec.Cmd, opts ...Option) (*Process, error) {
	if cmd == nil {
		return nil, ErrNilCommand
	}
	if cmd.Process != nil {
		return nil, ErrProcessAlreadyStarted
	}

	options := startOptions{
		log:          logr.Discard(),
		captureLimit: DefaultCaptureLimit,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.id == "" {
		options.id = uuid.New().String()
	}

	p := &Process{
		ID:     options.id,
		Name:   name,
		Cmd:    cmd,
		stdout: newOutputBuffer(options.captureLimit, options.log, "stdout"),
		stderr: newOutputBuffer(options.captureLimit, options.log, "stderr"),
		done:   make(chan struct{}),
	}
	p.state.Store(int32(StateCreated))
	p.exitCode.Store(UnknownExitCode)

	cmd.Stdout = teeWriter(cmd.Stdout, p.stdout)
	cmd.Stderr = teeWriter(cmd.Stderr, p.stderr)
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = defaultWaitDelay
	}
	setProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	p.Started = time.Now()
	p.state.Store(int32(StateRunning))

	go p.waitLoop()

	return p, nil
}

// State returns the current process state.
func (p *Process) State() State {
	return State(p.state.Load())
}

// ExitCode returns the process exit code.
// Returns -1 if the process has not exited or was killed by a signal.
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// ExitError returns the raw error from waiting on the process, including
// *exec.ExitError for non-zero exits. Returns nil before the process exits.
func (p *Process) ExitError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// Done returns a channel that is closed when the process has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// IsRunning returns true if the process has not been reaped yet.
func (p *Process) IsRunning() bool {
	return p.State() == StateRunning
}

// HasExited returns true if the process has exited (normally or killed).
func (p *Process) HasExited() bool {
	state := p.State()
	return state == StateExited || state == StateKilled
}

// PID returns the process ID, or -1 if not started.
func (p *Process) PID() int {
	if p.Cmd.Process == nil {
		return -1
	}
	return p.Cmd.Process.Pid
}

// Command returns a copy of the argv the process was launched with.
func (p *Process) Command() []string {
	return append([]string(nil), p.Cmd.Args...)
}

// Stdout returns the captured tail of the process's standard output.
func (p *Process) Stdout() string {
	return p.stdout.String()
}

// Stderr returns the captured tail of the process's standard error.
func (p *Process) Stderr() string {
	return p.stderr.String()
}

// Kill forcibly terminates the process together with its descendants.
// Killing a process that already exited is not an error.
func (p *Process) Kill() error {
	if p.Cmd.Process == nil {
		return ErrProcessNotStarted
	}
	if p.HasExited() {
		return nil
	}

	err := killTree(p.Cmd.Process)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Wait blocks until the process has been reaped or ctx is done.
//
// A non-zero exit status or a death by signal is not a failure; only an
// error from the OS-level wait itself is returned. If ctx ends first, the
// context error is returned and the process keeps being reaped in the
// background.
func (p *Process) Wait(ctx context.Context) error {
	if p.Cmd.Process == nil {
		return ErrProcessNotStarted
	}

	select {
	case <-p.done:
		p.mu.RLock()
		defer p.mu.RUnlock()
		return p.waitErr
	case <-ctx.Done():
		return fmt.Errorf("wait for process %d: %w", p.PID(), ctx.Err())
	}
}

// Alive reports whether the OS still knows the process. A reaped process is
// never alive, even if its PID has been reused.
func (p *Process) Alive(ctx context.Context) (bool, error) {
	if p.Cmd.Process == nil || p.HasExited() {
		return false, nil
	}
	return ps.PidExistsWithContext(ctx, int32(p.PID()))
}

// Cmdline returns the command line as reported by the OS.
func (p *Process) Cmdline(ctx context.Context) ([]string, error) {
	if p.Cmd.Process == nil {
		return nil, ErrProcessNotStarted
	}
	proc, err := ps.NewProcessWithContext(ctx, int32(p.PID()))
	if err != nil {
		return nil, fmt.Errorf("lookup process %d: %w", p.PID(), err)
	}
	return proc.CmdlineSliceWithContext(ctx)
}

// Runtime returns the duration the process has been running.
func (p *Process) Runtime() time.Duration {
	if p.Started.IsZero() {
		return 0
	}
	return time.Since(p.Started)
}

// waitLoop reaps the process and records how it ended.
func (p *Process) waitLoop() {
	p.waitOnce.Do(func() {
		err := p.Cmd.Wait()

		exitCode := 0
		state := StateExited
		var waitErr error

		var exitErr *exec.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				state = StateKilled
			}
		case errors.Is(err, exec.ErrWaitDelay):
			// The child exited but a descendant held the output pipes open.
			if p.Cmd.ProcessState != nil {
				exitCode = p.Cmd.ProcessState.ExitCode()
			}
		default:
			exitCode = UnknownExitCode
			waitErr = fmt.Errorf("wait for process %d: %w", p.PID(), err)
		}

		p.mu.Lock()
		p.exitErr = err
		p.waitErr = waitErr
		p.mu.Unlock()

		p.exitCode.Store(int32(exitCode))
		p.state.Store(int32(state))
		p.stdout.flush()
		p.stderr.flush()
		close(p.done)
	})
}

// descendants returns the PIDs of all descendants of pid, breadth first.
func descendants(pid int) []int32 {
	root, err := ps.NewProcess(int32(pid))
	if err != nil {
		return nil
	}

	var result []int32
	next := []*ps.Process{root}
	for len(next) > 0 {
		current := next[0]
		next = next[1:]

		children, childrenErr := current.Children()
		if childrenErr != nil {
			continue
		}
		for _, child := range children {
			result = append(result, child.Pid)
		}
		next = append(next, children...)
	}
	return result
}
