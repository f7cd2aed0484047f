package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/go-logr/logr"

	"github.com/dshills/protosup/internal/integration/environment"
	"github.com/dshills/protosup/internal/integration/process"
	"github.com/dshills/protosup/internal/logger"
)

// Supervisor owns at most one server process for a Backend and moves it
// through the NoProcess -> Running -> NoProcess lifecycle.
//
// A process that dies on its own is not cleared from the supervisor: the
// exit handler, if any, is called and the state stays Running until the
// next Startup (which relaunches) or Shutdown (which reaps).
//
// Supervisor is safe for concurrent use; Startup and Shutdown are
// serialized.
type Supervisor struct {
	mu sync.Mutex

	backend    Backend
	defaultEnv *environment.Environment
	log        logr.Logger
	onExit     func(p *process.Process)

	// proc is the recorded process; nil in StateNoProcess.
	proc *process.Process
	// config is the resolved Config proc was started with.
	config Config
	// stopping holds processes being killed by Shutdown. Their exit is
	// expected even after proc has been replaced.
	stopping map[*process.Process]struct{}
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(log logr.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.log = log
	}
}

// WithDefaultEnvironment sets the environment used when Config.Environment is nil.
func WithDefaultEnvironment(env *environment.Environment) SupervisorOption {
	return func(s *Supervisor) {
		s.defaultEnv = env
	}
}

// WithExitHandler sets a callback for processes that exit without a
// Shutdown. It runs on its own goroutine.
func WithExitHandler(fn func(p *process.Process)) SupervisorOption {
	return func(s *Supervisor) {
		s.onExit = fn
	}
}

// NewSupervisor creates a supervisor for backend in StateNoProcess.
func NewSupervisor(backend Backend, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		backend:  backend,
		log:      logr.Discard(),
		stopping: make(map[*process.Process]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithValues("server", backend.Name())
	return s
}

// Name returns the backend name.
func (s *Supervisor) Name() string {
	return s.backend.Name()
}

// DefaultEnvironment returns the environment used when a Config has none.
func (s *Supervisor) DefaultEnvironment() *environment.Environment {
	return s.defaultEnv
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return StateNoProcess
	}
	return StateRunning
}

// Process returns the recorded process, or nil.
func (s *Supervisor) Process() *process.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

// Config returns the resolved Config of the recorded process, with host,
// port and environment defaulted. It is the zero Config in StateNoProcess.
func (s *Supervisor) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return Config{}
	}
	return s.config
}

// Startup launches the server described by config.
//
// If a live process is recorded, it is returned and a warning is logged.
// A recorded process that has already exited is dropped and a new one is
// launched. Failures are returned as *LaunchError and leave the
// supervisor in StateNoProcess.
func (s *Supervisor) Startup(ctx context.Context, config Config) (*process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != nil {
		if !s.proc.HasExited() {
			logger.Warn(s.log, "Server already started, startup is a no-op", "pid", s.proc.PID())
			return s.proc, nil
		}
		logger.Warn(s.log, "Recorded server process exited on its own, launching a new one",
			"pid", s.proc.PID(),
			"exitCode", s.proc.ExitCode(),
			"stderr", s.proc.Stderr())
		s.proc = nil
	}

	config = config.withDefaults(s.backend.DefaultPort(), s.defaultEnv)
	// A relative interpreter path would be resolved against WorkDir by exec.
	config.Environment = config.Environment.Absolute()
	if err := config.validate(); err != nil {
		return nil, &LaunchError{Backend: s.backend.Name(), Err: err}
	}

	argv, err := s.backend.Command(config)
	if err != nil {
		return nil, &LaunchError{Backend: s.backend.Name(), Err: err}
	}
	if len(argv) == 0 {
		return nil, &LaunchError{Backend: s.backend.Name(), Err: fmt.Errorf("%w: empty command", ErrInvalidConfig)}
	}

	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Backend: s.backend.Name(), Command: argv, Err: err}
	}

	// The process must outlive ctx, so it is not bound with CommandContext.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = config.WorkDir
	cmd.Env = os.Environ()
	for k, v := range config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	proc, err := process.Start(s.backend.Name(), cmd, process.WithOutputLogger(s.log))
	if err != nil {
		return nil, &LaunchError{Backend: s.backend.Name(), Command: argv, Err: err}
	}

	s.proc = proc
	s.config = config

	s.log.Info("Started server", "command", argv, "pid", proc.PID(), "address", config.Address())

	go s.watch(proc)

	return proc, nil
}

// Shutdown kills the recorded process and blocks until it has been reaped.
//
// Without a recorded process a warning is logged and nil is returned. The
// wait is bounded by ctx and by the ShutdownTimeout of the Config the
// process was started with. If the wait fails the error wraps
// ErrShutdownWait; the supervisor is back in StateNoProcess either way.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	_, err := s.ShutdownProcess(ctx)
	return err
}

// ShutdownProcess is Shutdown that also returns the process it stopped, or
// nil if none was recorded. The process is returned alongside an
// ErrShutdownWait error, since it was dropped from the supervisor.
func (s *Supervisor) ShutdownProcess(ctx context.Context) (*process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc == nil {
		logger.Warn(s.log, "Server not started, shutdown is a no-op")
		return nil, nil
	}

	proc := s.proc
	if !proc.HasExited() {
		s.stopping[proc] = struct{}{}
	}
	if err := proc.Kill(); err != nil {
		delete(s.stopping, proc)
		// The process may still be alive; keep it recorded so Shutdown can be retried.
		return nil, fmt.Errorf("kill %s process %d: %w", s.backend.Name(), proc.PID(), err)
	}
	s.proc = nil

	if timeout := s.config.ShutdownTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := proc.Wait(ctx); err != nil {
		s.log.Error(err, "Server process did not confirm exit", "pid", proc.PID())
		return proc, errors.Join(ErrShutdownWait, err)
	}

	s.log.Info("Stopped server", "pid", proc.PID(), "state", proc.State().String(), "runtime", proc.Runtime().String())
	return proc, nil
}

// watch reports a process that exits without being stopped by Shutdown,
// even if a later Startup has already replaced it.
func (s *Supervisor) watch(proc *process.Process) {
	<-proc.Done()

	s.mu.Lock()
	_, stopped := s.stopping[proc]
	delete(s.stopping, proc)
	s.mu.Unlock()

	if stopped {
		return
	}

	logger.Warn(s.log, "Server process exited unexpectedly",
		"pid", proc.PID(),
		"exitCode", proc.ExitCode(),
		"stderr", proc.Stderr())

	if s.onExit != nil {
		s.onExit(proc)
	}
}

var _ Server = (*Supervisor)(nil)
