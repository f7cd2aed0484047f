package server

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	ps "github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/require"

	"github.com/dshills/protosup/internal/integration/environment"
	"github.com/dshills/protosup/internal/integration/process"
	"github.com/dshills/protosup/internal/testutil"
)

type fakeBackend struct {
	mu    sync.Mutex
	argv0 string
}

func (b *fakeBackend) Name() string     { return "fake" }
func (b *fakeBackend) DefaultPort() int { return 4432 }

func (b *fakeBackend) Command(config Config) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	exe := config.Environment.Interpreter
	if b.argv0 != "" {
		exe = b.argv0
	}
	argv := []string{exe, "-m", "fake", "--listen", config.Address(), "--wait-for-client"}
	if config.TargetFile != "" {
		argv = append(argv, config.TargetFile)
	}
	return argv, nil
}

func (b *fakeBackend) setArgv0(argv0 string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.argv0 = argv0
}

func shutdownOnCleanup(t *testing.T, s *Supervisor) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
}

// requireAlive checks liveness through the handle and, for a dead process,
// also asks the OS so a reaped handle cannot hide a leaked PID.
func requireAlive(t *testing.T, proc *process.Process, want bool) {
	t.Helper()
	alive, err := proc.Alive(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, alive)

	if !want {
		exists, err := ps.PidExistsWithContext(context.Background(), int32(proc.PID()))
		require.NoError(t, err)
		require.False(t, exists, "pid %d still exists", proc.PID())
	}
}

func TestState_String(t *testing.T) {
	require.Equal(t, "no-process", StateNoProcess.String())
	require.Equal(t, "running", StateRunning.String())
	require.Equal(t, "unknown", State(9).String())
}

func TestConfig_Defaults(t *testing.T) {
	env := &environment.Environment{Root: "/env", Interpreter: "/env/bin/python"}

	config := Config{}.withDefaults(4432, env)
	require.Equal(t, DefaultHost, config.Host)
	require.Equal(t, 4432, config.Port)
	require.Same(t, env, config.Environment)
	require.Equal(t, "127.0.0.1:4432", config.Address())

	supplied := &environment.Environment{Root: "/other"}
	config = Config{Host: "::1", Port: 9000, Environment: supplied}.withDefaults(4432, env)
	require.Equal(t, "[::1]:9000", config.Address())
	require.Same(t, supplied, config.Environment)
}

func TestSupervisor_ShutdownWithoutProcess(t *testing.T) {
	rec, log := testutil.NewLogRecorder()
	s := NewSupervisor(&fakeBackend{}, WithLogger(log))

	require.NoError(t, s.Shutdown(context.Background()))
	require.Equal(t, StateNoProcess, s.State())
	require.True(t, rec.Contains("shutdown is a no-op", `"warning"=true`), rec.Lines())
}

func TestSupervisor_StartupShutdown(t *testing.T) {
	s := NewSupervisor(&fakeBackend{}, WithDefaultEnvironment(testutil.FakeEnvironment(t)))
	shutdownOnCleanup(t, s)

	proc, err := s.Startup(context.Background(), Config{})
	require.NoError(t, err)
	require.Greater(t, proc.PID(), 0)
	require.Equal(t, StateRunning, s.State())
	require.Same(t, proc, s.Process())
	require.Equal(t, "127.0.0.1:4432", s.Config().Address())
	requireAlive(t, proc, true)

	require.NoError(t, s.Shutdown(context.Background()))
	require.Equal(t, StateNoProcess, s.State())
	require.Nil(t, s.Process())
	require.Zero(t, s.Config().Port)
	require.True(t, proc.HasExited())
	requireAlive(t, proc, false)
}

func TestSupervisor_StartupIsIdempotent(t *testing.T) {
	rec, log := testutil.NewLogRecorder()
	s := NewSupervisor(&fakeBackend{}, WithLogger(log), WithDefaultEnvironment(testutil.FakeEnvironment(t)))
	shutdownOnCleanup(t, s)

	first, err := s.Startup(context.Background(), Config{})
	require.NoError(t, err)

	second, err := s.Startup(context.Background(), Config{Port: 5000})
	require.NoError(t, err)

	require.Same(t, first, second)
	require.Equal(t, first.PID(), second.PID())
	require.True(t, rec.Contains("startup is a no-op", `"warning"=true`), rec.Lines())

	started := 0
	for _, line := range rec.Lines() {
		if strings.Contains(line, "Started server") {
			started++
		}
	}
	require.Equal(t, 1, started, "exactly one process must be spawned")
}

func TestSupervisor_RepeatedLifecycle(t *testing.T) {
	s := NewSupervisor(&fakeBackend{}, WithDefaultEnvironment(testutil.FakeEnvironment(t)))
	shutdownOnCleanup(t, s)

	first, err := s.Startup(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, s.Shutdown(context.Background()))

	second, err := s.Startup(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, s.Shutdown(context.Background()))

	require.NotEqual(t, first.ID, second.ID)
	requireAlive(t, first, false)
	requireAlive(t, second, false)
	require.Equal(t, StateNoProcess, s.State())
}

func TestSupervisor_CommandLine(t *testing.T) {
	s := NewSupervisor(&fakeBackend{})
	shutdownOnCleanup(t, s)

	proc, err := s.Startup(context.Background(), Config{
		Host:        "127.0.0.1",
		Port:        4432,
		Environment: testutil.FakeEnvironment(t),
	})
	require.NoError(t, err)
	require.NotZero(t, proc.PID())

	cmdline, err := proc.Cmdline(context.Background())
	require.NoError(t, err)
	joined := strings.Join(cmdline, " ")
	require.Contains(t, joined, "--listen 127.0.0.1:4432")
	require.Contains(t, joined, "--wait-for-client")

	require.NoError(t, s.Shutdown(context.Background()))
	requireAlive(t, proc, false)
}

func TestSupervisor_TargetFile(t *testing.T) {
	s := NewSupervisor(&fakeBackend{}, WithDefaultEnvironment(testutil.FakeEnvironment(t)))
	shutdownOnCleanup(t, s)

	proc, err := s.Startup(context.Background(), Config{TargetFile: "/work/app.py"})
	require.NoError(t, err)

	argv := proc.Command()
	require.Equal(t, "/work/app.py", argv[len(argv)-1])
}

func TestSupervisor_LaunchErrorIsRetryable(t *testing.T) {
	backend := &fakeBackend{argv0: filepath.Join(t.TempDir(), "missing-python")}
	s := NewSupervisor(backend, WithDefaultEnvironment(testutil.FakeEnvironment(t)))
	shutdownOnCleanup(t, s)

	proc, err := s.Startup(context.Background(), Config{})
	require.Nil(t, proc)
	require.ErrorIs(t, err, ErrLaunch)

	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	require.Equal(t, "fake", launchErr.Backend)
	require.NotEmpty(t, launchErr.Command)
	require.Equal(t, StateNoProcess, s.State())

	backend.setArgv0("")
	proc, err = s.Startup(context.Background(), Config{})
	require.NoError(t, err)
	requireAlive(t, proc, true)
}

func TestSupervisor_NoEnvironment(t *testing.T) {
	s := NewSupervisor(&fakeBackend{})

	_, err := s.Startup(context.Background(), Config{})
	require.ErrorIs(t, err, ErrLaunch)
	require.ErrorIs(t, err, ErrNoEnvironment)
	require.Equal(t, StateNoProcess, s.State())
}

func TestSupervisor_InvalidEnvironment(t *testing.T) {
	s := NewSupervisor(&fakeBackend{})

	_, err := s.Startup(context.Background(), Config{
		Environment: environment.FromRoot(filepath.Join(t.TempDir(), "missing")),
	})
	require.ErrorIs(t, err, ErrLaunch)
	require.ErrorIs(t, err, environment.ErrInvalidEnvironment)
}

func TestSupervisor_InvalidConfig(t *testing.T) {
	s := NewSupervisor(&fakeBackend{}, WithDefaultEnvironment(testutil.FakeEnvironment(t)))

	_, err := s.Startup(context.Background(), Config{Port: 70000})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = s.Startup(context.Background(), Config{ShutdownTimeout: -time.Second})
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Equal(t, StateNoProcess, s.State())
}

func TestSupervisor_CancelledContext(t *testing.T) {
	s := NewSupervisor(&fakeBackend{}, WithDefaultEnvironment(testutil.FakeEnvironment(t)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Startup(ctx, Config{})
	require.ErrorIs(t, err, ErrLaunch)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StateNoProcess, s.State())
}

func TestSupervisor_UnexpectedExit(t *testing.T) {
	exited := make(chan *process.Process, 1)
	rec, log := testutil.NewLogRecorder()
	s := NewSupervisor(&fakeBackend{},
		WithLogger(log),
		WithDefaultEnvironment(testutil.ExitingEnvironment(t)),
		WithExitHandler(func(p *process.Process) { exited <- p }),
	)
	shutdownOnCleanup(t, s)

	proc, err := s.Startup(context.Background(), Config{})
	require.NoError(t, err)

	select {
	case p := <-exited:
		require.Same(t, proc, p)
		require.Equal(t, 7, p.ExitCode())
		require.Contains(t, p.Stderr(), "fake interpreter exiting")
	case <-time.After(5 * time.Second):
		t.Fatal("exit handler was not called")
	}

	// No crash state: the supervisor keeps the dead handle until told otherwise.
	require.Equal(t, StateRunning, s.State())

	next, err := s.Startup(context.Background(), Config{})
	require.NoError(t, err)
	require.NotSame(t, proc, next)
	require.True(t, rec.Contains("exited on its own"), rec.Lines())
}

func TestSupervisor_ShutdownAfterUnexpectedExit(t *testing.T) {
	s := NewSupervisor(&fakeBackend{}, WithDefaultEnvironment(testutil.ExitingEnvironment(t)))

	proc, err := s.Startup(context.Background(), Config{})
	require.NoError(t, err)
	<-proc.Done()

	require.NoError(t, s.Shutdown(context.Background()))
	require.Equal(t, StateNoProcess, s.State())
}

func TestSupervisor_ExitHandlerNotCalledOnShutdown(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	s := NewSupervisor(&fakeBackend{},
		WithDefaultEnvironment(testutil.FakeEnvironment(t)),
		WithExitHandler(func(*process.Process) {
			mu.Lock()
			calls++
			mu.Unlock()
		}),
	)

	proc, err := s.Startup(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, s.Shutdown(context.Background()))
	<-proc.Done()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, calls)
}

func TestSupervisor_ExitHandlerSeesEveryCrash(t *testing.T) {
	var mu sync.Mutex
	var crashed []*process.Process

	s := NewSupervisor(&fakeBackend{},
		WithDefaultEnvironment(testutil.ExitingEnvironment(t)),
		WithExitHandler(func(p *process.Process) {
			mu.Lock()
			crashed = append(crashed, p)
			mu.Unlock()
		}),
	)
	shutdownOnCleanup(t, s)

	// Each relaunch replaces the recorded process as soon as the previous
	// one is reaped, usually before its watcher has looked at it.
	const restarts = 5
	started := make(map[*process.Process]bool)
	for i := 0; i < restarts; i++ {
		proc, err := s.Startup(context.Background(), Config{})
		require.NoError(t, err)
		started[proc] = true
		<-proc.Done()
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(crashed) == restarts
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, crashed, restarts, "shutdown of a dead process must not report it twice")
	for _, p := range crashed {
		require.True(t, started[p])
	}
}

func TestSupervisor_ShutdownProcess(t *testing.T) {
	s := NewSupervisor(&fakeBackend{}, WithDefaultEnvironment(testutil.FakeEnvironment(t)))

	stopped, err := s.ShutdownProcess(context.Background())
	require.NoError(t, err)
	require.Nil(t, stopped)

	proc, err := s.Startup(context.Background(), Config{})
	require.NoError(t, err)

	stopped, err = s.ShutdownProcess(context.Background())
	require.NoError(t, err)
	require.Same(t, proc, stopped)
	require.Equal(t, StateNoProcess, s.State())
	requireAlive(t, proc, false)
}

func TestSupervisor_RelativeEnvironmentWithWorkDir(t *testing.T) {
	base := t.TempDir()
	interpreter := filepath.Join(base, "venv", "bin", "python")
	require.NoError(t, os.MkdirAll(filepath.Dir(interpreter), 0o755))
	require.NoError(t, os.WriteFile(interpreter, []byte("#!/bin/sh\nwhile :; do sleep 1; done\n"), 0o755))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(base))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	s := NewSupervisor(&fakeBackend{})
	shutdownOnCleanup(t, s)

	proc, err := s.Startup(context.Background(), Config{
		Environment: &environment.Environment{
			Root:        "venv",
			Interpreter: filepath.Join("venv", "bin", "python"),
		},
		WorkDir: t.TempDir(),
	})
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(proc.Command()[0]), proc.Command())
	require.True(t, filepath.IsAbs(s.Config().Environment.Interpreter))
	requireAlive(t, proc, true)

	require.NoError(t, s.Shutdown(context.Background()))
	requireAlive(t, proc, false)
}

func TestSupervisor_EnvAndWorkDir(t *testing.T) {
	env := environment.FromRoot(filepath.Join(t.TempDir(), "venv"))
	require.NoError(t, os.MkdirAll(filepath.Dir(env.Interpreter), 0o755))
	script := "#!/bin/sh\necho \"$PROTOSUP_TEST_VALUE\"\npwd\n"
	require.NoError(t, os.WriteFile(env.Interpreter, []byte(script), 0o755))

	workDir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	s := NewSupervisor(&fakeBackend{})
	proc, err := s.Startup(context.Background(), Config{
		Environment: env,
		Env:         map[string]string{"PROTOSUP_TEST_VALUE": "forwarded"},
		WorkDir:     workDir,
	})
	require.NoError(t, err)
	require.NoError(t, proc.Wait(context.Background()))

	lines := strings.Split(strings.TrimSpace(proc.Stdout()), "\n")
	require.Equal(t, []string{"forwarded", workDir}, lines)
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestSupervisor_ShutdownTimeoutExpired(t *testing.T) {
	s := NewSupervisor(&fakeBackend{}, WithDefaultEnvironment(testutil.FakeEnvironment(t)))
	_, err := s.Startup(context.Background(), Config{ShutdownTimeout: time.Minute})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Kill is delivered, but the wait itself gives up on the dead context.
	err = s.Shutdown(ctx)
	if err != nil {
		require.ErrorIs(t, err, ErrShutdownWait)
	}
	require.Equal(t, StateNoProcess, s.State())
}

func TestLaunchError(t *testing.T) {
	err := &LaunchError{Backend: "debugpy", Command: []string{"python", "-m", "debugpy"}, Err: os.ErrPermission}
	require.ErrorIs(t, err, ErrLaunch)
	require.ErrorIs(t, err, os.ErrPermission)
	require.Equal(t, "launch debugpy (python -m debugpy): permission denied", err.Error())

	bare := &LaunchError{Backend: "pylsp", Err: ErrNoEnvironment}
	require.Equal(t, "launch pylsp: no execution environment", bare.Error())
}

func TestWaitReachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		for {
			conn, acceptErr := listener.Accept()
			if acceptErr != nil {
				return
			}
			conn.Close()
		}
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, WaitReachable(ctx, "127.0.0.1", port))
}

func TestWaitReachable_Timeout(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err = WaitReachable(ctx, "127.0.0.1", port)
	require.ErrorIs(t, err, ErrUnreachable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
