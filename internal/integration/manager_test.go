package integration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dshills/protosup/internal/integration/process"
	"github.com/dshills/protosup/internal/integration/server"
	"github.com/dshills/protosup/internal/integration/server/adapters"
	"github.com/dshills/protosup/internal/testutil"
)

// recordingBus implements EventPublisher for testing.
type recordingBus struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	Type string
	Data map[string]any
}

func (b *recordingBus) Publish(eventType string, data map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{Type: eventType, Data: data})
}

func (b *recordingBus) Events(eventType string) []recordedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var result []recordedEvent
	for _, e := range b.events {
		if e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// failingServer fails every Shutdown.
type failingServer struct {
	server.Server
	err error
}

func (f failingServer) Name() string                   { return "failing" }
func (f failingServer) State() server.State            { return server.StateRunning }
func (f failingServer) Shutdown(context.Context) error { return f.err }

func newDebugpy(t *testing.T, opts ...adapters.Option) *server.Supervisor {
	t.Helper()
	opts = append([]adapters.Option{adapters.WithEnvironment(testutil.FakeEnvironment(t))}, opts...)
	sup, err := adapters.NewDebugpy(context.Background(), opts...)
	require.NoError(t, err)
	return sup
}

func TestManager_AddGet(t *testing.T) {
	m := NewManager()
	sup := newDebugpy(t)

	require.NoError(t, m.Add("dap", sup))
	require.ErrorIs(t, m.Add("dap", sup), ErrServerExists)
	require.ErrorIs(t, m.Add("", sup), ErrInvalidName)

	got, err := m.Get("dap")
	require.NoError(t, err)
	require.Same(t, sup, got)

	_, err = m.Get("lsp")
	require.ErrorIs(t, err, ErrServerNotFound)

	require.Equal(t, []string{"dap"}, m.Names())
}

func TestManager_StartStop(t *testing.T) {
	ctx := context.Background()
	bus := &recordingBus{}
	m := NewManager(WithEventBus(bus))
	require.NoError(t, m.Add("dap", newDebugpy(t)))

	proc, err := m.Start(ctx, "dap", server.Config{})
	require.NoError(t, err)
	require.Equal(t, server.StateRunning, m.States()["dap"])

	started := bus.Events(EventServerStarted)
	require.Len(t, started, 1)
	require.Equal(t, "dap", started[0].Data["name"])
	require.Equal(t, proc.PID(), started[0].Data["pid"])
	require.Contains(t, started[0].Data, "timestamp")

	require.NoError(t, m.Stop(ctx, "dap"))
	require.Equal(t, server.StateNoProcess, m.States()["dap"])
	require.True(t, proc.HasExited())

	stopped := bus.Events(EventServerStopped)
	require.Len(t, stopped, 1)
	require.Equal(t, proc.PID(), stopped[0].Data["pid"])

	// Stopping an idle server publishes nothing.
	require.NoError(t, m.Stop(ctx, "dap"))
	require.Len(t, bus.Events(EventServerStopped), 1)
}

func TestManager_StoppedEventNamesStoppedProcess(t *testing.T) {
	ctx := context.Background()
	bus := &recordingBus{}
	m := NewManager(WithEventBus(bus))
	require.NoError(t, m.Add("dap", newDebugpy(t)))
	t.Cleanup(func() { _ = m.ShutdownAll(ctx) })

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_, _ = m.Start(ctx, "dap", server.Config{})
				_ = m.Stop(ctx, "dap")
			}
		}()
	}
	wg.Wait()

	started := make(map[int]bool)
	for _, e := range bus.Events(EventServerStarted) {
		started[e.Data["pid"].(int)] = true
	}

	stopped := bus.Events(EventServerStopped)
	require.NotEmpty(t, stopped)
	for _, e := range stopped {
		pid, ok := e.Data["pid"].(int)
		require.True(t, ok, e.Data)
		require.Positive(t, pid)
		require.True(t, started[pid], "stopped pid %d was never started", pid)
	}
}

func TestManager_StartUnknown(t *testing.T) {
	_, err := NewManager().Start(context.Background(), "missing", server.Config{})
	require.ErrorIs(t, err, ErrServerNotFound)
}

func TestManager_ShutdownAll(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	require.NoError(t, m.Add("dap", newDebugpy(t)))

	lsp, err := adapters.NewPyLSP(ctx, adapters.WithEnvironment(testutil.FakeEnvironment(t)))
	require.NoError(t, err)
	require.NoError(t, m.Add("lsp", lsp))

	var procs []*process.Process
	for _, name := range m.Names() {
		proc, err := m.Start(ctx, name, server.Config{})
		require.NoError(t, err)
		procs = append(procs, proc)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, m.ShutdownAll(shutdownCtx))
	require.True(t, m.IsClosed())

	for _, proc := range procs {
		require.True(t, proc.HasExited(), "process %d still running", proc.PID())
	}
	for name, state := range m.States() {
		require.Equal(t, server.StateNoProcess, state, name)
	}

	require.NoError(t, m.ShutdownAll(ctx), "second call is a no-op")
	require.ErrorIs(t, m.Add("late", lsp), ErrManagerClosed)
	_, err = m.Start(ctx, "dap", server.Config{})
	require.ErrorIs(t, err, ErrManagerClosed)
}

func TestManager_ShutdownAllJoinsErrors(t *testing.T) {
	errA := errors.New("a failed")
	errB := errors.New("b failed")

	m := NewManager()
	require.NoError(t, m.Add("a", failingServer{err: errA}))
	require.NoError(t, m.Add("b", failingServer{err: errB}))

	err := m.ShutdownAll(context.Background())
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)
}

func TestManager_ExitHandler(t *testing.T) {
	bus := &recordingBus{}
	m := NewManager(WithEventBus(bus))

	sup, err := adapters.NewDebugpy(context.Background(),
		adapters.WithEnvironment(testutil.ExitingEnvironment(t)),
		adapters.WithExitHandler(m.ExitHandler("dap")),
	)
	require.NoError(t, err)
	require.NoError(t, m.Add("dap", sup))

	_, err = m.Start(context.Background(), "dap", server.Config{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(bus.Events(EventServerExited)) == 1
	}, 5*time.Second, 20*time.Millisecond)

	exited := bus.Events(EventServerExited)[0]
	require.Equal(t, "dap", exited.Data["name"])
	require.Equal(t, 7, exited.Data["exitCode"])
	require.Contains(t, exited.Data["stderr"], "fake interpreter exiting")
}

func TestManager_PublisherPanic(t *testing.T) {
	rec, log := testutil.NewLogRecorder()
	m := NewManager(WithEventBus(panickingPublisher{}), WithManagerLogger(log))
	require.NoError(t, m.Add("dap", newDebugpy(t)))

	_, err := m.Start(context.Background(), "dap", server.Config{})
	require.NoError(t, err)
	require.True(t, rec.Contains("Event publisher panicked"))
	require.NoError(t, m.ShutdownAll(context.Background()))
}

type panickingPublisher struct{}

func (panickingPublisher) Publish(string, map[string]any) { panic("publisher bug") }
