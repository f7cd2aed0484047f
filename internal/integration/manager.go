package integration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/protosup/internal/integration/process"
	"github.com/dshills/protosup/internal/integration/server"
)

// Manager is the central facade for the protocol servers of a session.
//
// Servers are registered by name and then started, stopped, and shut down
// through the manager, which publishes lifecycle events for them.
//
// Manager is safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	servers map[string]server.Server

	eventBus EventPublisher
	log      logr.Logger

	closed    atomic.Bool
	startTime time.Time
}

// ManagerOption configures a Manager instance.
type ManagerOption func(*Manager)

// WithEventBus sets the event publisher.
func WithEventBus(eb EventPublisher) ManagerOption {
	return func(m *Manager) {
		m.eventBus = eb
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(log logr.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = log
	}
}

// NewManager creates a manager with no servers.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		servers:   make(map[string]server.Server),
		log:       logr.Discard(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add registers srv under name.
func (m *Manager) Add(name string, srv server.Server) error {
	if name == "" {
		return ErrInvalidName
	}
	if m.closed.Load() {
		return ErrManagerClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.servers[name]; exists {
		return fmt.Errorf("%w: %s", ErrServerExists, name)
	}
	m.servers[name] = srv
	return nil
}

// Get returns the server registered under name.
func (m *Manager) Get(name string) (server.Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	srv, ok := m.servers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	return srv, nil
}

// Names returns the registered server names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// States returns the lifecycle state of every registered server.
func (m *Manager) States() map[string]server.State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]server.State, len(m.servers))
	for name, srv := range m.servers {
		states[name] = srv.State()
	}
	return states
}

// Start starts the named server with config.
func (m *Manager) Start(ctx context.Context, name string, config server.Config) (*process.Process, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	srv, err := m.Get(name)
	if err != nil {
		return nil, err
	}

	proc, err := srv.Startup(ctx, config)
	if err != nil {
		return nil, err
	}

	m.publishEvent(EventServerStarted, map[string]any{
		"name":    name,
		"pid":     proc.PID(),
		"command": proc.Command(),
	})
	return proc, nil
}

// Stop shuts down the named server.
func (m *Manager) Stop(ctx context.Context, name string) error {
	srv, err := m.Get(name)
	if err != nil {
		return err
	}
	return m.stop(ctx, name, srv)
}

func (m *Manager) stop(ctx context.Context, name string, srv server.Server) error {
	if shutdowner, ok := srv.(processShutdowner); ok {
		proc, err := shutdowner.ShutdownProcess(ctx)
		if err != nil {
			return fmt.Errorf("stop %s: %w", name, err)
		}
		if proc != nil {
			m.publishEvent(EventServerStopped, map[string]any{
				"name": name,
				"pid":  proc.PID(),
			})
		}
		return nil
	}

	wasRunning := srv.State() == server.StateRunning
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("stop %s: %w", name, err)
	}
	if wasRunning {
		m.publishEvent(EventServerStopped, map[string]any{"name": name})
	}
	return nil
}

// processShutdowner is a Server that reports which process a shutdown
// stopped, so the stopped event names it even under concurrent restarts.
type processShutdowner interface {
	ShutdownProcess(ctx context.Context) (*process.Process, error)
}

// ShutdownAll closes the manager and shuts down every server concurrently.
// All failures are returned joined. Calling it again is a no-op.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	if m.closed.Swap(true) {
		return nil
	}

	m.mu.RLock()
	servers := make(map[string]server.Server, len(m.servers))
	for name, srv := range m.servers {
		servers[name] = srv
	}
	m.mu.RUnlock()

	var (
		errMu sync.Mutex
		errs  []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for name, srv := range servers {
		g.Go(func() error {
			if err := m.stop(gctx, name, srv); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	m.log.Info("Shut down all servers", "count", len(servers), "failed", len(errs), "uptime", m.Uptime().String())
	return errors.Join(errs...)
}

// IsClosed returns true once ShutdownAll has been called.
func (m *Manager) IsClosed() bool {
	return m.closed.Load()
}

// ExitHandler returns a callback that publishes server.exited for name.
// Pass it to the server's constructor (adapters.WithExitHandler).
func (m *Manager) ExitHandler(name string) func(p *process.Process) {
	return func(p *process.Process) {
		m.publishEvent(EventServerExited, map[string]any{
			"name":     name,
			"pid":      p.PID(),
			"exitCode": p.ExitCode(),
			"stderr":   p.Stderr(),
		})
	}
}

// Uptime returns how long the manager has been running.
func (m *Manager) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// publishEvent publishes an event if an event bus is configured.
func (m *Manager) publishEvent(eventType string, data map[string]any) {
	if m.eventBus == nil {
		return
	}

	eventData := make(map[string]any, len(data)+1)
	for k, v := range data {
		eventData[k] = v
	}
	eventData["timestamp"] = time.Now().UnixMilli()

	defer func() {
		if r := recover(); r != nil {
			m.log.Error(nil, "Event publisher panicked", "event", eventType, "panic", r)
		}
	}()
	m.eventBus.Publish(eventType, eventData)
}
