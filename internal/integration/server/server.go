package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/dshills/protosup/internal/integration/environment"
	"github.com/dshills/protosup/internal/integration/process"
)

// DefaultHost is the bind address used when Config.Host is empty.
const DefaultHost = "127.0.0.1"

// State is the lifecycle state of a supervised server.
type State int

const (
	// StateNoProcess means no process is recorded.
	StateNoProcess State = iota
	// StateRunning means a process was started and has not been shut down.
	StateRunning
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateNoProcess:
		return "no-process"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Server is the capability every protocol server backend provides.
// Hosts depend on this interface only.
type Server interface {
	// Name returns the backend name.
	Name() string

	// Startup launches the server process. If a live process is already
	// recorded it is returned unchanged and nothing is spawned.
	Startup(ctx context.Context, config Config) (*process.Process, error)

	// Shutdown kills the recorded process and waits until it has been
	// reaped. Without a recorded process it does nothing.
	Shutdown(ctx context.Context) error

	// State returns the current lifecycle state.
	State() State
}

// Backend describes how one concrete server is launched.
type Backend interface {
	// Name returns the backend name, used for logging and process names.
	Name() string

	// DefaultPort is used when Config.Port is zero.
	DefaultPort() int

	// Command returns the argv that starts the server. The config has its
	// defaults applied and a validated Environment.
	Command(config Config) ([]string, error)
}

// Config holds the startup parameters of a server.
type Config struct {
	// TargetFile is an optional file the server opens or debugs on start.
	TargetFile string

	// Host is the bind address. Default: DefaultHost.
	Host string

	// Port is the bind port. Zero selects the backend default.
	Port int

	// Environment supplies the interpreter. If nil, the supervisor's
	// default environment is used.
	Environment *environment.Environment

	// Env are additional environment variables for the server process.
	Env map[string]string

	// WorkDir is the working directory of the server process.
	WorkDir string

	// ShutdownTimeout bounds the wait for the killed process to be reaped.
	// Zero waits until the context passed to Shutdown is done.
	ShutdownTimeout time.Duration
}

// Address returns host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// withDefaults fills in the host, port and environment.
func (c Config) withDefaults(defaultPort int, defaultEnv *environment.Environment) Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.Environment == nil {
		c.Environment = defaultEnv
	}
	return c
}

// validate checks a config that already has its defaults applied.
func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: negative shutdown timeout", ErrInvalidConfig)
	}
	if c.Environment == nil {
		return ErrNoEnvironment
	}
	return c.Environment.Validate()
}
