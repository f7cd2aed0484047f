package adapters

import (
	"context"
	"fmt"

	"github.com/dshills/protosup/internal/integration/server"
)

const (
	// DebugpyDefaultPort is the port debugpy listens on when none is configured.
	DebugpyDefaultPort = 4432

	// DebugpyEnvironmentName is the provisioned environment directory for debugpy.
	DebugpyEnvironmentName = "dap-server-debugpy"

	debugpyPackage = "debugpy"
)

// DebugpyBackend launches debugpy as a standalone DAP server.
//
// The server is started with --wait-for-client, so it blocks until a DAP
// client attaches; a running process does not imply an active session.
type DebugpyBackend struct {
	// LogDir makes debugpy write its logs to this directory.
	// If empty, debugpy logs to stderr, which the supervisor captures.
	LogDir string
}

// Name returns the backend name.
func (b *DebugpyBackend) Name() string {
	return string(KindDebugpy)
}

// DefaultPort returns DebugpyDefaultPort.
func (b *DebugpyBackend) DefaultPort() int {
	return DebugpyDefaultPort
}

// Command returns:
//
//	<python> -m debugpy --listen <host:port> --wait-for-client --log-to-stderr [target]
func (b *DebugpyBackend) Command(config server.Config) ([]string, error) {
	if config.Environment == nil {
		return nil, server.ErrNoEnvironment
	}

	args := []string{
		config.Environment.Interpreter,
		"-m", "debugpy",
		"--listen", config.Address(),
		"--wait-for-client",
	}

	if b.LogDir != "" {
		args = append(args, "--log-to", b.LogDir)
	} else {
		args = append(args, "--log-to-stderr")
	}

	if config.TargetFile != "" {
		args = append(args, config.TargetFile)
	}

	return args, nil
}

// NewDebugpy creates a supervisor for debugpy. Without WithEnvironment an
// environment with debugpy installed is provisioned before returning.
func NewDebugpy(ctx context.Context, opts ...Option) (*server.Supervisor, error) {
	o := buildOptions(opts)
	sup, err := newSupervisor(ctx, &DebugpyBackend{LogDir: o.LogDir}, envRequirements{
		name:     DebugpyEnvironmentName,
		packages: []string{debugpyPackage},
	}, o)
	if err != nil {
		return nil, fmt.Errorf("create debugpy server: %w", err)
	}
	return sup, nil
}

var _ server.Backend = (*DebugpyBackend)(nil)
