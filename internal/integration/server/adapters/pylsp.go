package adapters

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/go-logr/logr"

	"github.com/dshills/protosup/internal/integration/server"
)

const (
	// PyLSPDefaultPort is the port pylsp listens on when none is configured.
	PyLSPDefaultPort = 2087

	// PyLSPEnvironmentName is the provisioned environment directory for pylsp.
	PyLSPEnvironmentName = "lsp-server-pylsp"

	pylspPackage = "python-lsp-server"
)

// PyLSPBackend launches python-lsp-server in TCP mode.
type PyLSPBackend struct {
	// LogDir makes pylsp write pylsp.log into this directory.
	LogDir string

	// Verbose adds -v.
	Verbose bool

	log logr.Logger
}

// Name returns the backend name.
func (b *PyLSPBackend) Name() string {
	return string(KindPyLSP)
}

// DefaultPort returns PyLSPDefaultPort.
func (b *PyLSPBackend) DefaultPort() int {
	return PyLSPDefaultPort
}

// Command returns:
//
//	<python> -m pylsp --tcp --host <host> --port <port> [--log-file <file>] [-v]
//
// Language servers open documents over the protocol, so a target file is
// not passed on the command line.
func (b *PyLSPBackend) Command(config server.Config) ([]string, error) {
	if config.Environment == nil {
		return nil, server.ErrNoEnvironment
	}

	args := []string{
		config.Environment.Interpreter,
		"-m", "pylsp",
		"--tcp",
		"--host", config.Host,
		"--port", strconv.Itoa(config.Port),
	}

	if b.LogDir != "" {
		args = append(args, "--log-file", filepath.Join(b.LogDir, "pylsp.log"))
	}
	if b.Verbose {
		args = append(args, "-v")
	}

	if config.TargetFile != "" {
		b.log.V(1).Info("Ignoring target file for language server", "target", config.TargetFile)
	}

	return args, nil
}

// NewPyLSP creates a supervisor for python-lsp-server. Without
// WithEnvironment an environment with python-lsp-server installed is
// provisioned before returning.
func NewPyLSP(ctx context.Context, opts ...Option) (*server.Supervisor, error) {
	o := buildOptions(opts)
	backend := &PyLSPBackend{
		LogDir:  o.LogDir,
		Verbose: o.Log.V(1).Enabled(),
		log:     o.Log,
	}
	sup, err := newSupervisor(ctx, backend, envRequirements{
		name:     PyLSPEnvironmentName,
		packages: []string{pylspPackage},
	}, o)
	if err != nil {
		return nil, fmt.Errorf("create pylsp server: %w", err)
	}
	return sup, nil
}

var _ server.Backend = (*PyLSPBackend)(nil)
