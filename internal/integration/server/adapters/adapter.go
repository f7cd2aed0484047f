// Package adapters provides the concrete protocol server backends and a
// registry to create them by kind.
package adapters

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-logr/logr"

	"github.com/dshills/protosup/internal/integration/environment"
	"github.com/dshills/protosup/internal/integration/process"
	"github.com/dshills/protosup/internal/integration/server"
)

// Kind identifies a backend.
type Kind string

const (
	// KindDebugpy is the Python debug adapter (debugpy), speaking DAP.
	KindDebugpy Kind = "debugpy"
	// KindPyLSP is the Python language server (python-lsp-server), speaking LSP.
	KindPyLSP Kind = "pylsp"
)

// Options configures backend construction.
type Options struct {
	// Environment is a pre-built environment. If nil, one is provisioned.
	Environment *environment.Environment

	// ProvisionRoot is the directory environments are provisioned under.
	ProvisionRoot string

	// BaseInterpreter creates provisioned environments.
	BaseInterpreter string

	// Runner runs provisioning commands.
	Runner environment.Runner

	// Reuse keeps an already valid provisioned environment instead of
	// recreating it.
	Reuse bool

	// LogDir, if set, makes the server write its own logs there instead
	// of to stderr.
	LogDir string

	// Log receives supervisor and provisioning logs.
	Log logr.Logger

	// ExitHandler is called when the server exits without a Shutdown.
	ExitHandler func(p *process.Process)
}

// Option configures Options.
type Option func(*Options)

// WithEnvironment supplies a pre-built environment, skipping provisioning.
func WithEnvironment(env *environment.Environment) Option {
	return func(o *Options) {
		o.Environment = env
	}
}

// WithProvisionRoot sets the provisioning root directory.
func WithProvisionRoot(root string) Option {
	return func(o *Options) {
		o.ProvisionRoot = root
	}
}

// WithBaseInterpreter sets the interpreter used for provisioning.
func WithBaseInterpreter(interpreter string) Option {
	return func(o *Options) {
		o.BaseInterpreter = interpreter
	}
}

// WithRunner sets the provisioning command runner.
func WithRunner(r environment.Runner) Option {
	return func(o *Options) {
		o.Runner = r
	}
}

// WithReuse keeps already provisioned environments.
func WithReuse(reuse bool) Option {
	return func(o *Options) {
		o.Reuse = reuse
	}
}

// WithLogDir sets the server's log directory.
func WithLogDir(dir string) Option {
	return func(o *Options) {
		o.LogDir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(log logr.Logger) Option {
	return func(o *Options) {
		o.Log = log
	}
}

// WithExitHandler sets the unexpected-exit callback.
func WithExitHandler(fn func(p *process.Process)) Option {
	return func(o *Options) {
		o.ExitHandler = fn
	}
}

func buildOptions(opts []Option) Options {
	o := Options{
		ProvisionRoot:   environment.DefaultRoot,
		BaseInterpreter: environment.DefaultBaseInterpreter,
		Runner:          environment.ExecRunner{},
		Log:             logr.Discard(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// envRequirements names the environment a backend needs.
type envRequirements struct {
	name     string
	packages []string
}

// newSupervisor resolves the execution environment and wraps backend in a
// supervisor. Provisioning happens here, synchronously, so that Startup
// never blocks on it.
func newSupervisor(ctx context.Context, backend server.Backend, req envRequirements, o Options) (*server.Supervisor, error) {
	log := o.Log.WithValues("backend", backend.Name())

	env := o.Environment
	if env == nil {
		log.Info("No environment provided, provisioning one", "root", o.ProvisionRoot, "packages", req.packages)
		p := environment.NewProvisioner(req.name,
			environment.WithRoot(o.ProvisionRoot),
			environment.WithBaseInterpreter(o.BaseInterpreter),
			environment.WithPackages(req.packages...),
			environment.WithRunner(o.Runner),
			environment.WithReuse(o.Reuse),
			environment.WithLogger(log),
		)
		var err error
		if env, err = p.Provision(ctx); err != nil {
			return nil, err
		}
	} else if err := env.Validate(); err != nil {
		return nil, err
	}

	return server.NewSupervisor(backend,
		server.WithLogger(o.Log),
		server.WithDefaultEnvironment(env),
		server.WithExitHandler(o.ExitHandler),
	), nil
}

// Factory creates a backend.
type Factory func(ctx context.Context, opts ...Option) (server.Server, error)

// Registry manages available backends.
type Registry struct {
	factories map[Kind]Factory
}

// NewRegistry creates a registry with the built-in backends.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[Kind]Factory),
	}

	r.Register(KindDebugpy, func(ctx context.Context, opts ...Option) (server.Server, error) {
		return NewDebugpy(ctx, opts...)
	})
	r.Register(KindPyLSP, func(ctx context.Context, opts ...Option) (server.Server, error) {
		return NewPyLSP(ctx, opts...)
	})

	return r
}

// Register registers a backend factory, replacing any existing one.
func (r *Registry) Register(kind Kind, factory Factory) {
	r.factories[kind] = factory
}

// RegisterScript registers the Lua script at path as kind. The script is
// loaded once here so that a broken script fails before any server is
// created; every Create loads it again into its own state. Built-in and
// already registered kinds cannot be replaced.
func (r *Registry) RegisterScript(kind Kind, path string) error {
	if kind == "" {
		return fmt.Errorf("%w: empty kind", ErrScript)
	}
	if _, ok := r.factories[kind]; ok {
		return fmt.Errorf("%w: %s", ErrKindExists, kind)
	}

	backend, err := LoadScriptBackend(kind, path)
	if err != nil {
		return err
	}
	backend.Close()

	r.Register(kind, func(ctx context.Context, opts ...Option) (server.Server, error) {
		return NewScript(ctx, kind, path, opts...)
	})
	return nil
}

// Create constructs a backend of the given kind.
func (r *Registry) Create(ctx context.Context, kind Kind, opts ...Option) (server.Server, error) {
	factory, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return factory(ctx, opts...)
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	result := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		result = append(result, k)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}
