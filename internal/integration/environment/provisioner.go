package environment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/go-logr/logr"
)

const (
	// DefaultRoot is the provisioning root used when none is configured.
	DefaultRoot = ".venv"

	// DefaultBaseInterpreter is the interpreter used to create environments.
	DefaultBaseInterpreter = "python3"
)

// Runner runs an external command to completion and returns its combined
// output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return f(ctx, name, args...)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Provisioner builds an isolated environment with a fixed set of packages.
//
// Provisioning is a blocking, one-time setup step: the root directory is
// created if needed, a venv is materialized at Root/Name and the packages
// are installed into it. Nothing is rolled back on failure; a partially
// built directory is left in place for inspection.
type Provisioner struct {
	root            string
	name            string
	baseInterpreter string
	packages        []string
	reuse           bool
	runner          Runner
	log             logr.Logger
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithRoot sets the provisioning root directory.
func WithRoot(root string) Option {
	return func(p *Provisioner) {
		p.root = root
	}
}

// WithName sets the environment directory name under the root.
func WithName(name string) Option {
	return func(p *Provisioner) {
		p.name = name
	}
}

// WithBaseInterpreter sets the interpreter used to create the environment.
// Bare names are resolved on PATH.
func WithBaseInterpreter(interpreter string) Option {
	return func(p *Provisioner) {
		p.baseInterpreter = interpreter
	}
}

// WithPackages sets the packages installed into the environment.
func WithPackages(packages ...string) Option {
	return func(p *Provisioner) {
		p.packages = append([]string(nil), packages...)
	}
}

// WithReuse skips venv creation when the target already holds a valid
// interpreter. Packages are still installed.
func WithReuse(reuse bool) Option {
	return func(p *Provisioner) {
		p.reuse = reuse
	}
}

// WithRunner sets the command runner.
func WithRunner(r Runner) Option {
	return func(p *Provisioner) {
		p.runner = r
	}
}

// WithLogger sets the logger.
func WithLogger(log logr.Logger) Option {
	return func(p *Provisioner) {
		p.log = log
	}
}

// NewProvisioner creates a provisioner for the environment called name.
func NewProvisioner(name string, opts ...Option) *Provisioner {
	p := &Provisioner{
		root:            DefaultRoot,
		name:            name,
		baseInterpreter: DefaultBaseInterpreter,
		runner:          ExecRunner{},
		log:             logr.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Target returns the absolute directory the environment is built in.
func (p *Provisioner) Target() (string, error) {
	if p.name == "" {
		return "", fmt.Errorf("%w: environment name is empty", ErrInvalidEnvironment)
	}
	root, err := filepath.Abs(p.root)
	if err != nil {
		return "", fmt.Errorf("resolve provisioning root %s: %w", p.root, err)
	}
	return filepath.Join(root, p.name), nil
}

// Provision builds the environment and returns it once its interpreter has
// been validated. Failures are reported as *ProvisioningError.
//
// Concurrent calls for the same target directory are serialized within the
// process.
func (p *Provisioner) Provision(ctx context.Context) (*Environment, error) {
	target, err := p.Target()
	if err != nil {
		return nil, &ProvisioningError{Step: StepCreateRoot, Err: err}
	}
	root := filepath.Dir(target)
	log := p.log.WithValues("environment", target)

	unlock := lockTarget(target)
	defer unlock()

	// MkdirAll tolerates a directory created concurrently by another process.
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &ProvisioningError{Step: StepCreateRoot, Err: err}
	}

	env := FromRoot(target)

	if p.reuse && env.Validate() == nil {
		log.V(1).Info("Reusing existing environment", "interpreter", env.Interpreter)
	} else {
		base, err := exec.LookPath(p.baseInterpreter)
		if err != nil {
			return nil, &ProvisioningError{Step: StepResolveBase, Command: []string{p.baseInterpreter}, Err: err}
		}

		log.Info("Creating environment", "baseInterpreter", base)
		if err := p.run(ctx, StepCreateVenv, base, "-m", "venv", target); err != nil {
			return nil, err
		}
	}

	if len(p.packages) > 0 {
		pip := env.Tool("pip")
		log.Info("Installing packages", "packages", p.packages)
		args := append([]string{"install"}, p.packages...)
		if err := p.run(ctx, StepInstall, pip, args...); err != nil {
			return nil, err
		}
	}

	if err := env.Validate(); err != nil {
		return nil, &ProvisioningError{Step: StepValidate, Command: []string{env.Interpreter}, Err: err}
	}

	log.Info("Environment ready", "interpreter", env.Interpreter)
	return env, nil
}

func (p *Provisioner) run(ctx context.Context, step string, name string, args ...string) error {
	output, err := p.runner.Run(ctx, name, args...)
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		err = fmt.Errorf("exit status %d", exitErr.ExitCode())
	}
	p.log.Error(err, "Provisioning step failed", "step", step, "output", string(output))
	return &ProvisioningError{
		Step:    step,
		Command: append([]string{name}, args...),
		Output:  string(output),
		Err:     err,
	}
}

var targetLocks sync.Map // map[string]*sync.Mutex

func lockTarget(target string) func() {
	value, _ := targetLocks.LoadOrStore(target, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
