// Package commands implements the protosup command line.
package commands

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dshills/protosup/internal/config"
	"github.com/dshills/protosup/internal/integration/environment"
	"github.com/dshills/protosup/internal/integration/server/adapters"
	"github.com/dshills/protosup/internal/logger"
)

// Version information (set via ldflags during build).
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

type rootFlagData struct {
	configPath string
	logLevel   string
}

func (f *rootFlagData) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "Path to the configuration file (TOML or YAML). Defaults to "+config.DefaultPath+".")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, error). Overrides the configuration file.")
}

// app is the state shared by all commands of one invocation.
type app struct {
	flags rootFlagData

	cfg      *config.Config
	log      logr.Logger
	flushLog func()

	registry *adapters.Registry
	runner   environment.Runner

	// injectedLog is set by WithLogger and replaces the zap logger.
	injectedLog *logr.Logger
}

// Option configures the root command.
type Option func(*app)

// WithLogger replaces the console logger.
func WithLogger(log logr.Logger) Option {
	return func(a *app) {
		a.injectedLog = &log
	}
}

// WithProvisionRunner sets the runner used for provisioning commands.
func WithProvisionRunner(r environment.Runner) Option {
	return func(a *app) {
		a.runner = r
	}
}

// NewRootCmd builds the protosup command tree.
func NewRootCmd(opts ...Option) (*cobra.Command, error) {
	a := &app{
		log:      logr.Discard(),
		flushLog: func() {},
		registry: adapters.NewRegistry(),
		runner:   environment.ExecRunner{},
	}
	for _, opt := range opts {
		opt(a)
	}

	rootCmd := &cobra.Command{
		Use:   "protosup",
		Short: "Provisions and supervises Python debug adapter and language server processes",
		Long: `protosup launches protocol servers (debugpy for DAP, python-lsp-server for LSP)
as supervised child processes, provisioning isolated Python environments for them
when none is configured.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			a.flushLog()
		},
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	a.flags.register(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newProvisionCommand(a))
	rootCmd.AddCommand(newRunCommand(a))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd, nil
}

// setup loads the configuration and builds the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.flags.configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if a.flags.logLevel != "" {
		cfg.LogLevel = a.flags.logLevel
	}
	a.cfg = cfg

	for _, kind := range cfg.BackendKinds() {
		if err := a.registry.RegisterScript(adapters.Kind(kind), cfg.Backends[kind].Script); err != nil {
			return fmt.Errorf("register backend %s: %w", kind, err)
		}
	}

	if a.injectedLog != nil {
		a.log = *a.injectedLog
		return nil
	}

	log, flush, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	a.log, a.flushLog = log, flush
	return nil
}

// adapterOptions returns the backend options shared by provision and run.
func (a *app) adapterOptions(log logr.Logger) []adapters.Option {
	return []adapters.Option{
		adapters.WithProvisionRoot(a.cfg.Provisioning.Root),
		adapters.WithBaseInterpreter(a.cfg.Provisioning.Python),
		adapters.WithReuse(a.cfg.Provisioning.Reuse),
		adapters.WithRunner(a.runner),
		adapters.WithLogDir(a.cfg.LogDir),
		adapters.WithLogger(log),
	}
}
