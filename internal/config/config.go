package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/protosup/internal/integration/environment"
	"github.com/dshills/protosup/internal/integration/server"
)

// DefaultPath is the config file looked up when none is given.
const DefaultPath = "protosup.toml"

// Config is the complete protosup configuration.
type Config struct {
	// LogLevel is debug, info or error.
	LogLevel string `toml:"log_level" yaml:"log_level"`

	// LogDir, if set, is passed to servers that can write their own logs.
	LogDir string `toml:"log_dir" yaml:"log_dir"`

	Provisioning Provisioning `toml:"provisioning" yaml:"provisioning"`

	// Servers maps a server name to its settings.
	Servers map[string]Server `toml:"servers" yaml:"servers"`

	// Backends defines extra server kinds by Lua script.
	Backends map[string]Backend `toml:"backends" yaml:"backends"`
}

// Backend defines a server kind without a built-in adapter.
type Backend struct {
	// Script is the Lua file that describes how to launch the server.
	Script string `toml:"script" yaml:"script"`
}

// Provisioning controls how missing environments are created.
type Provisioning struct {
	// Root is the directory environments are created under.
	Root string `toml:"root" yaml:"root"`

	// Python is the base interpreter used to create environments.
	Python string `toml:"python" yaml:"python"`

	// Reuse keeps environments that are already provisioned and valid.
	Reuse bool `toml:"reuse" yaml:"reuse"`
}

// Server configures one protocol server.
type Server struct {
	// Kind selects the backend: debugpy, pylsp or a key of Backends.
	Kind string `toml:"kind" yaml:"kind"`

	Host   string `toml:"host" yaml:"host"`
	Port   int    `toml:"port" yaml:"port"`
	Target string `toml:"target" yaml:"target"`

	// Environment is the root of a pre-built environment. If empty, one
	// is provisioned under Provisioning.Root.
	Environment string `toml:"environment" yaml:"environment"`

	WorkDir         string            `toml:"work_dir" yaml:"work_dir"`
	ShutdownTimeout Duration          `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	Env             map[string]string `toml:"env" yaml:"env"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Provisioning: Provisioning{
			Root:   environment.DefaultRoot,
			Python: environment.DefaultBaseInterpreter,
			Reuse:  true,
		},
		Servers:  make(map[string]Server),
		Backends: make(map[string]Backend),
	}
}

// Validate checks the configuration for values no server could start with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "error":
	default:
		return fmt.Errorf("%w: log_level %q", ErrValidationFailed, c.LogLevel)
	}

	for _, kind := range c.BackendKinds() {
		if kind == "" {
			return fmt.Errorf("%w: backends has an empty kind", ErrValidationFailed)
		}
		if c.Backends[kind].Script == "" {
			return fmt.Errorf("%w: backends.%s.script is required", ErrValidationFailed, kind)
		}
	}

	for _, name := range c.ServerNames() {
		s := c.Servers[name]
		if s.Kind == "" {
			return fmt.Errorf("%w: servers.%s.kind is required", ErrValidationFailed, name)
		}
		if s.Port < 0 || s.Port > 65535 {
			return fmt.Errorf("%w: servers.%s.port %d out of range", ErrValidationFailed, name, s.Port)
		}
		if s.ShutdownTimeout < 0 {
			return fmt.Errorf("%w: servers.%s.shutdown_timeout is negative", ErrValidationFailed, name)
		}
	}
	return nil
}

// ServerNames returns the configured server names in sorted order.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BackendKinds returns the script-defined kinds in sorted order.
func (c *Config) BackendKinds() []string {
	kinds := make([]string, 0, len(c.Backends))
	for kind := range c.Backends {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// ServerConfig converts s into a server.Config. Zero fields are left for
// the supervisor to default.
func (s Server) ServerConfig() server.Config {
	config := server.Config{
		TargetFile:      s.Target,
		Host:            s.Host,
		Port:            s.Port,
		Env:             s.Env,
		WorkDir:         s.WorkDir,
		ShutdownTimeout: time.Duration(s.ShutdownTimeout),
	}
	if s.Environment != "" {
		config.Environment = environment.FromRoot(s.Environment)
	}
	return config
}

// Duration is a time.Duration written as a string such as "5s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}
