package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// EnvPrefix is the prefix of protosup environment variables.
const EnvPrefix = "PROTOSUP_"

// EnvLoader applies environment variable overrides to a Config.
type EnvLoader struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvLoader creates a loader for variables starting with prefix.
// The prefix should include the trailing underscore (e.g., "PROTOSUP_").
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{
		prefix: prefix,
		lookup: os.LookupEnv,
	}
}

// newEnvLoaderWithLookup creates a loader reading from lookup instead of the process environment.
func newEnvLoaderWithLookup(prefix string, lookup func(string) (string, bool)) *EnvLoader {
	return &EnvLoader{prefix: prefix, lookup: lookup}
}

// Apply overrides cfg with every set variable. Empty values count as set.
func (l *EnvLoader) Apply(cfg *Config) error {
	if val, ok := l.lookup(l.prefix + "LOG_LEVEL"); ok {
		cfg.LogLevel = val
	}
	if val, ok := l.lookup(l.prefix + "LOG_DIR"); ok {
		cfg.LogDir = val
	}
	if val, ok := l.lookup(l.prefix + "PROVISIONING_ROOT"); ok {
		cfg.Provisioning.Root = val
	}
	if val, ok := l.lookup(l.prefix + "PROVISIONING_PYTHON"); ok {
		cfg.Provisioning.Python = val
	}
	if val, ok := l.lookup(l.prefix + "PROVISIONING_REUSE"); ok {
		reuse, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%w: %sPROVISIONING_REUSE=%q is not a boolean", ErrValidationFailed, l.prefix, val)
		}
		cfg.Provisioning.Reuse = reuse
	}

	for _, name := range cfg.ServerNames() {
		s := cfg.Servers[name]
		if err := l.applyServer(name, &s); err != nil {
			return err
		}
		cfg.Servers[name] = s
	}
	return nil
}

func (l *EnvLoader) applyServer(name string, s *Server) error {
	prefix := l.prefix + "SERVERS_" + envName(name) + "_"

	if val, ok := l.lookup(prefix + "HOST"); ok {
		s.Host = val
	}
	if val, ok := l.lookup(prefix + "PORT"); ok {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: %sPORT=%q is not a number", ErrValidationFailed, prefix, val)
		}
		s.Port = port
	}
	if val, ok := l.lookup(prefix + "TARGET"); ok {
		s.Target = val
	}
	if val, ok := l.lookup(prefix + "ENVIRONMENT"); ok {
		s.Environment = val
	}
	if val, ok := l.lookup(prefix + "WORK_DIR"); ok {
		s.WorkDir = val
	}
	if val, ok := l.lookup(prefix + "SHUTDOWN_TIMEOUT"); ok {
		var d Duration
		if err := d.UnmarshalText([]byte(val)); err != nil {
			return fmt.Errorf("%w: %sSHUTDOWN_TIMEOUT: %v", ErrValidationFailed, prefix, err)
		}
		s.ShutdownTimeout = d
	}
	return nil
}

// envName converts a server name to its environment variable form:
// "my-dap" becomes "MY_DAP".
func envName(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}
