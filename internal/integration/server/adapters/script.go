package adapters

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/protosup/internal/integration/server"
)

// scriptTimeout bounds loading a script and each call to its command function.
var scriptTimeout = 5 * time.Second

// ScriptBackend is a Backend defined by a Lua script, for servers that have
// no built-in adapter. The script sets these globals:
//
//	name = "jedi"                        -- optional, defaults to the kind
//	default_port = 2090                  -- required
//	environment = "lsp-server-jedi"      -- optional, defaults to "server-<name>"
//	packages = { "jedi-language-server" } -- installed when provisioning
//
//	function command(config)
//	  return { config.interpreter, "-m", "jedi_language_server",
//	           "--tcp", "--host", config.host, "--port", config.port }
//	end
//
// command receives a table with interpreter, root, host, port, address,
// target, log_dir, verbose and env, and returns the argv as a list of
// strings or numbers.
//
// Scripts run with only the base, table, string and math libraries.
type ScriptBackend struct {
	// LogDir is passed to the script as config.log_dir.
	LogDir string

	// Verbose is passed to the script as config.verbose.
	Verbose bool

	// L is not safe for concurrent use; mu guards it.
	mu      sync.Mutex
	L       *lua.LState
	command *lua.LFunction

	path        string
	name        string
	defaultPort int
	envName     string
	packages    []string
}

// LoadScriptBackend runs the script at path and reads the backend
// definition from its globals. Errors wrap ErrScript.
func LoadScriptBackend(kind Kind, path string) (*ScriptBackend, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibraries(L)

	ctx, cancel := context.WithTimeout(context.Background(), scriptTimeout)
	defer cancel()
	L.SetContext(ctx)
	err := L.DoFile(path)
	L.RemoveContext()
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrScript, path, err)
	}

	b := &ScriptBackend{L: L, path: path, name: string(kind)}
	if err := b.readDefinition(); err != nil {
		L.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrScript, path, err)
	}
	return b, nil
}

// openSafeLibraries opens the libraries a backend script may use. io, os,
// debug and package are left out, and the base functions that load code
// from files or strings are removed.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}
}

func (b *ScriptBackend) readDefinition() error {
	switch v := b.L.GetGlobal("name").(type) {
	case *lua.LNilType:
	case lua.LString:
		if v != "" {
			b.name = string(v)
		}
	default:
		return fmt.Errorf("name must be a string, got %s", v.Type())
	}
	if b.name == "" {
		return errors.New("name is empty")
	}

	port, ok := b.L.GetGlobal("default_port").(lua.LNumber)
	if !ok {
		return errors.New("default_port must be a number")
	}
	b.defaultPort = int(port)
	if float64(b.defaultPort) != float64(port) || b.defaultPort <= 0 || b.defaultPort > 65535 {
		return fmt.Errorf("default_port %v out of range", port)
	}

	b.envName = "server-" + b.name
	switch v := b.L.GetGlobal("environment").(type) {
	case *lua.LNilType:
	case lua.LString:
		if v != "" {
			b.envName = string(v)
		}
	default:
		return fmt.Errorf("environment must be a string, got %s", v.Type())
	}

	if v := b.L.GetGlobal("packages"); v != lua.LNil {
		packages, err := stringList(v)
		if err != nil {
			return fmt.Errorf("packages: %w", err)
		}
		b.packages = packages
	}

	fn, ok := b.L.GetGlobal("command").(*lua.LFunction)
	if !ok {
		return errors.New("command must be a function")
	}
	b.command = fn
	return nil
}

// Name returns the script's name, or the kind it was registered under.
func (b *ScriptBackend) Name() string {
	return b.name
}

// DefaultPort returns the script's default_port.
func (b *ScriptBackend) DefaultPort() int {
	return b.defaultPort
}

// Packages returns the packages a provisioned environment gets.
func (b *ScriptBackend) Packages() []string {
	return append([]string(nil), b.packages...)
}

// EnvironmentName returns the provisioned environment directory name.
func (b *ScriptBackend) EnvironmentName() string {
	return b.envName
}

// Command calls the script's command function with config.
func (b *ScriptBackend) Command(config server.Config) ([]string, error) {
	if config.Environment == nil {
		return nil, server.ErrNoEnvironment
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	arg := b.L.NewTable()
	arg.RawSetString("interpreter", lua.LString(config.Environment.Interpreter))
	arg.RawSetString("root", lua.LString(config.Environment.Root))
	arg.RawSetString("host", lua.LString(config.Host))
	arg.RawSetString("port", lua.LNumber(config.Port))
	arg.RawSetString("address", lua.LString(config.Address()))
	arg.RawSetString("target", lua.LString(config.TargetFile))
	arg.RawSetString("log_dir", lua.LString(b.LogDir))
	arg.RawSetString("verbose", lua.LBool(b.Verbose))
	env := b.L.NewTable()
	for k, v := range config.Env {
		env.RawSetString(k, lua.LString(v))
	}
	arg.RawSetString("env", env)

	ctx, cancel := context.WithTimeout(context.Background(), scriptTimeout)
	defer cancel()
	b.L.SetContext(ctx)
	defer b.L.RemoveContext()

	if err := b.L.CallByParam(lua.P{Fn: b.command, NRet: 1, Protect: true}, arg); err != nil {
		return nil, fmt.Errorf("%w: %s: command: %v", ErrScript, b.path, err)
	}
	ret := b.L.Get(-1)
	b.L.Pop(1)

	argv, err := stringList(ret)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: command result: %v", ErrScript, b.path, err)
	}
	return argv, nil
}

// Close releases the Lua state.
func (b *ScriptBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.L.Close()
}

// stringList converts a Lua sequence of strings and numbers.
func stringList(v lua.LValue) ([]string, error) {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("expected a list, got %s", v.Type())
	}
	n := tbl.Len()
	result := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		switch item := tbl.RawGetInt(i).(type) {
		case lua.LString:
			result = append(result, string(item))
		case lua.LNumber:
			result = append(result, item.String())
		default:
			return nil, fmt.Errorf("item %d is a %s", i, item.Type())
		}
	}
	return result, nil
}

// NewScript creates a supervisor for the backend defined by the script at
// path. Without WithEnvironment an environment with the script's packages
// is provisioned before returning.
func NewScript(ctx context.Context, kind Kind, path string, opts ...Option) (*server.Supervisor, error) {
	o := buildOptions(opts)
	backend, err := LoadScriptBackend(kind, path)
	if err != nil {
		return nil, err
	}
	backend.LogDir = o.LogDir
	backend.Verbose = o.Log.V(1).Enabled()

	sup, err := newSupervisor(ctx, backend, envRequirements{
		name:     backend.envName,
		packages: backend.packages,
	}, o)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("create %s server: %w", backend.name, err)
	}
	return sup, nil
}

var _ server.Backend = (*ScriptBackend)(nil)
