package testutil

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/dshills/protosup/internal/integration/environment"
)

// VenvRunner is an environment.Runner that emulates "python -m venv" by
// writing an idle fake interpreter, and "pip install" by recording the
// requested packages.
type VenvRunner struct {
	// FailInstall makes every install exit non-zero with InstallOutput.
	FailInstall   bool
	InstallOutput string

	mu       sync.Mutex
	commands [][]string
}

// Run implements environment.Runner.
func (r *VenvRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.commands = append(r.commands, append([]string{name}, args...))
	r.mu.Unlock()

	if len(args) == 3 && args[0] == "-m" && args[1] == "venv" {
		env := environment.FromRoot(args[2])
		if err := os.MkdirAll(filepath.Dir(env.Interpreter), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(env.Interpreter, []byte(idleScript), 0o755); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if len(args) > 0 && args[0] == "install" {
		if r.FailInstall {
			return []byte(r.InstallOutput), errors.New("exit status 1")
		}
		return []byte("Successfully installed " + args[len(args)-1] + "\n"), nil
	}

	return nil, errors.New("unexpected command " + name)
}

// Commands returns every command run so far.
func (r *VenvRunner) Commands() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.commands...)
}
