// Package testutil holds helpers shared by protosup tests.
package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/stretchr/testify/require"

	"github.com/dshills/protosup/internal/integration/environment"
)

// idleScript stands in for an interpreter: it ignores its arguments and
// idles until killed, like a server blocked on --wait-for-client.
const idleScript = "#!/bin/sh\nwhile :; do sleep 1; done\n"

// exitScript exits right away with a diagnostic on stderr.
const exitScript = "#!/bin/sh\necho \"fake interpreter exiting\" 1>&2\nexit 7\n"

// FakeEnvironment creates a valid environment whose interpreter idles
// until killed.
func FakeEnvironment(t testing.TB) *environment.Environment {
	t.Helper()
	return writeEnvironment(t, idleScript)
}

// ExitingEnvironment creates a valid environment whose interpreter exits
// immediately with status 7.
func ExitingEnvironment(t testing.TB) *environment.Environment {
	t.Helper()
	return writeEnvironment(t, exitScript)
}

func writeEnvironment(t testing.TB, script string) *environment.Environment {
	t.Helper()
	env := environment.FromRoot(filepath.Join(t.TempDir(), "venv"))
	require.NoError(t, os.MkdirAll(filepath.Dir(env.Interpreter), 0o755))
	require.NoError(t, os.WriteFile(env.Interpreter, []byte(script), 0o755))
	require.NoError(t, env.Validate())
	return env
}

// LogRecorder collects formatted log lines.
type LogRecorder struct {
	mu    sync.Mutex
	lines []string
}

// NewLogRecorder returns a recorder and a logger writing into it.
// Verbosity 1 messages are included.
func NewLogRecorder() (*LogRecorder, logr.Logger) {
	r := &LogRecorder{}
	log := funcr.New(func(prefix, args string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.lines = append(r.lines, strings.TrimSpace(prefix+" "+args))
	}, funcr.Options{Verbosity: 1})
	return r, log
}

// Lines returns the lines recorded so far.
func (r *LogRecorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// Contains reports whether any recorded line contains all of parts.
func (r *LogRecorder) Contains(parts ...string) bool {
	for _, line := range r.Lines() {
		matched := true
		for _, part := range parts {
			if !strings.Contains(line, part) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}
