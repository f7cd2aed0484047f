// Package environment provisions and validates isolated interpreter
// installations that protocol server backends are launched from.
package environment

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Environment identifies an isolated interpreter installation.
// It is immutable once constructed and never removed by this package.
type Environment struct {
	// Root is the environment directory.
	Root string

	// Interpreter is the resolved interpreter executable inside Root.
	Interpreter string
}

// FromRoot returns the Environment rooted at root, resolving the
// interpreter path the way the venv module lays it out. A relative root is
// made absolute against the working directory. The result is not validated.
func FromRoot(root string) *Environment {
	root = absPath(root)
	return &Environment{
		Root:        root,
		Interpreter: interpreterPath(root),
	}
}

// Absolute returns e with Root and Interpreter made absolute against the
// working directory. e itself is returned when both already are.
func (e *Environment) Absolute() *Environment {
	if e == nil || (filepath.IsAbs(e.Root) && filepath.IsAbs(e.Interpreter)) {
		return e
	}
	return &Environment{
		Root:        absPath(e.Root),
		Interpreter: absPath(e.Interpreter),
	}
}

// Validate checks that the interpreter exists and is an executable regular file.
func (e *Environment) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil environment", ErrInvalidEnvironment)
	}
	if e.Interpreter == "" {
		return fmt.Errorf("%w: interpreter path is empty", ErrInvalidEnvironment)
	}

	info, err := os.Stat(e.Interpreter)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvironment, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrInvalidEnvironment, e.Interpreter)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%w: %s is not executable", ErrInvalidEnvironment, e.Interpreter)
	}
	return nil
}

// Tool returns the path of an executable installed into the environment,
// such as "pip".
func (e *Environment) Tool(name string) string {
	return toolPath(e.Root, name)
}

// absPath leaves empty paths and paths that cannot be resolved unchanged.
func absPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

func interpreterPath(root string) string {
	return toolPath(root, "python")
}

func toolPath(root, name string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(root, "Scripts", name+".exe")
	}
	return filepath.Join(root, "bin", name)
}
