package server

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the server package.
var (
	// ErrLaunch is matched by every *LaunchError.
	ErrLaunch = errors.New("server launch failed")

	// ErrNoEnvironment indicates neither the config nor the supervisor supplies an environment.
	ErrNoEnvironment = errors.New("no execution environment")

	// ErrInvalidConfig indicates an unusable Config.
	ErrInvalidConfig = errors.New("invalid server configuration")

	// ErrShutdownWait indicates the killed process could not be confirmed as exited.
	ErrShutdownWait = errors.New("waiting for server exit failed")

	// ErrUnreachable indicates WaitReachable gave up.
	ErrUnreachable = errors.New("server not reachable")
)

// LaunchError reports a failed Startup. The supervisor stays in
// StateNoProcess, so Startup can be retried.
type LaunchError struct {
	Backend string
	Command []string
	Err     error
}

// Error implements the error interface.
func (e *LaunchError) Error() string {
	if len(e.Command) == 0 {
		return fmt.Sprintf("launch %s: %v", e.Backend, e.Err)
	}
	return fmt.Sprintf("launch %s (%s): %v", e.Backend, strings.Join(e.Command, " "), e.Err)
}

// Unwrap returns the underlying error.
func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrLaunch) true for every LaunchError.
func (e *LaunchError) Is(target error) bool {
	return target == ErrLaunch
}
