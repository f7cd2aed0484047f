package process

import "errors"

// Sentinel errors for process package.
var (
	// ErrProcessNotStarted is returned when operations require a started process.
	ErrProcessNotStarted = errors.New("process not started")

	// ErrProcessAlreadyStarted is returned when Start is given a command that was already started.
	ErrProcessAlreadyStarted = errors.New("process already started")

	// ErrNilCommand is returned when Start is called without a command.
	ErrNilCommand = errors.New("nil command")
)
