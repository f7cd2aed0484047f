package integration

import "errors"

// Sentinel errors for the integration package.
var (
	// ErrManagerClosed is returned when operations are attempted on a closed manager.
	ErrManagerClosed = errors.New("integration manager is closed")

	// ErrServerNotFound is returned when no server is registered under a name.
	ErrServerNotFound = errors.New("server not found")

	// ErrServerExists is returned when a name is already registered.
	ErrServerExists = errors.New("server already registered")

	// ErrInvalidName is returned for an empty server name.
	ErrInvalidName = errors.New("invalid server name")
)
