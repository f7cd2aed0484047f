package adapters

import "errors"

// ErrUnknownKind is returned by Registry.Create for unregistered kinds.
var ErrUnknownKind = errors.New("unknown backend kind")

// ErrScript is returned for backend scripts that fail to load or run.
var ErrScript = errors.New("invalid backend script")

// ErrKindExists is returned when registering a script under a taken kind.
var ErrKindExists = errors.New("backend kind already registered")
