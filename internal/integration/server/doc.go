// Package server defines the supervisor contract shared by all protocol
// server backends (debug adapters and language servers) and the state
// machine that implements it.
//
// A Backend only knows how to turn a Config into a command line. The
// Supervisor does everything else: it resolves defaults, validates the
// execution environment, spawns the process with captured output, records
// the handle and later kills and reaps it.
//
//	sup := server.NewSupervisor(backend, server.WithLogger(log))
//	proc, err := sup.Startup(ctx, server.Config{Port: 4432})
//	if err != nil {
//	    return err // *server.LaunchError
//	}
//	defer sup.Shutdown(ctx)
//
// # Lifecycle
//
// A Supervisor starts in StateNoProcess. A successful Startup moves it to
// StateRunning; Shutdown moves it back. Startup in StateRunning returns the
// existing handle, and Shutdown in StateNoProcess does nothing; both log a
// warning instead of failing.
//
// If the process dies on its own the supervisor stays in StateRunning. The
// exit is reported through WithExitHandler, and the next Startup notices
// the dead handle and launches a fresh process.
//
// # Readiness
//
// The supervisor's job ends when the process is running. WaitReachable can
// be used by hosts that also want the listening port to accept connections.
package server
