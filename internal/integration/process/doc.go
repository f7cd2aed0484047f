// Package process provides the child process handle used by protocol
// server supervisors.
//
// A Process wraps a started exec.Cmd with exit tracking, captured output
// and forcible tree termination. It is the only place in the module that
// talks to the OS process layer.
//
// # Starting
//
//	cmd := exec.Command(python, "-m", "debugpy", "--listen", "127.0.0.1:4432", "--wait-for-client")
//	proc, err := process.Start("debugpy", cmd, process.WithOutputLogger(log))
//	if err != nil {
//	    return err
//	}
//
// Standard output and standard error are never inherited from the host.
// The trailing DefaultCaptureLimit bytes of each stream are kept and can be
// read with Stdout and Stderr, for example to explain why a server died.
//
// # Stopping
//
// Kill sends SIGKILL to the child's process group (the child is started as
// a group leader) and to descendants that left the group. Wait then blocks
// until the background reaper has collected the exit status:
//
//	if err := proc.Kill(); err != nil {
//	    return err
//	}
//	return proc.Wait(ctx)
//
// # Thread Safety
//
// Process is safe for concurrent use.
package process
