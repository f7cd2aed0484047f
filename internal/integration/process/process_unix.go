//go:build !windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcAttr makes the child the leader of a new process group so the
// group can be signalled as a whole.
func setProcAttr(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// killTree sends SIGKILL to the process group of proc, and then to any
// descendant that moved to a different group or session.
func killTree(proc *os.Process) error {
	escaped := descendants(proc.Pid)

	if err := unix.Kill(-proc.Pid, unix.SIGKILL); err != nil {
		if !errors.Is(err, unix.ESRCH) {
			return err
		}
		// The group is gone; the leader may still be a zombie awaiting reaping.
		if killErr := proc.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			return killErr
		}
	}

	for _, pid := range escaped {
		_ = unix.Kill(int(pid), unix.SIGKILL)
	}
	return nil
}
