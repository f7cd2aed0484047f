//go:build windows

package process

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

func setProcAttr(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= windows.CREATE_NEW_PROCESS_GROUP
}

// killTree terminates descendants first so they cannot outlive the root.
func killTree(proc *os.Process) error {
	for _, pid := range descendants(proc.Pid) {
		if child, err := os.FindProcess(int(pid)); err == nil {
			_ = child.Kill()
		}
	}
	return proc.Kill()
}
