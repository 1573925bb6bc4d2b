//go:build unix

package zmqkernel

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// interruptProcess signals the kernel's process group so that helper
// processes started by the kernel see the interrupt too.
func interruptProcess(pid int) error {
	if err := unix.Kill(-pid, unix.SIGINT); err == nil {
		return nil
	}
	return unix.Kill(pid, unix.SIGINT)
}

func killProcess(pid int) error {
	if err := unix.Kill(-pid, unix.SIGKILL); err == nil {
		return nil
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return err
	}
	return nil
}
