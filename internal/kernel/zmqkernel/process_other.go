//go:build !unix

package zmqkernel

import (
	"errors"
	"os"
	"os/exec"
)

func configureProcess(cmd *exec.Cmd) {}

func interruptProcess(pid int) error {
	return errors.New("signal interrupts are not supported on this platform; use interrupt_mode message")
}

func killProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
