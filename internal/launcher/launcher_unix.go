//go:build !windows

package launcher

import (
	"os/exec"
	"syscall"
)

func command(path string) *exec.Cmd {
	cmd := exec.Command(path)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // outlive the service
	}
	return cmd
}
