//go:build windows

package launcher

import (
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

const createNewProcessGroup = 0x00000200

func command(path string) *exec.Cmd {
	dir := filepath.Dir(path)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".bat", ".cmd":
		// Keep the console open so operators can read script output
		return exec.Command("cmd.exe", "/c", "start", "", "/D", dir, "cmd.exe", "/K", path)
	}

	cmd := exec.Command("cmd.exe", "/c", "start", "", "/D", dir, path)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: createNewProcessGroup,
	}
	return cmd
}
