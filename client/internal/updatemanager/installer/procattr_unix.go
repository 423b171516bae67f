//go:build !windows

package installer

import (
	"os/exec"
	"syscall"
)

// setDetachedProcAttr runs the process in a new session, so it survives the exit of
// the process that started it.
func setDetachedProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}
