package installer

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// setDetachedProcAttr runs the process detached from the console and process group
// of its parent.
func setDetachedProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP | windows.DETACHED_PROCESS,
		HideWindow:    true,
	}
}
