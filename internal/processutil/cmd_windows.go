//go:build windows

package processutil

import (
	"os/exec"
	"syscall"
)

// HideConsoleWindow keeps the encoder's console window from flashing up when
// the recorder is launched from a GUI shell.
func HideConsoleWindow(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.HideWindow = true
}
