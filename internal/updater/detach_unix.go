//go:build !windows

package updater

import (
	"os/exec"
	"syscall"
)

// detach puts the installer in its own session so stopping the agent's
// process group does not take it down.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
