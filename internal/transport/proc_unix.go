//go:build !windows

package transport

import (
	"os/exec"
	"syscall"
)

// configureProcAttr puts the job in its own process group so signals sent to
// the daemon do not reach it.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
