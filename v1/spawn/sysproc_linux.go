//go:build linux

package spawn

import (
	"os/exec"
	"syscall"
)

// children die with the parent even when it is killed without teardown
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
