//go:build !linux

package spawn

import "os/exec"

func setSysProcAttr(cmd *exec.Cmd) {}
