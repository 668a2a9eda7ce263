//go:build unix

package tools

import (
	"os/exec"
	"syscall"
)

// detach puts the provider in its own process group so a terminal interrupt
// reaches only the parent, which then stops providers in order.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
