//go:build unix && !linux

package process

import (
	"os/exec"
	"syscall"
)

// setProcAttrs starts the child in its own process group.
func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
