//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// setProcAttrs starts the child in its own process group and asks the kernel
// to kill it if the bridge dies without cleaning up.
func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
