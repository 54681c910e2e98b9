//go:build unix

package process

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Children are started as process-group leaders (see setProcAttrs), so the
// group id equals the leader's pid and covers every descendant that did not
// move itself into another group.

func signalTree(pid int) error {
	return ignoreGone(unix.Kill(-pid, unix.SIGTERM))
}

func killTree(pid int) error {
	return ignoreGone(unix.Kill(-pid, unix.SIGKILL))
}

func ignoreGone(err error) error {
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
