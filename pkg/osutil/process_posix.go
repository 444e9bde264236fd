//go:build unix

package osutil

import (
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// GracefulShutdownDelay is how long a process group gets to exit after
// SIGTERM before it is sent SIGKILL.
const GracefulShutdownDelay = 2 * time.Second

// SetProcessGroup runs the command in its own process group so a tool and
// any helpers it forks can be signalled together.
func SetProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// SetProcessGroupKill makes context cancellation terminate the whole
// process group: SIGTERM first, then SIGKILL once GracefulShutdownDelay has
// passed. Must be called after SetProcessGroup and before cmd.Start().
func SetProcessGroupKill(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
			if errors.Is(err, syscall.ESRCH) {
				return nil
			}
			return err
		}
		time.AfterFunc(GracefulShutdownDelay, func() {
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		})
		return nil
	}
}
