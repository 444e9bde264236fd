//go:build windows

package osutil

import (
	"os"
	"os/exec"
	"time"
)

// GracefulShutdownDelay is kept for parity with unix builds; windows
// processes are terminated immediately.
const GracefulShutdownDelay = 2 * time.Second

// SetProcessGroup is a no-op on windows.
func SetProcessGroup(_ *exec.Cmd) {}

// SetProcessGroupKill terminates the main process on cancellation. Children
// it spawned may keep running.
func SetProcessGroupKill(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Kill)
	}
}
