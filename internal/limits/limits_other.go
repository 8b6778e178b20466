//go:build !unix

package limits

import (
	"fmt"
	"os/exec"

	"github.com/d-araiza/crisol/internal/config"
)

const platformEnforced = false

// Resource caps are not enforced on non-POSIX hosts; the process still runs
// with the scrubbed environment and wall-clock timeout.
func platformCommand(cfg config.Limits, name string, args []string) (*exec.Cmd, error) {
	return exec.Command(name, args...), nil
}

func platformSessionCommand(name string, args []string) *exec.Cmd {
	return exec.Command(name, args...)
}

func platformKillTree(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}

func platformInterrupt(cmd *exec.Cmd) error {
	return fmt.Errorf("interrupt not supported on this platform")
}
