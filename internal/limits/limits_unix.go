//go:build unix

package limits

import (
	"fmt"
	"os/exec"
	"syscall"

	"github.com/d-araiza/crisol/internal/config"
)

const platformEnforced = true

// platformCommand wraps the target in a shell prelude that sets rlimits
// before exec'ing it. Go has no fork/exec hook equivalent to preexec_fn, so
// the limits are set by the intermediate shell, which the target replaces.
func platformCommand(cfg config.Limits, name string, args []string) (*exec.Cmd, error) {
	memBytes, err := cfg.MemLimitBytes()
	if err != nil {
		return nil, err
	}

	// ulimit -v takes KiB. Redirect prelude errors so a shell lacking a
	// given ulimit flag degrades instead of polluting stderr.
	prelude := fmt.Sprintf(
		"ulimit -v %d -t %d -n %d 2>/dev/null; exec \"$0\" \"$@\"",
		memBytes/1024, cfg.CPUTimeSeconds, cfg.OpenFiles,
	)

	shellArgs := append([]string{"-c", prelude, name}, args...)
	cmd := exec.Command("/bin/sh", shellArgs...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd, nil
}

func platformSessionCommand(name string, args []string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

func platformKillTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// Negative pid signals the whole group.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		cmd.Process.Kill()
	}
}

func platformInterrupt(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGINT)
}
