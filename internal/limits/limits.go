// Package limits applies OS-level resource caps and environment scrubbing to
// spawned interpreter processes. Caps are enforced at spawn time via an
// rlimit prelude on POSIX hosts; non-POSIX hosts run without enforcement.
package limits

import (
	"os/exec"

	"github.com/d-araiza/crisol/internal/config"
)

// ScrubbedEnv returns the minimal environment for an untrusted process.
// HOME and temp dirs point at the disposable working directory so nothing
// written by user code survives outside it.
func ScrubbedEnv(workDir string) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
		"TEMP=" + workDir,
		"TMP=" + workDir,
		"LANG=C.UTF-8",
		"PYTHONPATH=",
		"PYTHONIOENCODING=utf-8",
		"PYTHONUTF8=1",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONUNBUFFERED=1",
		"MPLBACKEND=Agg",
	}
}

// Command builds an *exec.Cmd for name/args with resource caps applied where
// the platform supports them, and the process placed in its own group so the
// whole tree can be terminated at once.
func Command(cfg config.Limits, name string, args ...string) (*exec.Cmd, error) {
	return platformCommand(cfg, name, args)
}

// SessionCommand builds an *exec.Cmd for a long-lived interpreter process.
// The process gets its own group for signal delivery but no rlimit prelude:
// RLIMIT_CPU accumulates over the process lifetime and would kill a kernel
// that serves many executions.
func SessionCommand(name string, args ...string) *exec.Cmd {
	return platformSessionCommand(name, args)
}

// KillTree forcibly terminates the process (and its group on POSIX).
func KillTree(cmd *exec.Cmd) {
	platformKillTree(cmd)
}

// Interrupt delivers an interrupt signal to the process group.
func Interrupt(cmd *exec.Cmd) error {
	return platformInterrupt(cmd)
}

// Enforced reports whether resource caps are actually applied on this host.
func Enforced() bool {
	return platformEnforced
}
