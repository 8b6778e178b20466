package kernel

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/d-araiza/crisol/internal/config"
	"github.com/d-araiza/crisol/internal/limits"
	"github.com/d-araiza/crisol/internal/runtime"
)

//go:embed agent.py
var agentSource []byte

const agentFile = "agent.py"

// Launcher spawns kernels for languages that support sessions. Launch blocks
// until the interpreter reports ready (bounded by the configured timeout) so
// callers never hold a half-started kernel.
type Launcher struct {
	cfg      *config.Config
	registry *runtime.Registry
	logger   *slog.Logger
}

func NewLauncher(cfg *config.Config, reg *runtime.Registry, logger *slog.Logger) *Launcher {
	return &Launcher{cfg: cfg, registry: reg, logger: logger}
}

func (l *Launcher) Launch(ctx context.Context, spec runtime.Spec, onState StateFunc) (Kernel, error) {
	binary, err := l.registry.BinaryPath(spec)
	if err != nil {
		return nil, fmt.Errorf("runtime for %s unavailable: %w", spec.Name, err)
	}

	workDir, err := os.MkdirTemp(l.cfg.WorkDir, "crisol-session-"+uuid.New().String()[:8]+"-")
	if err != nil {
		return nil, fmt.Errorf("create session work dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.ReadyTimeout())
	defer cancel()

	switch spec.SessionMode {
	case runtime.SessionKernel:
		return l.launchPipe(ctx, binary, workDir, onState)
	case runtime.SessionShell:
		return l.launchShell(ctx, binary, workDir, onState)
	default:
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("%s does not support sessions", spec.Name)
	}
}

func (l *Launcher) launchPipe(ctx context.Context, binary, workDir string, onState StateFunc) (Kernel, error) {
	agentPath := filepath.Join(workDir, agentFile)
	if err := os.WriteFile(agentPath, agentSource, 0600); err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("stage agent: %w", err)
	}

	cmd := limits.SessionCommand(binary, agentPath)
	cmd.Dir = workDir
	cmd.Env = limits.ScrubbedEnv(workDir)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("start interpreter: %w", err)
	}
	go drainStderr(stderr, l.logger)

	k := newPipeKernel(stdin, stdout, onState, l.logger)
	k.cmd = cmd
	k.workDir = workDir

	if err := k.WaitReady(ctx); err != nil {
		k.Close()
		return nil, fmt.Errorf("interpreter not ready: %w", err)
	}
	l.logger.Debug("kernel started", "binary", binary, "pid", cmd.Process.Pid)
	return k, nil
}

func (l *Launcher) launchShell(ctx context.Context, binary, workDir string, onState StateFunc) (Kernel, error) {
	// No SysProcAttr here: pty.Start installs Setsid/Setctty itself, and the
	// controlling terminal is what makes ^C interrupt delivery work.
	cmd := exec.Command(binary)
	cmd.Dir = workDir
	cmd.Env = append(limits.ScrubbedEnv(workDir),
		"TERM=dumb",
		"PS1=", // no prompt noise in captured output
		"PS2=",
		"HISTFILE=",
	)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("start shell pty: %w", err)
	}
	pty.Setsize(ptmx, &pty.Winsize{Rows: 40, Cols: 120})

	k := &ShellKernel{
		cmd:     cmd,
		ptmx:    ptmx,
		workDir: workDir,
		logger:  l.logger,
		onState: onState,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go k.readLoop()

	if _, err := ptmx.Write([]byte(shellInit())); err != nil {
		k.Close()
		return nil, fmt.Errorf("init shell: %w", err)
	}
	if err := k.WaitReady(ctx); err != nil {
		k.Close()
		return nil, fmt.Errorf("shell not ready: %w", err)
	}
	l.logger.Debug("shell session started", "binary", binary, "pid", cmd.Process.Pid)
	return k, nil
}
