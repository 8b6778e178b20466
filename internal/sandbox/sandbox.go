// Package sandbox runs one-shot untrusted code in a disposable process under
// resource limits. No state survives an execution: the working directory is
// removed on every exit path.
package sandbox

import (
	"bytes"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/d-araiza/crisol/internal/aggregate"
	"github.com/d-araiza/crisol/internal/config"
	"github.com/d-araiza/crisol/internal/limits"
	"github.com/d-araiza/crisol/internal/runtime"
	"github.com/d-araiza/crisol/internal/security"
)

//go:embed pyharness.py
var pyHarness []byte

const harnessFile = "harness.py"

// Executor is the stateless sandbox executor.
type Executor struct {
	cfg      *config.Config
	filter   *security.Filter
	registry *runtime.Registry
	logger   *slog.Logger

	// spawn starts the prepared command; replaced in tests to count spawns.
	spawn func(*exec.Cmd) error
}

func NewExecutor(cfg *config.Config, filter *security.Filter, reg *runtime.Registry, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		filter:   filter,
		registry: reg,
		logger:   logger,
		spawn:    (*exec.Cmd).Start,
	}
}

// Run executes code once and returns a well-formed result on every path.
// Security violations never spawn a process; timeouts forcibly terminate the
// process tree; the working directory is always deleted.
func (e *Executor) Run(code, language string, timeout time.Duration) *aggregate.Result {
	if v := e.filter.Check(code); !v.Allowed {
		e.logger.Warn("security violation", "category", v.Category)
		return errorResult(fmt.Sprintf("security violation: blocked %s primitive", v.Category))
	}

	spec, err := e.registry.Resolve(language)
	if err != nil {
		return errorResult(err.Error())
	}
	binary, err := e.registry.BinaryPath(spec)
	if err != nil {
		return errorResult(fmt.Sprintf("internal error: runtime for %s unavailable: %v", spec.Name, err))
	}

	timeout = e.cfg.ClampTimeout(timeout)

	workDir, err := os.MkdirTemp(e.cfg.WorkDir, "crisol-exec-"+uuid.New().String()[:8]+"-")
	if err != nil {
		return errorResult(fmt.Sprintf("internal error: create work dir: %v", err))
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			e.logger.Warn("remove work dir", "dir", workDir, "error", err)
		}
	}()

	target, err := e.stage(workDir, spec, code)
	if err != nil {
		return errorResult(fmt.Sprintf("internal error: stage code: %v", err))
	}

	cmd, err := limits.Command(e.cfg.Limits, binary, target)
	if err != nil {
		return errorResult(fmt.Sprintf("internal error: build command: %v", err))
	}
	cmd.Dir = workDir
	cmd.Env = limits.ScrubbedEnv(workDir)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := e.spawn(cmd); err != nil {
		return errorResult(fmt.Sprintf("internal error: spawn: %v", err))
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case waitErr := <-done:
		elapsed := time.Since(start)
		exitCode := 0
		if waitErr != nil {
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				return errorResult(fmt.Sprintf("internal error: wait: %v", waitErr))
			}
		}
		artifacts := collectArtifacts(workDir, e.logger)
		return aggregate.FromRun(exitCode, stdout.String(), stderr.String(), artifacts, elapsed)

	case <-time.After(timeout):
		limits.KillTree(cmd)
		<-done
		e.logger.Warn("execution timed out", "language", spec.Name, "timeout", timeout)
		return &aggregate.Result{
			Status:         aggregate.StatusTimeout,
			Error:          fmt.Sprintf("execution exceeded %s", timeout),
			ExecutionTime:  timeout,
			Visualizations: []string{},
			StructuredData: map[string]any{},
		}
	}
}

// stage writes the code file (and the plot-capturing harness for languages
// with plotting support) into the working directory and returns the file the
// interpreter should run.
func (e *Executor) stage(workDir string, spec runtime.Spec, code string) (string, error) {
	codePath := filepath.Join(workDir, spec.CodeFile)
	if err := os.WriteFile(codePath, []byte(code), 0600); err != nil {
		return "", err
	}
	if !spec.Plotting {
		return spec.CodeFile, nil
	}
	harnessPath := filepath.Join(workDir, harnessFile)
	if err := os.WriteFile(harnessPath, pyHarness, 0600); err != nil {
		return "", err
	}
	return harnessFile, nil
}

func errorResult(msg string) *aggregate.Result {
	return &aggregate.Result{
		Status:         aggregate.StatusError,
		Error:          msg,
		Visualizations: []string{},
		StructuredData: map[string]any{},
	}
}
