// Package engine dispatches execution requests to the stateless sandbox or
// the session pool and folds every failure mode into a uniform result.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/d-araiza/crisol/internal/aggregate"
	"github.com/d-araiza/crisol/internal/config"
	"github.com/d-araiza/crisol/internal/pool"
	"github.com/d-araiza/crisol/internal/runtime"
	"github.com/d-araiza/crisol/internal/store"
)

// Mode selects the execution path.
type Mode string

const (
	ModeStateless Mode = "stateless"
	ModeSession   Mode = "session"
)

// Request describes one code execution.
type Request struct {
	Code      string        `json:"code"`
	Language  string        `json:"language"`
	Mode      Mode          `json:"mode,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Timeout   time.Duration `json:"-"`
}

// mode normalizes the requested path: a session id alone implies session
// mode.
func (r Request) mode() Mode {
	if r.Mode == ModeSession || (r.Mode == "" && r.SessionID != "") {
		return ModeSession
	}
	return ModeStateless
}

type Engine struct {
	cfg       *config.Config
	registry  *runtime.Registry
	filter    SecurityFilter
	stateless Stateless
	pool      SessionPool
	recorder  Recorder
	logger    *slog.Logger
}

func New(cfg *config.Config, reg *runtime.Registry, filter SecurityFilter, stateless Stateless, sessions SessionPool, recorder Recorder, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		registry:  reg,
		filter:    filter,
		stateless: stateless,
		pool:      sessions,
		recorder:  recorder,
		logger:    logger,
	}
}

// Execute runs one request. It always returns a well-formed result: security
// violations, unknown languages, timeouts, and internal failures are all
// folded into the result rather than escaping as errors.
func (e *Engine) Execute(ctx context.Context, req Request) *aggregate.Result {
	return e.ExecuteStreaming(ctx, req, nil)
}

// ExecuteStreaming is Execute with incremental output delivery. The final
// result is identical to the non-streaming call; onOutput additionally
// receives tagged chunks as they arrive.
func (e *Engine) ExecuteStreaming(ctx context.Context, req Request, onOutput pool.OutputFunc) *aggregate.Result {
	res := e.dispatch(ctx, req, onOutput)
	e.record(req, res)
	return res
}

func (e *Engine) dispatch(ctx context.Context, req Request, onOutput pool.OutputFunc) *aggregate.Result {
	if strings.TrimSpace(req.Code) == "" {
		return errorResult("no code provided")
	}
	timeout := e.cfg.ClampTimeout(req.Timeout)

	if req.mode() != ModeSession {
		res := e.stateless.Run(req.Code, req.Language, timeout)
		replay(res, onOutput)
		return res
	}

	if req.SessionID == "" {
		return errorResult("session_id required for session mode")
	}
	spec, err := e.registry.Resolve(req.Language)
	if err != nil {
		return errorResult(err.Error())
	}
	if v := e.filter.Check(req.Code); !v.Allowed {
		e.logger.Warn("security violation", "session_id", req.SessionID, "category", v.Category)
		return errorResult(fmt.Sprintf("security violation: blocked %s primitive", v.Category))
	}
	if !e.registry.SessionAvailable(spec) {
		e.logger.Warn("session runtime unavailable, falling back to stateless",
			"language", spec.Name, "session_id", req.SessionID)
		res := e.stateless.Run(req.Code, req.Language, timeout)
		replay(res, onOutput)
		return res
	}

	res, err := e.pool.Execute(ctx, req.SessionID, spec, req.Code, timeout, onOutput)
	if err != nil {
		e.logger.Error("session execution failed",
			"session_id", req.SessionID, "language", spec.Name, "error", err)
		return errorResult("internal error: " + err.Error())
	}
	return res
}

// ListSessions reports the live sessions.
func (e *Engine) ListSessions() []pool.SessionInfo { return e.pool.List() }

// Interrupt aborts a session's running execution; the session survives.
func (e *Engine) Interrupt(sessionID string) bool { return e.pool.Interrupt(sessionID) }

// Kill tears a session down immediately.
func (e *Engine) Kill(sessionID string) bool { return e.pool.Kill(sessionID) }

// Shutdown closes every live session.
func (e *Engine) Shutdown(ctx context.Context) error { return e.pool.Shutdown(ctx) }

// record persists history off the request path.
func (e *Engine) record(req Request, res *aggregate.Result) {
	if e.recorder == nil {
		return
	}
	rec := &store.Execution{
		ID:         uuid.New().String()[:12],
		Language:   req.Language,
		Mode:       string(req.mode()),
		Status:     string(res.Status),
		Stdout:     res.Stdout,
		Error:      res.Error,
		DurationMs: res.ExecutionTime.Milliseconds(),
	}
	if req.mode() == ModeSession {
		rec.SessionID = req.SessionID
	}
	go func() {
		if err := e.recorder.Record(rec); err != nil {
			e.logger.Warn("record execution", "id", rec.ID, "error", err)
		}
	}()
}

// replay delivers already-aggregated output to a streaming caller so both
// execution paths present the same streaming shape.
func replay(res *aggregate.Result, onOutput pool.OutputFunc) {
	if onOutput == nil {
		return
	}
	if res.Stdout != "" {
		onOutput("stdout", res.Stdout)
	}
	for _, img := range res.Visualizations {
		onOutput("visualization", img)
	}
	if res.Error != "" {
		onOutput("stderr", res.Error)
	}
}

func errorResult(msg string) *aggregate.Result {
	return &aggregate.Result{
		Status:         aggregate.StatusError,
		Error:          msg,
		Visualizations: []string{},
		StructuredData: map[string]any{},
	}
}
