package engine

import (
	"context"
	"time"

	"github.com/d-araiza/crisol/internal/aggregate"
	"github.com/d-araiza/crisol/internal/pool"
	"github.com/d-araiza/crisol/internal/runtime"
	"github.com/d-araiza/crisol/internal/security"
	"github.com/d-araiza/crisol/internal/store"
)

// Stateless runs code once in a disposable sandboxed process.
type Stateless interface {
	Run(code, language string, timeout time.Duration) *aggregate.Result
}

// SessionPool is the session-mode surface the engine drives.
type SessionPool interface {
	Execute(ctx context.Context, sessionID string, spec runtime.Spec, code string, timeout time.Duration, onOutput pool.OutputFunc) (*aggregate.Result, error)
	List() []pool.SessionInfo
	Interrupt(id string) bool
	Kill(id string) bool
	Shutdown(ctx context.Context) error
}

// SecurityFilter screens code before it reaches any interpreter.
type SecurityFilter interface {
	Check(code string) security.Verdict
}

// Recorder persists execution history. Recording is advisory: failures are
// logged, never surfaced.
type Recorder interface {
	Record(e *store.Execution) error
}
