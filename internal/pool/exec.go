package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/d-araiza/crisol/internal/aggregate"
	"github.com/d-araiza/crisol/internal/runtime"
	"github.com/d-araiza/crisol/protocol"
)

// OutputFunc receives incremental tagged output while an execution runs.
// kind is one of stdout, stderr, result, visualization.
type OutputFunc func(kind, content string)

// Execute runs code in the session identified by sessionID, creating the
// session on first use. Executions against the same session are serialized.
// On timeout the execution is abandoned but the session survives: subsequent
// calls resume against the same interpreter state.
func (p *Pool) Execute(ctx context.Context, sessionID string, spec runtime.Spec, code string, timeout time.Duration, onOutput OutputFunc) (*aggregate.Result, error) {
	s, err := p.getOrCreate(ctx, sessionID, spec)
	if err != nil {
		return nil, err
	}

	mu := p.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	timeout = p.cfg.ClampTimeout(timeout)
	execID := uuid.New().String()[:8]
	count := s.beginExecution()

	ch, err := s.kernel.Submit(execID, code)
	if err != nil {
		return nil, fmt.Errorf("submit to session %s: %w", sessionID, err)
	}

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var events []protocol.Event
	settled := false
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				res := aggregate.FromEvents(events, time.Since(start))
				res.ExecutionCount = count
				// The kernel always delivers an idle status before closing
				// the channel. A close without one means the interpreter
				// died mid-execution.
				if !settled {
					res.Status = aggregate.StatusError
					if res.Error == "" {
						res.Error = "session terminated unexpectedly"
					}
				}
				return res, nil
			}
			if ev.Kind == protocol.EventStatus && ev.State == protocol.StateIdle {
				settled = true
			}
			events = append(events, ev)
			forwardEvent(ev, onOutput)

		case <-timer.C:
			s.kernel.Abandon(execID)
			p.logger.Warn("session execution timed out",
				"session_id", sessionID, "exec_id", execID, "timeout", timeout)
			res := aggregate.FromEvents(events, timeout)
			res.Status = aggregate.StatusTimeout
			res.Error = fmt.Sprintf("execution exceeded %s", timeout)
			res.ExecutionTime = timeout
			res.ExecutionCount = count
			return res, nil

		case <-ctx.Done():
			s.kernel.Abandon(execID)
			return nil, ctx.Err()
		}
	}
}

// forwardEvent streams one event to the caller, tagged by payload kind.
func forwardEvent(ev protocol.Event, onOutput OutputFunc) {
	if onOutput == nil {
		return
	}
	switch ev.Kind {
	case protocol.EventStream:
		onOutput(ev.Name, ev.Text)
	case protocol.EventResult:
		if text, ok := ev.Data[protocol.MIMEText]; ok {
			onOutput("result", text)
		}
	case protocol.EventDisplay:
		if png, ok := ev.Data[protocol.MIMEPNG]; ok {
			onOutput("visualization", png)
		}
	case protocol.EventError:
		msg := ev.Ename
		if ev.Evalue != "" {
			msg += ": " + ev.Evalue
		}
		onOutput("stderr", msg)
	}
}
