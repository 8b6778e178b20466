package pool

import (
	"sync"
	"time"

	"github.com/d-araiza/crisol/internal/kernel"
	"github.com/d-araiza/crisol/protocol"
)

// Status is the lifecycle state of a pooled session.
type Status string

const (
	StatusStarting    Status = "starting"
	StatusIdle        Status = "idle"
	StatusBusy        Status = "busy"
	StatusInterrupted Status = "interrupted"
	StatusDead        Status = "dead"
)

// SessionInfo is the externally visible snapshot of one session.
type SessionInfo struct {
	ID             string    `json:"session_id"`
	Language       string    `json:"language"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	ExecutionCount int       `json:"execution_count"`
}

// IdleFor is the time since the session last saw activity.
func (i SessionInfo) IdleFor() time.Duration {
	return time.Since(i.LastActivity)
}

// session pairs a kernel with its bookkeeping. Fields under mu are updated
// both by the pool and by the kernel's reader goroutine via applyState.
type session struct {
	id       string
	language string

	// ready is closed once the launch settles; kernel and launchErr never
	// change afterwards.
	ready chan struct{}

	mu             sync.Mutex
	kernel         kernel.Kernel
	launchErr      error
	status         Status
	createdAt      time.Time
	lastActivity   time.Time
	executionCount int
}

func newSession(id, language string) *session {
	now := time.Now()
	return &session{
		id:           id,
		language:     language,
		ready:        make(chan struct{}),
		status:       StatusStarting,
		createdAt:    now,
		lastActivity: now,
	}
}

// finishLaunch publishes the launch outcome and unblocks waiters.
func (s *session) finishLaunch(k kernel.Kernel, err error) {
	s.mu.Lock()
	s.kernel = k
	s.launchErr = err
	s.mu.Unlock()
	close(s.ready)
}

// currentKernel is nil while the session is still launching.
func (s *session) currentKernel() kernel.Kernel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kernel
}

// applyState maps kernel state transitions onto the session lifecycle. An
// idle transition also settles an interrupted session back to idle.
func (s *session) applyState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch state {
	case protocol.StateBusy:
		s.status = StatusBusy
	case protocol.StateIdle:
		if s.status != StatusDead {
			s.status = StatusIdle
		}
	case kernel.StateDead:
		s.status = StatusDead
	}
}

// beginExecution counts the execution and refreshes activity before polling
// starts, so even an execution that never settles is accounted for.
func (s *session) beginExecution() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executionCount++
	s.lastActivity = time.Now()
	s.status = StatusBusy
	return s.executionCount
}

func (s *session) markInterrupted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusBusy {
		s.status = StatusInterrupted
	}
}

func (s *session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

func (s *session) snapshot() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:             s.id,
		Language:       s.language,
		Status:         s.status,
		CreatedAt:      s.createdAt,
		LastActivity:   s.lastActivity,
		ExecutionCount: s.executionCount,
	}
}

// olderThan orders sessions for eviction: least recent activity first, then
// lexicographically smallest id so the choice is deterministic.
func (s *session) olderThan(other *session) bool {
	a := s.snapshot()
	b := other.snapshot()
	if !a.LastActivity.Equal(b.LastActivity) {
		return a.LastActivity.Before(b.LastActivity)
	}
	return a.ID < b.ID
}
