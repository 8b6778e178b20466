// Package pool manages the bounded set of live interpreter sessions. All
// capacity decisions happen under one lock, so the session count can never
// be observed above the configured maximum; kernel launches run outside it
// so a slow interpreter start never blocks the rest of the pool.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/d-araiza/crisol/internal/config"
	"github.com/d-araiza/crisol/internal/runtime"
	"github.com/d-araiza/crisol/protocol"
)

type Pool struct {
	cfg      *config.Config
	launcher Launcher
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session

	// locks serializes executions per session id, independent of mu so a
	// long-running execution never blocks pool admission.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(cfg *config.Config, launcher Launcher, logger *slog.Logger) *Pool {
	return &Pool{
		cfg:      cfg,
		launcher: launcher,
		logger:   logger,
		sessions: make(map[string]*session),
		locks:    make(map[string]*sync.Mutex),
	}
}

// getOrCreate returns the session for id, launching a kernel if needed.
// Eviction and insertion happen under the pool lock; a placeholder in
// starting state reserves the slot so the launch itself runs unlocked and
// concurrent callers for the same id wait on one kernel instead of racing
// a second one into existence.
func (p *Pool) getOrCreate(ctx context.Context, id string, spec runtime.Spec) (*session, error) {
	p.mu.Lock()
	if s, ok := p.sessions[id]; ok {
		if s.snapshot().Status != StatusDead {
			p.mu.Unlock()
			return p.awaitReady(ctx, s)
		}
		// Interpreter died underneath us; replace in place.
		delete(p.sessions, id)
		if k := s.currentKernel(); k != nil {
			k.Close()
		}
	}

	if len(p.sessions) >= p.cfg.MaxSessions && !p.evictLocked() {
		p.mu.Unlock()
		return nil, fmt.Errorf("session pool at capacity")
	}

	s := newSession(id, spec.Name)
	p.sessions[id] = s
	p.mu.Unlock()

	k, err := p.launcher.Launch(ctx, spec, s.applyState)

	p.mu.Lock()
	current := p.sessions[id]
	if err != nil {
		if current == s {
			delete(p.sessions, id)
		}
		p.mu.Unlock()
		s.finishLaunch(nil, err)
		return nil, fmt.Errorf("launch %s session: %w", spec.Name, err)
	}
	if current != s {
		// Killed while starting; the kernel has no owner.
		p.mu.Unlock()
		removed := fmt.Errorf("session %s removed during launch", id)
		s.finishLaunch(nil, removed)
		k.Close()
		return nil, removed
	}
	p.mu.Unlock()

	s.finishLaunch(k, nil)
	s.applyState(protocol.StateIdle)
	p.logger.Info("session created", "session_id", id, "language", spec.Name)
	return s, nil
}

// awaitReady blocks until the session's launch settles. A session found in
// the map may still be mid-launch on behalf of another caller.
func (p *Pool) awaitReady(ctx context.Context, s *session) (*session, error) {
	select {
	case <-s.ready:
		if s.launchErr != nil {
			return nil, s.launchErr
		}
		s.touch()
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// evictLocked removes the least-recently-active settled session and reports
// whether a slot was freed. Caller holds p.mu.
func (p *Pool) evictLocked() bool {
	var victim *session
	for _, s := range p.sessions {
		if s.snapshot().Status == StatusStarting {
			continue
		}
		if victim == nil || s.olderThan(victim) {
			victim = s
		}
	}
	if victim == nil {
		return false
	}
	delete(p.sessions, victim.id)
	if k := victim.currentKernel(); k != nil {
		if err := k.Close(); err != nil {
			p.logger.Warn("close evicted session", "session_id", victim.id, "error", err)
		}
	}
	p.removeLock(victim.id)
	p.logger.Info("session evicted", "session_id", victim.id, "language", victim.language)
	return true
}

// List returns a snapshot of every live session, ordered by id.
func (p *Pool) List() []SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]SessionInfo, 0, len(p.sessions))
	for _, s := range p.sessions {
		infos = append(infos, s.snapshot())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Interrupt signals the session's running execution. The session survives:
// the interpreter reports the interruption as a normal settled execution.
func (p *Pool) Interrupt(id string) bool {
	p.mu.Lock()
	s, ok := p.sessions[id]
	p.mu.Unlock()
	if !ok {
		return false
	}
	k := s.currentKernel()
	if k == nil {
		return false
	}
	if err := k.Interrupt(); err != nil {
		p.logger.Warn("interrupt session", "session_id", id, "error", err)
		return false
	}
	s.markInterrupted()
	p.logger.Info("session interrupted", "session_id", id)
	return true
}

// Kill tears the session down immediately.
func (p *Pool) Kill(id string) bool {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	// A mid-launch kill leaves kernel teardown to the launching goroutine.
	if k := s.currentKernel(); k != nil {
		if err := k.Close(); err != nil {
			p.logger.Warn("close session kernel", "session_id", id, "error", err)
		}
	}
	p.removeLock(id)
	p.logger.Info("session killed", "session_id", id)
	return true
}

// ReapIdle tears down dead sessions and sessions idle beyond the configured
// timeout, and returns the number removed. A failing teardown never stops
// the sweep.
func (p *Pool) ReapIdle() int {
	cutoff := p.cfg.SessionIdleTimeout()

	p.mu.Lock()
	var victims []*session
	for id, s := range p.sessions {
		info := s.snapshot()
		if info.Status == StatusBusy || info.Status == StatusStarting {
			continue
		}
		if info.Status == StatusDead || info.IdleFor() > cutoff {
			delete(p.sessions, id)
			victims = append(victims, s)
		}
	}
	p.mu.Unlock()

	for _, s := range victims {
		if k := s.currentKernel(); k != nil {
			if err := k.Close(); err != nil {
				p.logger.Warn("reap session", "session_id", s.id, "error", err)
			}
		}
		p.removeLock(s.id)
		p.logger.Info("session reaped", "session_id", s.id, "language", s.language)
	}
	return len(victims)
}

// Shutdown closes every session concurrently and empties the pool.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	sessions := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*session)
	p.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, s := range sessions {
		k := s.currentKernel()
		if k == nil {
			continue
		}
		g.Go(func() error { return k.Close() })
	}
	err := g.Wait()
	p.logger.Info("session pool shut down", "count", len(sessions))
	return err
}

func (p *Pool) sessionLock(id string) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	if m, ok := p.locks[id]; ok {
		return m
	}
	m := &sync.Mutex{}
	p.locks[id] = m
	return m
}

func (p *Pool) removeLock(id string) {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	delete(p.locks, id)
}
