// Package reaper periodically sweeps the session pool for idle and dead
// sessions so abandoned interpreters do not pin memory forever.
package reaper

import (
	"context"
	"log/slog"
	"time"
)

// SessionPool abstracts the pool operation the reaper needs.
type SessionPool interface {
	ReapIdle() int
}

type Reaper struct {
	pool     SessionPool
	interval time.Duration
	logger   *slog.Logger
}

func New(pool SessionPool, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{pool: pool, interval: interval, logger: logger}
}

// Run sweeps immediately, then on every tick until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.interval)

	r.sweep()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) sweep() {
	if n := r.pool.ReapIdle(); n > 0 {
		r.logger.Info("reaper: reaped sessions", "count", n)
	}
}
