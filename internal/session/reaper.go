// ABOUTME: Background reaper that closes conversations idle past a threshold
// ABOUTME: Runs on a ticker; each sweep is independent and idempotent

package session

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Reaper periodically closes conversations with no activity past the idle
// threshold, in any non-terminal status.
type Reaper struct {
	engine   *Engine
	interval time.Duration
	idle     time.Duration
	logger   *slog.Logger
}

// NewReaper creates a reaper. Pass nil logger for default.
func NewReaper(engine *Engine, interval, idle time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		engine:   engine,
		interval: interval,
		idle:     idle,
		logger:   logger.With("component", "reaper"),
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", "interval", r.interval, "idle_threshold", r.idle)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep closes every idle conversation once and returns how many it closed.
// A session that races to closed between listing and closing is skipped.
func (r *Reaper) Sweep(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-r.idle)
	idle, err := r.engine.store.ListIdleSessions(ctx, cutoff)
	if err != nil {
		r.logger.Error("listing idle sessions failed", "error", err)
		return 0
	}

	closed := 0
	for _, sess := range idle {
		err := r.engine.CloseSession(ctx, sess.TenantID, sess.ID, "inactivity")
		if errors.Is(err, ErrRejectedTransition) {
			continue
		}
		if err != nil {
			r.logger.Error("closing idle session failed", "error", err,
				"tenant_id", sess.TenantID, "session_id", sess.ID)
			continue
		}
		closed++
	}
	if closed > 0 {
		r.logger.Info("idle sessions closed", "count", closed)
	}
	return closed
}
