package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/proctor-engine/internal/domain"
)

// DefaultJanitorInterval is how often StartLockJanitor sweeps.
const DefaultJanitorInterval = 5 * time.Minute

// PruneLocks drops the locks of sessions that are terminated or unknown.
// Such sessions accept no further writes, so their locks are never needed
// again. Returns the number of locks removed.
func (m *Manager) PruneLocks(ctx context.Context) int {
	pruned := 0
	for _, id := range m.locks.ids() {
		if ctx.Err() != nil {
			break
		}

		sess, err := m.repo.GetSession(ctx, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			m.logger.Warn("Lock janitor failed to load session", "session_id", id, "error", err)
			continue
		case !sess.State.Terminal():
			continue
		}

		if m.locks.prune(id) {
			pruned++
		}
	}
	return pruned
}

// StartLockJanitor runs a background goroutine that periodically prunes
// locks of finished sessions until ctx is cancelled.
func (m *Manager) StartLockJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Lock janitor started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				if n := m.PruneLocks(ctx); n > 0 {
					slog.Info("Lock janitor pruned session locks", "count", n)
				}
			case <-ctx.Done():
				slog.Info("Lock janitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
