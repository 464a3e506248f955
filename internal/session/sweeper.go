package session

import (
	"context"
	"log/slog"
	"time"
)

const sweepInterval = 60 * time.Second

// Sweeper periodically deletes expired sessions from a Store. It
// implements worker.Worker so it can be started and stopped by the same
// Runner that hosts the gateway's other background tasks.
type Sweeper struct {
	store *Store
}

// NewSweeper returns a Sweeper for store.
func NewSweeper(store *Store) *Sweeper {
	return &Sweeper{store: store}
}

// Name returns the worker identifier.
func (w *Sweeper) Name() string { return "session_sweeper" }

// Run deletes expired sessions every 60 seconds until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := w.store.sweep(time.Now()); n > 0 {
				slog.LogAttrs(ctx, slog.LevelDebug, "swept expired sessions",
					slog.Int("count", n),
				)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
