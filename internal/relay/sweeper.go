package relay

import (
	"context"
	"time"
)

// DefaultSweepInterval is how often the dedup table is swept.
const DefaultSweepInterval = 5 * time.Minute

// StartSweeper runs RunSweeper in a background goroutine.
func StartSweeper(ctx context.Context, r *Relay, interval time.Duration) {
	go RunSweeper(ctx, r, interval)
}

// RunSweeper sweeps r on a fixed interval, independent of request traffic,
// until ctx is cancelled.
func RunSweeper(ctx context.Context, r *Relay, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.logger.Info("Relay sweeper started", "interval", interval, "retention", r.retention)

	for {
		select {
		case <-ticker.C:
			if removed := r.Sweep(); removed > 0 {
				r.logger.Info("Relay sweeper removed dedup entries", "count", removed)
			}
		case <-ctx.Done():
			r.logger.Info("Relay sweeper shutting down", "reason", ctx.Err())
			return
		}
	}
}
