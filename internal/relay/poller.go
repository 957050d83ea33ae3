package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultPollInterval is the cadence used when none is configured.
const DefaultPollInterval = time.Second

// Poller drives Relay.Poll at a fixed cadence for one conversation and hands
// every non-empty batch to Deliver. The watermark returned by one poll is the
// input of the next; a failed poll keeps the previous watermark.
type Poller struct {
	Relay    *Relay
	Interval time.Duration
	Deliver  func(activities []Activity)
	Logger   *slog.Logger
}

// Run polls until the conversation finishes (returning nil) or ctx is
// cancelled (returning ctx.Err()).
func (p *Poller) Run(ctx context.Context, conversationID string) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	watermark := p.Relay.Watermark(conversationID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		batch, err := p.Relay.Poll(ctx, conversationID, watermark)
		switch {
		case errors.Is(err, ErrNotActive):
			return err
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("Poll failed, keeping watermark", "conversation_id", conversationID, "watermark", watermark, "error", err)
		default:
			if batch.Watermark != "" {
				watermark = batch.Watermark
			}
			if len(batch.Activities) > 0 && p.Deliver != nil {
				p.Deliver(batch.Activities)
			}
			if batch.Finished {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
