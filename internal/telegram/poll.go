package telegram

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Poller runs the getUpdates loop.
type Poller struct {
	Client  *Client
	Timeout time.Duration

	// Handle is called for every update in order.
	Handle func(ctx context.Context, u Update)

	// Commit is called with the next offset after a batch was handled, so
	// a restart does not replay it.
	Commit func(next int64)
}

const (
	pollBackoffMin = time.Second
	pollBackoffMax = 30 * time.Second
)

// Run polls from offset until ctx is cancelled.
func (p *Poller) Run(ctx context.Context, offset int64) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	backoff := pollBackoffMin
	for {
		if ctx.Err() != nil {
			return nil
		}
		updates, next, err := p.Client.GetUpdates(ctx, offset, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := backoff
			var ra *RetryAfterError
			if errors.As(err, &ra) {
				wait = ra.After
			} else {
				backoff = min(backoff*2, pollBackoffMax)
			}
			telegramLog.Warn("get_updates_failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", wait))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		backoff = pollBackoffMin

		for _, u := range updates {
			if p.Handle != nil {
				p.Handle(ctx, u)
			}
		}
		if next != offset {
			offset = next
			if p.Commit != nil {
				p.Commit(next)
			}
		}
	}
}
