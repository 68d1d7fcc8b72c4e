package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultSendInterval keeps a user's chats under Telegram's per-chat flood
// threshold of roughly one message per second.
const DefaultSendInterval = 1100 * time.Millisecond

// Limiters hands out one token bucket per user. Queue workers and the
// status poller share the same instance so their sends are spaced together.
type Limiters struct {
	every time.Duration

	mu sync.Mutex
	m  map[int64]*rate.Limiter
}

func NewLimiters(every time.Duration) *Limiters {
	return &Limiters{every: every, m: make(map[int64]*rate.Limiter)}
}

func (l *Limiters) get(userID int64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.m[userID]
	if !ok {
		limit := rate.Inf
		if l.every > 0 {
			limit = rate.Every(l.every)
		}
		lim = rate.NewLimiter(limit, 1)
		l.m[userID] = lim
	}
	return lim
}

// Wait blocks until userID may send again.
func (l *Limiters) Wait(ctx context.Context, userID int64) error {
	if l == nil {
		return ctx.Err()
	}
	return l.get(userID).Wait(ctx)
}
