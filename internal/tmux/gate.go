package tmux

import (
	"sync"
	"time"
)

// failureGate turns a stream of identical failures into one log line plus
// a reminder per interval. A different error, or a success, re-arms it.
type failureGate struct {
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]gateEntry
}

type gateEntry struct {
	msg        string
	logged     time.Time
	suppressed int
}

func newFailureGate(interval time.Duration, now func() time.Time) *failureGate {
	return &failureGate{interval: interval, now: now, last: make(map[string]gateEntry)}
}

// Allow records a failure of op and reports whether it should be logged.
// For a reminder, suppressed is the number of identical failures held back
// since the previous line.
func (g *failureGate) Allow(op string, err error) (suppressed int, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	msg := err.Error()
	now := g.now()
	e, seen := g.last[op]
	switch {
	case !seen || e.msg != msg:
		g.last[op] = gateEntry{msg: msg, logged: now}
		return 0, true
	case now.Sub(e.logged) >= g.interval:
		g.last[op] = gateEntry{msg: msg, logged: now}
		return e.suppressed, true
	}
	e.suppressed++
	g.last[op] = e
	return 0, false
}

// Reset forgets op after a success.
func (g *failureGate) Reset(op string) {
	g.mu.Lock()
	delete(g.last, op)
	g.mu.Unlock()
}
