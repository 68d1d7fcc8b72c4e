package web

import (
	"log/slog"
	"sync"
	"time"

	"github.com/asheshgoplani/topicdeck/internal/logging"
)

// Event is one bridge activity record streamed to observers.
type Event struct {
	Type     string    `json:"type"` // message, status, binding
	UserID   int64     `json:"userId,omitempty"`
	ThreadID int64     `json:"threadId,omitempty"`
	WindowID string    `json:"windowId,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	Text     string    `json:"text,omitempty"`
	Time     time.Time `json:"time"`
}

const (
	hubBacklog     = 50
	subscriberSize = 64
)

// Hub fans events out to subscribers. Slow subscribers lose events rather
// than stall publishers.
type Hub struct {
	mu      sync.Mutex
	subs    map[chan Event]struct{}
	backlog []Event
	now     func() time.Time
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{}), now: time.Now}
}

// Publish records ev and offers it to every subscriber.
func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = h.now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backlog = append(h.backlog, ev)
	if len(h.backlog) > hubBacklog {
		h.backlog = h.backlog[len(h.backlog)-hubBacklog:]
	}
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			logging.Aggregate(logging.CompWeb, "event_dropped", slog.String("type", ev.Type))
		}
	}
}

// Subscribe returns a channel primed with the recent backlog.
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, subscriberSize+hubBacklog)
	h.mu.Lock()
	for _, ev := range h.backlog {
		ch <- ev
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	if ch == nil {
		return
	}
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
