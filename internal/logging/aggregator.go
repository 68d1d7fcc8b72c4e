package logging

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

type counter struct {
	n    int64
	last []slog.Attr
}

// Aggregator collapses repeated events into one "event_summary" record per
// interval. The poll loops use it for per-cycle counters.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	counts map[string]*counter

	stop chan struct{}
	done chan struct{}
}

func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		counts:   make(map[string]*counter),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (a *Aggregator) Start() {
	go func() {
		defer close(a.done)
		t := time.NewTicker(a.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				a.Flush()
			case <-a.stop:
				return
			}
		}
	}()
}

// Stop ends the ticker goroutine and emits whatever is left.
func (a *Aggregator) Stop() {
	close(a.stop)
	<-a.done
	a.Flush()
}

// Record bumps the counter for component/event. The attrs of the most recent
// call are kept as context for the summary.
func (a *Aggregator) Record(component, event string, fields ...slog.Attr) {
	key := component + "\x00" + event
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.counts[key]
	if !ok {
		c = &counter{}
		a.counts[key] = c
	}
	c.n++
	if len(fields) > 0 {
		c.last = fields
	}
}

// Flush writes one summary per recorded key and resets the counters.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	counts := a.counts
	a.counts = make(map[string]*counter)
	a.mu.Unlock()

	if a.logger == nil || len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		c := counts[k]
		component, event := splitKey(k)
		args := []any{
			slog.String("component", component),
			slog.String("event", event),
			slog.Int64("count", c.n),
			slog.Int("window_seconds", int(a.interval.Seconds())),
		}
		for _, f := range c.last {
			args = append(args, f)
		}
		a.logger.Info("event_summary", args...)
	}
}

func splitKey(k string) (string, string) {
	for i := 0; i < len(k); i++ {
		if k[i] == 0 {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}
