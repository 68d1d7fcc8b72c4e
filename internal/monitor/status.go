package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/asheshgoplani/topicdeck/internal/dispatch"
	"github.com/asheshgoplani/topicdeck/internal/logging"
	"github.com/asheshgoplani/topicdeck/internal/screen"
	"github.com/asheshgoplani/topicdeck/internal/session"
	"github.com/asheshgoplani/topicdeck/internal/telegram"
	"github.com/asheshgoplani/topicdeck/internal/tmux"
	"github.com/asheshgoplani/topicdeck/internal/transcript"
)

var statusLog = logging.ForComponent(logging.CompStatus)

const (
	DefaultStatusInterval     = time.Second
	DefaultFreezeTimeout      = 60 * time.Second
	DefaultTopicCheckInterval = 60 * time.Second
)

// ContentInteractive marks tasks carrying a modal prompt from the pane.
const ContentInteractive transcript.EventKind = "interactive"

// Panes is the tmux surface the poller needs. *tmux.Manager implements it.
type Panes interface {
	ListWindows(ctx context.Context) ([]tmux.Window, error)
	CapturePane(ctx context.Context, id string) (string, error)
	KillWindow(ctx context.Context, id string) error
}

// StatusQueue is the dispatch surface the poller needs.
type StatusQueue interface {
	Sink
	EnqueueStatus(userID, threadID int64, windowID, text string) bool
	Busy(userID int64) bool
}

// TopicProber checks that a forum topic still exists.
type TopicProber interface {
	UnpinAllForumTopicMessages(ctx context.Context, chatID, threadID int64) error
}

type StatusConfig struct {
	Interval           time.Duration
	FreezeTimeout      time.Duration
	TopicCheckInterval time.Duration
}

type windowHealth struct {
	hash     [32]byte
	since    time.Time
	notified bool
}

// StatusPoller mirrors each bound window's spinner line into its topic,
// forwards modal prompts, reports frozen panes and drops bindings whose
// window or topic has gone.
type StatusPoller struct {
	cfg      StatusConfig
	clock    Clock
	registry *session.Registry
	panes    Panes
	queue    StatusQueue
	prober   TopicProber
	limiters *dispatch.Limiters

	mu          sync.Mutex
	health      map[string]*windowHealth
	interactive map[session.Topic]string
	lastProbe   time.Time
}

func NewStatusPoller(cfg StatusConfig, reg *session.Registry, panes Panes, queue StatusQueue, prober TopicProber, limiters *dispatch.Limiters, clock Clock) *StatusPoller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultStatusInterval
	}
	if cfg.FreezeTimeout <= 0 {
		cfg.FreezeTimeout = DefaultFreezeTimeout
	}
	if cfg.TopicCheckInterval <= 0 {
		cfg.TopicCheckInterval = DefaultTopicCheckInterval
	}
	if clock == nil {
		clock = RealClock
	}
	return &StatusPoller{
		cfg:         cfg,
		clock:       clock,
		registry:    reg,
		panes:       panes,
		queue:       queue,
		prober:      prober,
		limiters:    limiters,
		health:      make(map[string]*windowHealth),
		interactive: make(map[session.Topic]string),
		lastProbe:   clock.Now(),
	}
}

func (p *StatusPoller) Run(ctx context.Context) error {
	for {
		p.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-p.clock.After(p.cfg.Interval):
		}
	}
}

// ClearWindowHealth forgets the freeze tracking of a window, for example
// after its agent was restarted.
func (p *StatusPoller) ClearWindowHealth(windowID string) {
	p.mu.Lock()
	delete(p.health, windowID)
	p.mu.Unlock()
}

// RunOnce performs one status pass over all bindings.
func (p *StatusPoller) RunOnce(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if windows, err := p.panes.ListWindows(ctx); err == nil {
		exists := make(map[string]bool, len(windows))
		for _, w := range windows {
			exists[w.ID] = true
		}
		for _, b := range p.registry.PruneBindings(func(id string) bool { return exists[id] }) {
			p.forgetTopic(b.Topic())
			statusLog.Info("stale_binding_removed",
				slog.Int64("user_id", b.UserID),
				slog.Int64("thread_id", b.ThreadID),
				slog.String("window_id", b.WindowID))
		}
	}

	panes := make(map[string]string)
	for _, b := range p.registry.IterBindings() {
		if ctx.Err() != nil {
			return
		}
		if p.queue.Busy(b.UserID) {
			continue
		}
		pane, ok := panes[b.WindowID]
		if !ok {
			var err error
			pane, err = p.panes.CapturePane(ctx, b.WindowID)
			if err != nil {
				if !errors.Is(err, tmux.ErrCaptureTimeout) {
					statusLog.Debug("capture_failed",
						slog.String("window_id", b.WindowID),
						slog.String("error", err.Error()))
				}
				continue
			}
			panes[b.WindowID] = pane
		}
		p.updateTopic(b, pane)
	}

	for id, pane := range panes {
		p.checkFreeze(id, pane)
	}
	for id := range p.health {
		if _, ok := panes[id]; !ok {
			delete(p.health, id)
		}
	}

	if p.prober != nil && p.clock.Now().Sub(p.lastProbe) >= p.cfg.TopicCheckInterval {
		p.lastProbe = p.clock.Now()
		p.probeTopics(ctx)
	}
}

func (p *StatusPoller) updateTopic(b session.Binding, pane string) {
	t := b.Topic()
	if ui := screen.DetectInteractiveUI(pane); ui != nil {
		if p.interactive[t] != ui.Content {
			p.interactive[t] = ui.Content
			p.queue.EnqueueStatus(t.UserID, t.ThreadID, b.WindowID, "")
			p.queue.Enqueue(dispatch.Task{
				Kind:        dispatch.KindContent,
				UserID:      t.UserID,
				ThreadID:    t.ThreadID,
				WindowID:    b.WindowID,
				Parts:       []string{formatInteractive(ui)},
				ContentType: ContentInteractive,
			})
			statusLog.Info("interactive_ui_detected",
				slog.String("window_id", b.WindowID),
				slog.String("ui", ui.Name))
		}
		return
	}
	delete(p.interactive, t)

	text := ""
	if st := screen.DetectStatusLine(pane); st != nil {
		text = st.String()
	}
	if p.queue.EnqueueStatus(t.UserID, t.ThreadID, b.WindowID, text) {
		logging.Aggregate(logging.CompStatus, "status_enqueued", slog.String("window_id", b.WindowID))
	}
}

func formatInteractive(ui *screen.InteractiveUI) string {
	return "❓ **" + ui.Name + "**\n```\n" + strings.TrimRight(ui.Content, "\n") + "\n```"
}

// checkFreeze notices a pane that shows an active spinner but has not
// changed for FreezeTimeout.
func (p *StatusPoller) checkFreeze(windowID, pane string) {
	if screen.DetectStatusLine(pane) == nil {
		delete(p.health, windowID)
		return
	}
	now := p.clock.Now()
	sum := blake3.Sum256([]byte(pane))
	h, ok := p.health[windowID]
	if !ok || h.hash != sum {
		p.health[windowID] = &windowHealth{hash: sum, since: now}
		return
	}
	if h.notified || now.Sub(h.since) < p.cfg.FreezeTimeout {
		return
	}
	h.notified = true
	statusLog.Warn("session_frozen",
		slog.String("window_id", windowID),
		slog.Duration("unchanged_for", now.Sub(h.since)))
	msg := fmt.Sprintf("⚠️ No screen change for %s while the agent looks busy. It may be stuck; /esc interrupts it.",
		now.Sub(h.since).Round(time.Second))
	for _, t := range p.registry.TopicsForWindow(windowID) {
		p.queue.Enqueue(dispatch.Task{
			Kind:        dispatch.KindContent,
			UserID:      t.UserID,
			ThreadID:    t.ThreadID,
			WindowID:    windowID,
			Parts:       []string{msg},
			ContentType: transcript.EventText,
		})
	}
}

// probeTopics unbinds and kills the window of every topic Telegram no
// longer knows.
func (p *StatusPoller) probeTopics(ctx context.Context) {
	for _, b := range p.registry.IterBindings() {
		chatID := p.registry.ResolveChatID(b.UserID, b.ThreadID)
		if err := p.limiters.Wait(ctx, b.UserID); err != nil {
			return
		}
		err := p.prober.UnpinAllForumTopicMessages(ctx, chatID, b.ThreadID)
		if err == nil {
			continue
		}
		if !errors.Is(err, telegram.ErrTopicNotFound) {
			statusLog.Debug("topic_probe_failed",
				slog.Int64("thread_id", b.ThreadID),
				slog.String("error", err.Error()))
			continue
		}
		statusLog.Info("topic_deleted_unbinding",
			slog.Int64("user_id", b.UserID),
			slog.Int64("thread_id", b.ThreadID),
			slog.String("window_id", b.WindowID))
		if _, ok := p.registry.Unbind(b.UserID, b.ThreadID); ok {
			p.forgetTopic(b.Topic())
		}
		if len(p.registry.TopicsForWindow(b.WindowID)) == 0 {
			if err := p.panes.KillWindow(ctx, b.WindowID); err != nil {
				statusLog.Warn("kill_window_failed",
					slog.String("window_id", b.WindowID),
					slog.String("error", err.Error()))
			}
			delete(p.health, b.WindowID)
		}
	}
}

func (p *StatusPoller) forgetTopic(t session.Topic) {
	delete(p.interactive, t)
	p.queue.ClearTopic(t.UserID, t.ThreadID)
}
