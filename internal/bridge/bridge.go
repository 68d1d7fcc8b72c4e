// Package bridge handles what users send from Telegram: text for a bound
// topic is typed into its tmux window, slash commands manage bindings and
// sessions, and forum topic service messages keep the registry in step.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/asheshgoplani/topicdeck/internal/logging"
	"github.com/asheshgoplani/topicdeck/internal/monitor"
	"github.com/asheshgoplani/topicdeck/internal/session"
	"github.com/asheshgoplani/topicdeck/internal/statedb"
	"github.com/asheshgoplani/topicdeck/internal/telegram"
	"github.com/asheshgoplani/topicdeck/internal/tmux"
)

var bridgeLog = logging.ForComponent(logging.CompBridge)

// bashModeGap lets Claude Code switch into bash mode after "!" before the
// command arrives.
const bashModeGap = time.Second

// Panes is the tmux surface the handler drives. *tmux.Manager implements it.
type Panes interface {
	ListWindows(ctx context.Context) ([]tmux.Window, error)
	FindWindowByID(ctx context.Context, id string) (tmux.Window, error)
	CreateWindow(ctx context.Context, name, cwd, command string) (tmux.Window, error)
	KillWindow(ctx context.Context, id string) error
	SendKeys(ctx context.Context, id, text string, enter bool) error
	SendKey(ctx context.Context, id, key string) error
	CapturePane(ctx context.Context, id string) (string, error)
}

// Chat sends replies. *telegram.Client implements it.
type Chat interface {
	Send(ctx context.Context, chatID, threadID int64, text string, silent bool) (int, error)
	SendDocument(ctx context.Context, chatID, threadID int64, filename string, data []byte, caption string) (int, error)
}

// History is the delivered-message cache. *statedb.StateDB implements it.
type History interface {
	RecentMessages(userID, threadID int64, limit int) ([]statedb.MessageRow, error)
	ForgetTopic(userID, threadID int64) error
}

// Topics is the per-topic state the dispatch queue keeps.
type Topics interface {
	ClearTopic(userID, threadID int64)
}

// Transcripts finds the transcript a window is writing.
type Transcripts interface {
	Tracked(windowID string) (monitor.TrackedSession, bool)
}

// WindowHealth resets freeze tracking after the user intervenes.
type WindowHealth interface {
	ClearWindowHealth(windowID string)
}

type Config struct {
	Allowed       func(userID int64) bool
	ClaudeCommand string
	Location      *time.Location
}

// Handler processes inbound updates. It is safe to call from one poll
// loop; bindings are guarded by the registry itself.
type Handler struct {
	cfg         Config
	registry    *session.Registry
	panes       Panes
	chat        Chat
	topics      Topics
	history     History
	transcripts Transcripts
	health      WindowHealth

	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Handler)

func WithHistory(h History) Option { return func(b *Handler) { b.history = h } }

func WithTranscripts(t Transcripts) Option { return func(b *Handler) { b.transcripts = t } }

func WithWindowHealth(w WindowHealth) Option { return func(b *Handler) { b.health = w } }

func New(cfg Config, reg *session.Registry, panes Panes, chat Chat, topics Topics, opts ...Option) *Handler {
	if cfg.ClaudeCommand == "" {
		cfg.ClaudeCommand = "claude"
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	h := &Handler{
		cfg:      cfg,
		registry: reg,
		panes:    panes,
		chat:     chat,
		topics:   topics,
		sleep:    sleepCtx,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// HandleUpdate processes one update. Errors are reported to the user or
// logged; nothing is returned so one bad update never stalls the poll.
func (h *Handler) HandleUpdate(ctx context.Context, u telegram.Update) {
	msg := u.Message
	if msg == nil {
		return
	}
	if msg.From == nil || msg.From.IsBot {
		return
	}
	userID := msg.From.ID
	if h.cfg.Allowed != nil && !h.cfg.Allowed(userID) {
		bridgeLog.Warn("update_from_unknown_user",
			slog.Int64("user_id", userID),
			slog.String("username", msg.From.Username))
		return
	}
	thread := msg.MessageThreadID

	if msg.Chat != nil && msg.Chat.Type != "private" && thread != 0 {
		if err := h.registry.SetGroupChatID(userID, thread, msg.Chat.ID); err != nil {
			bridgeLog.Warn("group_chat_save_failed", slog.String("error", err.Error()))
		}
	}

	switch {
	case msg.ForumTopicCreated != nil:
		h.setTopicName(thread, msg.ForumTopicCreated.Name)
		return
	case msg.ForumTopicEdited != nil:
		if msg.ForumTopicEdited.Name != "" {
			h.setTopicName(thread, msg.ForumTopicEdited.Name)
		}
		return
	case msg.ForumTopicClosed != nil:
		h.CloseTopic(ctx, userID, thread)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		return
	}
	if strings.HasPrefix(text, "/") {
		h.command(ctx, userID, thread, text)
		return
	}
	h.forward(ctx, userID, thread, text)
}

func (h *Handler) setTopicName(thread int64, name string) {
	if thread == 0 || name == "" {
		return
	}
	if err := h.registry.SetTopicName(thread, name); err != nil {
		bridgeLog.Warn("topic_name_save_failed", slog.String("error", err.Error()))
	}
}

func (h *Handler) reply(ctx context.Context, userID, thread int64, text string) {
	chatID := h.registry.ResolveChatID(userID, thread)
	if _, err := h.chat.Send(ctx, chatID, thread, text, false); err != nil {
		bridgeLog.Warn("reply_failed",
			slog.Int64("user_id", userID),
			slog.Int64("thread_id", thread),
			slog.String("error", err.Error()))
	}
}

// boundWindow resolves the topic's window and checks it still exists. A
// vanished window is unbound on the spot.
func (h *Handler) boundWindow(ctx context.Context, userID, thread int64) (tmux.Window, bool) {
	id, ok := h.registry.ResolveWindow(userID, thread)
	if !ok {
		h.reply(ctx, userID, thread, "This topic is not bound to a session. Use /new <dir> to start one or /bind <name> to attach an existing window.")
		return tmux.Window{}, false
	}
	w, err := h.panes.FindWindowByID(ctx, id)
	if err != nil {
		if errors.Is(err, tmux.ErrWindowNotFound) {
			h.registry.Unbind(userID, thread)
			h.topics.ClearTopic(userID, thread)
			h.reply(ctx, userID, thread, "The window for this topic is gone, so the topic was unbound.")
		} else {
			h.reply(ctx, userID, thread, "tmux is not reachable: "+err.Error())
		}
		return tmux.Window{}, false
	}
	return w, true
}

// forward types text into the bound window. A leading "!" switches Claude
// Code to bash mode, which needs a moment before the rest arrives.
func (h *Handler) forward(ctx context.Context, userID, thread int64, text string) {
	w, ok := h.boundWindow(ctx, userID, thread)
	if !ok {
		return
	}
	var err error
	if rest, bang := strings.CutPrefix(text, "!"); bang && rest != "" {
		err = h.panes.SendKeys(ctx, w.ID, "!", false)
		if err == nil {
			err = h.sleep(ctx, bashModeGap)
		}
		if err == nil {
			err = h.panes.SendKeys(ctx, w.ID, rest, true)
		}
	} else {
		err = h.panes.SendKeys(ctx, w.ID, text, true)
	}
	if err != nil {
		bridgeLog.Error("send_keys_failed",
			slog.String("window_id", w.ID),
			slog.String("error", err.Error()))
		h.reply(ctx, userID, thread, "Could not type into the window: "+err.Error())
		return
	}
	if h.health != nil {
		h.health.ClearWindowHealth(w.ID)
	}
	logging.Aggregate(logging.CompBridge, "text_forwarded", slog.String("window_id", w.ID))
}

// CloseTopic unbinds a closed topic, drops its cached state and kills the
// window when no other topic uses it.
func (h *Handler) CloseTopic(ctx context.Context, userID, thread int64) {
	id, ok := h.registry.Unbind(userID, thread)
	h.topics.ClearTopic(userID, thread)
	if h.history != nil {
		if err := h.history.ForgetTopic(userID, thread); err != nil {
			bridgeLog.Warn("history_forget_failed", slog.String("error", err.Error()))
		}
	}
	if !ok {
		return
	}
	bridgeLog.Info("topic_closed",
		slog.Int64("user_id", userID),
		slog.Int64("thread_id", thread),
		slog.String("window_id", id))
	if len(h.registry.TopicsForWindow(id)) > 0 {
		return
	}
	if err := h.panes.KillWindow(ctx, id); err != nil {
		bridgeLog.Warn("kill_window_failed",
			slog.String("window_id", id),
			slog.String("error", err.Error()))
	}
}
