package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/asheshgoplani/topicdeck/internal/config"
	"github.com/asheshgoplani/topicdeck/internal/session"
	"github.com/asheshgoplani/topicdeck/internal/transcript"
)

const (
	historyPageLen   = 3500
	historyCacheRows = 200
	screenshotInline = 3500
)

const helpText = `**topicdeck**
Text you send here is typed into the bound Claude Code window. Start it with ! to run a shell command.

/new <dir>: start Claude Code in <dir> and bind it to this topic
/bind <name>: attach an existing tmux window
/unbind: detach this topic (the window keeps running)
/esc: press Escape in the window
/screenshot: show the current screen
/history [page]: browse the conversation
/verbosity [quiet|normal|verbose]: how much to forward`

func parseCommand(text string) (string, string) {
	cmd, args, _ := strings.Cut(text, " ")
	cmd = strings.ToLower(strings.TrimPrefix(cmd, "/"))
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return cmd, strings.TrimSpace(args)
}

func (h *Handler) command(ctx context.Context, userID, thread int64, text string) {
	cmd, args := parseCommand(text)
	bridgeLog.Debug("command",
		slog.String("command", cmd),
		slog.Int64("user_id", userID),
		slog.Int64("thread_id", thread))

	switch cmd {
	case "start", "help":
		h.reply(ctx, userID, thread, helpText)
	case "history":
		h.cmdHistory(ctx, userID, thread, args)
	case "verbosity":
		h.cmdVerbosity(ctx, userID, thread, args)
	case "bind":
		h.cmdBind(ctx, userID, thread, args)
	case "unbind":
		h.cmdUnbind(ctx, userID, thread)
	case "new":
		h.cmdNew(ctx, userID, thread, args)
	case "esc":
		h.cmdEsc(ctx, userID, thread)
	case "screenshot":
		h.cmdScreenshot(ctx, userID, thread)
	default:
		// Claude Code's own slash commands (/clear, /compact, ...) pass through.
		h.forward(ctx, userID, thread, text)
	}
}

func (h *Handler) cmdVerbosity(ctx context.Context, userID, thread int64, args string) {
	if args == "" {
		h.reply(ctx, userID, thread, fmt.Sprintf("Verbosity is **%s**.", h.registry.Verbosity(userID, thread)))
		return
	}
	if err := h.registry.SetVerbosity(userID, thread, strings.ToLower(args)); err != nil {
		h.reply(ctx, userID, thread, err.Error())
		return
	}
	h.reply(ctx, userID, thread, fmt.Sprintf("Verbosity set to **%s**.", strings.ToLower(args)))
}

// historyPages renders the topic's conversation, from the transcript when
// the window is tracked and from the delivered-message cache otherwise.
func (h *Handler) historyPages(userID, thread int64) []string {
	if id, ok := h.registry.ResolveWindow(userID, thread); ok && h.transcripts != nil {
		if ts, ok := h.transcripts.Tracked(id); ok {
			entries, _, err := transcript.ReadNew(ts.TranscriptPath, 0)
			if err == nil {
				return transcript.Paginate(transcript.History(entries), historyPageLen, h.cfg.Location)
			}
			bridgeLog.Warn("history_read_failed",
				slog.String("path", ts.TranscriptPath),
				slog.String("error", err.Error()))
		}
	}
	if h.history == nil {
		return nil
	}
	rows, err := h.history.RecentMessages(userID, thread, historyCacheRows)
	if err != nil {
		bridgeLog.Warn("history_cache_failed", slog.String("error", err.Error()))
		return nil
	}
	items := make([]transcript.HistoryItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, transcript.HistoryItem{
			Kind:      transcript.EventKind(r.Kind),
			Text:      r.Text,
			Timestamp: r.SentAt,
		})
	}
	return transcript.Paginate(items, historyPageLen, h.cfg.Location)
}

func (h *Handler) cmdHistory(ctx context.Context, userID, thread int64, args string) {
	pages := h.historyPages(userID, thread)
	if len(pages) == 0 {
		h.reply(ctx, userID, thread, "No history for this topic yet.")
		return
	}
	page := len(pages)
	if args != "" {
		n, err := strconv.Atoi(args)
		if err != nil || n < 1 {
			h.reply(ctx, userID, thread, "Usage: /history [page]")
			return
		}
		page = min(n, len(pages))
	}
	h.reply(ctx, userID, thread, fmt.Sprintf("%s\n\n📄 %d/%d", pages[page-1], page, len(pages)))
}

func (h *Handler) cmdBind(ctx context.Context, userID, thread int64, args string) {
	if thread == 0 {
		h.reply(ctx, userID, thread, "Bindings live in forum topics; send /bind inside a topic.")
		return
	}
	windows, err := h.panes.ListWindows(ctx)
	if err != nil {
		h.reply(ctx, userID, thread, "tmux is not reachable: "+err.Error())
		return
	}
	free := windows[:0:0]
	for _, w := range windows {
		if len(h.registry.TopicsForWindow(w.ID)) == 0 {
			free = append(free, w)
		}
	}
	if args == "" {
		if len(free) == 0 {
			h.reply(ctx, userID, thread, "No unbound windows. Use /new <dir> to start one.")
			return
		}
		var b strings.Builder
		b.WriteString("Unbound windows:\n")
		for _, w := range free {
			fmt.Fprintf(&b, "• `%s` %s\n", w.Name, w.CWD)
		}
		b.WriteString("\nSend /bind <name>.")
		h.reply(ctx, userID, thread, b.String())
		return
	}

	matches := FuzzyFindWindows(free, args)
	if len(matches) == 0 {
		h.reply(ctx, userID, thread, fmt.Sprintf("No unbound window matches %q.", args))
		return
	}
	w := matches[0]
	if err := h.registry.Bind(userID, thread, w.ID, w.Name); err != nil {
		h.replyBindError(ctx, userID, thread, err)
		return
	}
	bridgeLog.Info("topic_bound",
		slog.Int64("user_id", userID),
		slog.Int64("thread_id", thread),
		slog.String("window_id", w.ID))
	h.reply(ctx, userID, thread, fmt.Sprintf("Bound to `%s` (%s).", w.Name, w.ID))
}

func (h *Handler) replyBindError(ctx context.Context, userID, thread int64, err error) {
	var abe *session.AlreadyBoundError
	if errors.As(err, &abe) {
		if abe.Reason == "window" {
			h.reply(ctx, userID, thread, "That window already belongs to another topic.")
		} else {
			h.reply(ctx, userID, thread, fmt.Sprintf("This topic is already bound to `%s`. Use /unbind first.", h.registry.DisplayName(abe.Existing.WindowID)))
		}
		return
	}
	h.reply(ctx, userID, thread, "Bind failed: "+err.Error())
}

func (h *Handler) cmdUnbind(ctx context.Context, userID, thread int64) {
	id, ok := h.registry.Unbind(userID, thread)
	if !ok {
		h.reply(ctx, userID, thread, "This topic is not bound.")
		return
	}
	h.topics.ClearTopic(userID, thread)
	h.reply(ctx, userID, thread, fmt.Sprintf("Unbound from `%s`. The window keeps running.", h.registry.DisplayName(id)))
}

func (h *Handler) cmdNew(ctx context.Context, userID, thread int64, args string) {
	if thread == 0 {
		h.reply(ctx, userID, thread, "Create a forum topic first, then send /new <dir> inside it.")
		return
	}
	if _, ok := h.registry.ResolveWindow(userID, thread); ok {
		h.reply(ctx, userID, thread, "This topic already has a session. Use /unbind first.")
		return
	}
	if args == "" {
		h.reply(ctx, userID, thread, "Usage: /new <dir>")
		return
	}
	dir, err := filepath.Abs(config.ExpandHome(args))
	if err == nil {
		var fi os.FileInfo
		if fi, err = os.Stat(dir); err == nil && !fi.IsDir() {
			err = fmt.Errorf("%s is not a directory", dir)
		}
	}
	if err != nil {
		h.reply(ctx, userID, thread, "Cannot use that directory: "+err.Error())
		return
	}

	name := filepath.Base(dir)
	if topic, ok := h.registry.TopicName(thread); ok && topic != "" {
		name = topic
	}
	w, err := h.panes.CreateWindow(ctx, name, dir, h.cfg.ClaudeCommand)
	if err != nil {
		h.reply(ctx, userID, thread, "Could not create the window: "+err.Error())
		return
	}
	if err := h.registry.Bind(userID, thread, w.ID, w.Name); err != nil {
		h.replyBindError(ctx, userID, thread, err)
		return
	}
	if h.health != nil {
		h.health.ClearWindowHealth(w.ID)
	}
	bridgeLog.Info("session_started",
		slog.String("window_id", w.ID),
		slog.String("cwd", dir),
		slog.Int64("thread_id", thread))
	h.reply(ctx, userID, thread, fmt.Sprintf("Started `%s` in %s.", w.Name, dir))
}

func (h *Handler) cmdEsc(ctx context.Context, userID, thread int64) {
	w, ok := h.boundWindow(ctx, userID, thread)
	if !ok {
		return
	}
	if err := h.panes.SendKey(ctx, w.ID, "Escape"); err != nil {
		h.reply(ctx, userID, thread, "Could not send Escape: "+err.Error())
		return
	}
	if h.health != nil {
		h.health.ClearWindowHealth(w.ID)
	}
}

func (h *Handler) cmdScreenshot(ctx context.Context, userID, thread int64) {
	w, ok := h.boundWindow(ctx, userID, thread)
	if !ok {
		return
	}
	pane, err := h.panes.CapturePane(ctx, w.ID)
	if err != nil {
		h.reply(ctx, userID, thread, "Could not capture the screen: "+err.Error())
		return
	}
	pane = strings.TrimRight(pane, " \n")
	if len([]rune(pane)) <= screenshotInline && !strings.Contains(pane, "```") {
		h.reply(ctx, userID, thread, "```\n"+pane+"\n```")
		return
	}
	chatID := h.registry.ResolveChatID(userID, thread)
	if _, err := h.chat.SendDocument(ctx, chatID, thread, w.Name+".txt", []byte(pane+"\n"), w.Name); err != nil {
		bridgeLog.Warn("screenshot_upload_failed", slog.String("error", err.Error()))
	}
}
