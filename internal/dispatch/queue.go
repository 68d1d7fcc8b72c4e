// Package dispatch owns everything that leaves the bridge for Telegram: one
// FIFO per user, merging of consecutive text, editing tool announcements in
// place once their result arrives, and the per-topic status message.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/asheshgoplani/topicdeck/internal/logging"
	"github.com/asheshgoplani/topicdeck/internal/statedb"
	"github.com/asheshgoplani/topicdeck/internal/telegram"
	"github.com/asheshgoplani/topicdeck/internal/transcript"
)

var dispatchLog = logging.ForComponent(logging.CompDispatch)

type TaskKind string

const (
	KindContent      TaskKind = "content"
	KindStatusUpdate TaskKind = "status_update"
	KindStatusClear  TaskKind = "status_clear"
)

// mergeSeparator joins merged content.
const mergeSeparator = "\n\n"

// Task is one unit of outbound work for a single topic.
type Task struct {
	Kind     TaskKind
	UserID   int64
	ThreadID int64
	WindowID string

	// Parts are sent as separate messages, in order. A status task carries
	// its text in Parts[0].
	Parts []string

	ContentType transcript.EventKind
	ToolUseID   string

	// EditMessageID is the message that announced a tool call, when the
	// producer already knows it.
	EditMessageID int

	Silent     bool
	EnqueuedAt time.Time

	sent    int // parts already delivered; a retry resumes here
	retries int
}

func (t *Task) text() string {
	if len(t.Parts) == 0 {
		return ""
	}
	return t.Parts[0]
}

func (t *Task) length() int {
	return utf8.RuneCountInString(strings.Join(t.Parts, mergeSeparator))
}

func isTool(k transcript.EventKind) bool {
	return k == transcript.EventToolUse || k == transcript.EventToolResult
}

// Sender is the subset of the Telegram client the queue drives.
type Sender interface {
	Send(ctx context.Context, chatID, threadID int64, text string, silent bool) (int, error)
	Edit(ctx context.Context, chatID int64, messageID int, text string) error
	Delete(ctx context.Context, chatID int64, messageID int) error
	SendChatAction(ctx context.Context, chatID, threadID int64, action string) error
}

// ChatResolver maps a topic to the chat it lives in.
type ChatResolver interface {
	ResolveChatID(userID, threadID int64) int64
}

// History records delivered messages. *statedb.StateDB satisfies it.
type History interface {
	RecordMessage(row statedb.MessageRow) error
	ToolMessage(userID, threadID int64, toolUseID string) (int, bool, error)
}

// ToolMessage reports where a tool invocation was announced.
type ToolMessage struct {
	UserID    int64
	ThreadID  int64
	WindowID  string
	ToolUseID string
	MessageID int
}

type Options struct {
	// MergeMaxLength bounds merged text, in characters. Merging stops
	// before the joined text would reach it.
	MergeMaxLength int
	MaxRetries     int
	RetryDelay     time.Duration

	History History

	// StatusCheck reads the window's status line after content went out and
	// the user's queue drained. Empty means none.
	StatusCheck func(ctx context.Context, windowID string) string

	// OnToolMessage fires after a tool_use announcement was delivered.
	OnToolMessage func(ToolMessage)
}

const (
	DefaultMergeMaxLength = 3800
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = 5 * time.Second
)

type topicKey struct {
	user, thread int64
}

type toolKey struct {
	toolUseID    string
	user, thread int64
}

type windowKey struct {
	user, thread int64
	window       string
}

// contentSlot is the newest content message of a window. Status lines for
// that window are shown by appending them to it.
type contentSlot struct {
	messageID int
	text      string
	status    string
}

type statusMsg struct {
	messageID int
	windowID  string
	text      string
}

type userQueue struct {
	mu      sync.Mutex
	items   []*Task
	busy    bool
	started bool
	wake    chan struct{}
}

func (uq *userQueue) signal() {
	select {
	case uq.wake <- struct{}{}:
	default:
	}
}

// Queue serializes delivery per user. Workers start lazily with the first
// task for a user once Run has been called.
type Queue struct {
	sender   Sender
	chats    ChatResolver
	limiters *Limiters
	opts     Options

	mu         sync.Mutex
	ctx        context.Context
	users      map[int64]*userQueue
	toolMsgs   map[toolKey]int
	status     map[topicKey]statusMsg
	lastStatus map[topicKey]string
	slots      map[windowKey]contentSlot

	wg sync.WaitGroup
}

func New(sender Sender, chats ChatResolver, limiters *Limiters, opts Options) *Queue {
	if opts.MergeMaxLength <= 0 {
		opts.MergeMaxLength = DefaultMergeMaxLength
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if limiters == nil {
		limiters = NewLimiters(DefaultSendInterval)
	}
	return &Queue{
		sender:     sender,
		chats:      chats,
		limiters:   limiters,
		opts:       opts,
		users:      make(map[int64]*userQueue),
		toolMsgs:   make(map[toolKey]int),
		status:     make(map[topicKey]statusMsg),
		lastStatus: make(map[topicKey]string),
		slots:      make(map[windowKey]contentSlot),
	}
}

// Run starts workers for queued users and blocks until ctx is done and all
// workers have returned.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	q.ctx = ctx
	for uid, uq := range q.users {
		q.startLocked(uid, uq)
	}
	q.mu.Unlock()

	<-ctx.Done()
	q.wg.Wait()
	return nil
}

func (q *Queue) userLocked(userID int64) *userQueue {
	uq, ok := q.users[userID]
	if !ok {
		uq = &userQueue{wake: make(chan struct{}, 1)}
		q.users[userID] = uq
	}
	return uq
}

func (q *Queue) startLocked(userID int64, uq *userQueue) {
	if q.ctx == nil || uq.started {
		return
	}
	uq.started = true
	q.wg.Add(1)
	go q.worker(q.ctx, userID, uq)
}

// Enqueue appends t to its user's queue.
func (q *Queue) Enqueue(t Task) {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if t.Kind == "" {
		t.Kind = KindContent
	}
	q.mu.Lock()
	uq := q.userLocked(t.UserID)
	q.startLocked(t.UserID, uq)
	q.mu.Unlock()

	uq.mu.Lock()
	uq.items = append(uq.items, &t)
	uq.mu.Unlock()
	uq.signal()
}

// EnqueueStatus queues a status update for a topic, or a clear when text
// is empty. It returns false when the same text for the same window is
// already queued or shown.
func (q *Queue) EnqueueStatus(userID, threadID int64, windowID, text string) bool {
	key := topicKey{userID, threadID}
	sig := windowID + "\x00" + text

	q.mu.Lock()
	prev, seen := q.lastStatus[key]
	if text == "" {
		_, shown := q.status[key]
		if (seen && prev == "") || (!shown && !seen) {
			q.mu.Unlock()
			return false
		}
		q.lastStatus[key] = ""
	} else {
		if seen && prev == sig {
			q.mu.Unlock()
			return false
		}
		q.lastStatus[key] = sig
	}
	q.mu.Unlock()

	kind := KindStatusUpdate
	if text == "" {
		kind = KindStatusClear
	}
	q.Enqueue(Task{
		Kind:     kind,
		UserID:   userID,
		ThreadID: threadID,
		WindowID: windowID,
		Parts:    []string{text},
	})
	return true
}

// Busy reports whether userID has content waiting or in flight.
func (q *Queue) Busy(userID int64) bool {
	q.mu.Lock()
	uq := q.users[userID]
	q.mu.Unlock()
	if uq == nil {
		return false
	}
	uq.mu.Lock()
	defer uq.mu.Unlock()
	return uq.busy || hasContent(uq.items)
}

func (q *Queue) pendingContent(userID int64) bool {
	q.mu.Lock()
	uq := q.users[userID]
	q.mu.Unlock()
	if uq == nil {
		return false
	}
	uq.mu.Lock()
	defer uq.mu.Unlock()
	return hasContent(uq.items)
}

func hasContent(items []*Task) bool {
	for _, t := range items {
		if t.Kind == KindContent {
			return true
		}
	}
	return false
}

// Len returns the number of queued tasks for userID.
func (q *Queue) Len(userID int64) int {
	q.mu.Lock()
	uq := q.users[userID]
	q.mu.Unlock()
	if uq == nil {
		return 0
	}
	uq.mu.Lock()
	defer uq.mu.Unlock()
	return len(uq.items)
}

// ClearTopic forgets tool announcements and status state for a topic.
// Queued tasks are left alone; they fail harmlessly if the topic is gone.
func (q *Queue) ClearTopic(userID, threadID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for k := range q.toolMsgs {
		if k.user == userID && k.thread == threadID {
			delete(q.toolMsgs, k)
		}
	}
	for k := range q.slots {
		if k.user == userID && k.thread == threadID {
			delete(q.slots, k)
		}
	}
	key := topicKey{userID, threadID}
	delete(q.status, key)
	delete(q.lastStatus, key)
}

func (q *Queue) worker(ctx context.Context, userID int64, uq *userQueue) {
	defer q.wg.Done()
	dispatchLog.Debug("worker_started", slog.Int64("user_id", userID))
	for {
		t := q.next(uq)
		if t == nil {
			select {
			case <-ctx.Done():
				dispatchLog.Debug("worker_stopped", slog.Int64("user_id", userID))
				return
			case <-uq.wake:
			}
			continue
		}
		q.process(ctx, t)
		uq.mu.Lock()
		uq.busy = false
		uq.mu.Unlock()
	}
}

// drain processes everything queued for userID on the calling goroutine.
func (q *Queue) drain(ctx context.Context, userID int64) {
	q.mu.Lock()
	uq := q.userLocked(userID)
	q.mu.Unlock()
	for {
		t := q.next(uq)
		if t == nil {
			return
		}
		q.process(ctx, t)
		uq.mu.Lock()
		uq.busy = false
		uq.mu.Unlock()
	}
}

// next pops the head task, folding following text into it when allowed.
func (q *Queue) next(uq *userQueue) *Task {
	uq.mu.Lock()
	defer uq.mu.Unlock()
	if len(uq.items) == 0 {
		uq.busy = false
		return nil
	}
	head := uq.items[0]
	uq.items = uq.items[1:]
	uq.busy = true

	if head.Kind != KindContent || head.sent > 0 || isTool(head.ContentType) {
		return head
	}
	total := head.length()
	merged := 0
	parts := append([]string(nil), head.Parts...)
	silent := head.Silent
	for len(uq.items) > 0 {
		c := uq.items[0]
		if c.Kind != KindContent || c.WindowID != head.WindowID || c.ThreadID != head.ThreadID || isTool(c.ContentType) {
			break
		}
		n := total + utf8.RuneCountInString(mergeSeparator) + c.length()
		if n >= q.opts.MergeMaxLength {
			break
		}
		total = n
		parts = append(parts, c.Parts...)
		silent = silent && c.Silent
		uq.items = uq.items[1:]
		merged++
	}
	if merged == 0 {
		return head
	}
	out := *head
	out.Parts = []string{strings.Join(parts, mergeSeparator)}
	out.Silent = silent
	logging.Aggregate(logging.CompDispatch, "merged",
		slog.Int("tasks", merged+1),
		slog.String("window_id", head.WindowID))
	return &out
}

// process delivers t, retrying flood control and transport failures.
func (q *Queue) process(ctx context.Context, t *Task) {
	for {
		err := q.deliver(ctx, t)
		if err == nil || ctx.Err() != nil {
			return
		}
		attrs := []any{
			slog.Int64("user_id", t.UserID),
			slog.Int64("thread_id", t.ThreadID),
			slog.String("window_id", t.WindowID),
			slog.String("kind", string(t.Kind)),
			slog.String("error", err.Error()),
		}

		var ra *telegram.RetryAfterError
		var apiErr *telegram.APIError
		switch {
		case errors.As(err, &ra):
			if t.retries >= q.opts.MaxRetries {
				dispatchLog.Error("flood_control_giving_up", attrs...)
				return
			}
			t.retries++
			dispatchLog.Warn("flood_control", append(attrs, slog.Duration("retry_after", ra.After))...)
			if !sleep(ctx, ra.After) {
				return
			}
		case errors.As(err, &apiErr):
			dispatchLog.Error("delivery_rejected", append(attrs, slog.Int("code", apiErr.Code))...)
			return
		default:
			if t.retries >= q.opts.MaxRetries {
				dispatchLog.Error("delivery_failed", attrs...)
				return
			}
			t.retries++
			dispatchLog.Warn("delivery_retry", append(attrs, slog.Int("attempt", t.retries))...)
			if !sleep(ctx, q.opts.RetryDelay) {
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// retryable reports errors process would try again.
func retryable(err error) bool {
	var apiErr *telegram.APIError
	return err != nil && !errors.As(err, &apiErr)
}

func (q *Queue) deliver(ctx context.Context, t *Task) error {
	switch t.Kind {
	case KindStatusUpdate:
		return q.deliverStatus(ctx, t)
	case KindStatusClear:
		q.clearStatus(ctx, t.UserID, t.ThreadID)
		return nil
	default:
		return q.deliverContent(ctx, t)
	}
}

func (q *Queue) deliverContent(ctx context.Context, t *Task) error {
	chatID := q.chats.ResolveChatID(t.UserID, t.ThreadID)

	if t.ContentType == transcript.EventToolResult && t.ToolUseID != "" && t.sent == 0 {
		if msgID, ok := q.toolMessage(t); ok {
			q.releaseSlot(ctx, t, chatID, msgID)
			q.clearStatus(ctx, t.UserID, t.ThreadID)
			text := strings.Join(t.Parts, mergeSeparator)
			err := q.edit(ctx, t.UserID, chatID, msgID, text)
			if err == nil {
				q.mu.Lock()
				delete(q.toolMsgs, toolKey{t.ToolUseID, t.UserID, t.ThreadID})
				q.slots[windowKey{t.UserID, t.ThreadID, t.WindowID}] = contentSlot{messageID: msgID, text: text}
				q.mu.Unlock()
				q.record(t, msgID, transcript.EventToolUse, text)
				t.sent = len(t.Parts)
				q.afterContent(ctx, t)
				return nil
			}
			if retryable(err) {
				return err
			}
			dispatchLog.Debug("tool_edit_failed_sending_new",
				slog.String("tool_use_id", t.ToolUseID),
				slog.Int("message_id", msgID),
				slog.String("error", err.Error()))
		}
	}

	if t.sent == 0 {
		q.releaseSlot(ctx, t, chatID, 0)
	}

	lastID, lastText := 0, ""
	for t.sent < len(t.Parts) {
		part := t.Parts[t.sent]
		if t.sent == 0 {
			id, ok, err := q.convertStatus(ctx, t, chatID, part)
			if err != nil {
				return err
			}
			if ok {
				lastID, lastText = id, part
				t.sent++
				continue
			}
		}
		id, err := q.send(ctx, t.UserID, chatID, t.ThreadID, part, t.Silent)
		if err != nil {
			return err
		}
		q.record(t, id, t.ContentType, part)
		lastID, lastText = id, part
		t.sent++
	}
	if lastID != 0 {
		q.mu.Lock()
		q.slots[windowKey{t.UserID, t.ThreadID, t.WindowID}] = contentSlot{messageID: lastID, text: lastText}
		q.mu.Unlock()
	}

	if lastID != 0 && t.ContentType == transcript.EventToolUse && t.ToolUseID != "" {
		q.mu.Lock()
		q.toolMsgs[toolKey{t.ToolUseID, t.UserID, t.ThreadID}] = lastID
		q.mu.Unlock()
		if q.opts.OnToolMessage != nil {
			q.opts.OnToolMessage(ToolMessage{
				UserID:    t.UserID,
				ThreadID:  t.ThreadID,
				WindowID:  t.WindowID,
				ToolUseID: t.ToolUseID,
				MessageID: lastID,
			})
		}
	}
	q.afterContent(ctx, t)
	return nil
}

func (q *Queue) toolMessage(t *Task) (int, bool) {
	if t.EditMessageID != 0 {
		return t.EditMessageID, true
	}
	q.mu.Lock()
	id, ok := q.toolMsgs[toolKey{t.ToolUseID, t.UserID, t.ThreadID}]
	q.mu.Unlock()
	if ok {
		return id, true
	}
	if q.opts.History == nil {
		return 0, false
	}
	id, ok, err := q.opts.History.ToolMessage(t.UserID, t.ThreadID, t.ToolUseID)
	if err != nil {
		dispatchLog.Warn("tool_message_lookup_failed",
			slog.String("tool_use_id", t.ToolUseID),
			slog.String("error", err.Error()))
		return 0, false
	}
	return id, ok
}

// convertStatus reuses the topic's status message for the first part of
// new content from the same window, so the chat does not grow a stale
// status line between replies. A status message from another window is
// deleted instead.
func (q *Queue) convertStatus(ctx context.Context, t *Task, chatID int64, text string) (int, bool, error) {
	key := topicKey{t.UserID, t.ThreadID}
	q.mu.Lock()
	sm, ok := q.status[key]
	if ok {
		delete(q.status, key)
		delete(q.lastStatus, key)
	}
	q.mu.Unlock()
	if !ok {
		return 0, false, nil
	}
	if sm.windowID != t.WindowID {
		q.deleteQuiet(ctx, t.UserID, chatID, sm.messageID)
		return 0, false, nil
	}
	err := q.edit(ctx, t.UserID, chatID, sm.messageID, text)
	if err == nil {
		q.record(t, sm.messageID, t.ContentType, text)
		return sm.messageID, true, nil
	}
	if retryable(err) {
		q.mu.Lock()
		q.status[key] = sm
		q.mu.Unlock()
		return 0, false, err
	}
	dispatchLog.Debug("status_convert_failed",
		slog.Int("message_id", sm.messageID),
		slog.String("error", err.Error()))
	return 0, false, nil
}

// afterContent posts the window's status line once the user's queue has no
// more content behind this task.
func (q *Queue) afterContent(ctx context.Context, t *Task) {
	if q.opts.StatusCheck == nil || q.pendingContent(t.UserID) {
		return
	}
	text := q.opts.StatusCheck(ctx, t.WindowID)
	if text == "" {
		return
	}
	if err := q.postStatus(ctx, t.UserID, t.ThreadID, t.WindowID, text); err != nil {
		dispatchLog.Debug("status_after_content_failed",
			slog.String("window_id", t.WindowID),
			slog.String("error", err.Error()))
		return
	}
	q.mu.Lock()
	q.lastStatus[topicKey{t.UserID, t.ThreadID}] = t.WindowID + "\x00" + text
	q.mu.Unlock()
}

func (q *Queue) deliverStatus(ctx context.Context, t *Task) error {
	text := t.text()
	if text == "" {
		q.clearStatus(ctx, t.UserID, t.ThreadID)
		return nil
	}
	if strings.Contains(strings.ToLower(text), "esc to interrupt") {
		chatID := q.chats.ResolveChatID(t.UserID, t.ThreadID)
		if err := q.sender.SendChatAction(ctx, chatID, t.ThreadID, "typing"); err != nil {
			dispatchLog.Debug("chat_action_failed", slog.String("error", err.Error()))
		}
	}
	return q.postStatus(ctx, t.UserID, t.ThreadID, t.WindowID, text)
}

// postStatus shows a status line under the window's newest content message.
// Without one, or when that message can no longer be edited, the topic's
// dedicated status message is used instead.
func (q *Queue) postStatus(ctx context.Context, userID, threadID int64, windowID, text string) error {
	wk := windowKey{userID, threadID, windowID}
	q.mu.Lock()
	slot, ok := q.slots[wk]
	q.mu.Unlock()
	if !ok {
		return q.showStatus(ctx, userID, threadID, windowID, text)
	}
	if slot.status == text {
		return nil
	}
	combined := slot.text + mergeSeparator + text
	if utf8.RuneCountInString(combined) > MaxMessageLength {
		return q.showStatus(ctx, userID, threadID, windowID, text)
	}

	chatID := q.chats.ResolveChatID(userID, threadID)
	key := topicKey{userID, threadID}
	q.mu.Lock()
	dedicated, hasDedicated := q.status[key]
	delete(q.status, key)
	q.mu.Unlock()
	if hasDedicated {
		q.deleteQuiet(ctx, userID, chatID, dedicated.messageID)
	}

	err := q.edit(ctx, userID, chatID, slot.messageID, combined)
	if err == nil {
		slot.status = text
		q.mu.Lock()
		q.slots[wk] = slot
		q.mu.Unlock()
		return nil
	}
	if retryable(err) {
		return err
	}
	dispatchLog.Debug("status_slot_edit_failed",
		slog.Int("message_id", slot.messageID),
		slog.String("error", err.Error()))
	q.mu.Lock()
	delete(q.slots, wk)
	q.mu.Unlock()
	return q.showStatus(ctx, userID, threadID, windowID, text)
}

// releaseSlot retires the window's newest content message before new content
// goes out, taking any status line back off it. except names a message that
// is about to be rewritten anyway.
func (q *Queue) releaseSlot(ctx context.Context, t *Task, chatID int64, except int) {
	wk := windowKey{t.UserID, t.ThreadID, t.WindowID}
	q.mu.Lock()
	slot, ok := q.slots[wk]
	delete(q.slots, wk)
	if ok && slot.status != "" {
		// the line is about to vanish, so the same status may be shown again
		key := topicKey{t.UserID, t.ThreadID}
		if q.lastStatus[key] == t.WindowID+"\x00"+slot.status {
			delete(q.lastStatus, key)
		}
	}
	q.mu.Unlock()
	if !ok || slot.status == "" || slot.messageID == except {
		return
	}
	q.restoreSlot(ctx, t.UserID, chatID, slot)
}

func (q *Queue) restoreSlot(ctx context.Context, userID, chatID int64, slot contentSlot) {
	if err := q.edit(ctx, userID, chatID, slot.messageID, slot.text); err != nil {
		dispatchLog.Debug("status_slot_restore_failed",
			slog.Int("message_id", slot.messageID),
			slog.String("error", err.Error()))
	}
}

// showStatus makes the topic's status message read text, editing the
// current one when it belongs to the same window.
func (q *Queue) showStatus(ctx context.Context, userID, threadID int64, windowID, text string) error {
	key := topicKey{userID, threadID}
	chatID := q.chats.ResolveChatID(userID, threadID)

	q.mu.Lock()
	cur, ok := q.status[key]
	q.mu.Unlock()

	if ok {
		if cur.windowID != windowID {
			q.clearStatus(ctx, userID, threadID)
		} else if cur.text == text {
			return nil
		} else {
			err := q.edit(ctx, userID, chatID, cur.messageID, text)
			if err == nil {
				q.mu.Lock()
				cur.text = text
				q.status[key] = cur
				q.mu.Unlock()
				return nil
			}
			if retryable(err) {
				return err
			}
			q.mu.Lock()
			delete(q.status, key)
			q.mu.Unlock()
		}
	}

	id, err := q.send(ctx, userID, chatID, threadID, text, true)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.status[key] = statusMsg{messageID: id, windowID: windowID, text: text}
	q.mu.Unlock()
	return nil
}

func (q *Queue) clearStatus(ctx context.Context, userID, threadID int64) {
	key := topicKey{userID, threadID}
	q.mu.Lock()
	sm, ok := q.status[key]
	delete(q.status, key)
	delete(q.lastStatus, key)
	var shown []contentSlot
	for k, slot := range q.slots {
		if k.user == userID && k.thread == threadID && slot.status != "" {
			shown = append(shown, slot)
			slot.status = ""
			q.slots[k] = slot
		}
	}
	q.mu.Unlock()

	chatID := q.chats.ResolveChatID(userID, threadID)
	for _, slot := range shown {
		q.restoreSlot(ctx, userID, chatID, slot)
	}
	if ok {
		q.deleteQuiet(ctx, userID, chatID, sm.messageID)
	}
}

func (q *Queue) send(ctx context.Context, userID, chatID, threadID int64, text string, silent bool) (int, error) {
	if err := q.limiters.Wait(ctx, userID); err != nil {
		return 0, err
	}
	id, err := q.sender.Send(ctx, chatID, threadID, text, silent)
	if err == nil {
		logging.Aggregate(logging.CompDispatch, "message_sent", slog.Int64("user_id", userID))
	}
	return id, err
}

func (q *Queue) edit(ctx context.Context, userID, chatID int64, msgID int, text string) error {
	if err := q.limiters.Wait(ctx, userID); err != nil {
		return err
	}
	return q.sender.Edit(ctx, chatID, msgID, text)
}

func (q *Queue) deleteQuiet(ctx context.Context, userID, chatID int64, msgID int) {
	if err := q.limiters.Wait(ctx, userID); err != nil {
		return
	}
	if err := q.sender.Delete(ctx, chatID, msgID); err != nil {
		dispatchLog.Debug("delete_failed",
			slog.Int("message_id", msgID),
			slog.String("error", err.Error()))
	}
}

func (q *Queue) record(t *Task, msgID int, kind transcript.EventKind, text string) {
	if q.opts.History == nil {
		return
	}
	err := q.opts.History.RecordMessage(statedb.MessageRow{
		UserID:    t.UserID,
		ThreadID:  t.ThreadID,
		WindowID:  t.WindowID,
		MessageID: msgID,
		Kind:      string(kind),
		ToolUseID: t.ToolUseID,
		Text:      text,
	})
	if err != nil {
		dispatchLog.Warn("record_message_failed",
			slog.Int("message_id", msgID),
			slog.String("error", err.Error()))
	}
}
