// Package session owns the mapping between Telegram forum topics, tmux
// windows and Claude Code sessions. Registry is the only writer of the
// topic bindings; the window to session map is written by the startup hook
// and only read here.
package session

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/asheshgoplani/topicdeck/internal/logging"
	"github.com/asheshgoplani/topicdeck/internal/state"
)

var sessionLog = logging.ForComponent(logging.CompSession)

// Topic addresses one forum topic of one user.
type Topic struct {
	UserID   int64 `json:"user_id"`
	ThreadID int64 `json:"thread_id"`
}

func (t Topic) key() string {
	return strconv.FormatInt(t.UserID, 10) + ":" + strconv.FormatInt(t.ThreadID, 10)
}

func parseTopicKey(k string) (Topic, bool) {
	u, th, ok := strings.Cut(k, ":")
	if !ok {
		return Topic{}, false
	}
	uid, err1 := strconv.ParseInt(u, 10, 64)
	tid, err2 := strconv.ParseInt(th, 10, 64)
	if err1 != nil || err2 != nil {
		return Topic{}, false
	}
	return Topic{UserID: uid, ThreadID: tid}, true
}

// Binding ties a topic to a window. Seq orders bindings by creation.
type Binding struct {
	UserID   int64     `json:"user_id"`
	ThreadID int64     `json:"thread_id"`
	WindowID string    `json:"window_id"`
	BoundAt  time.Time `json:"bound_at"`
	Seq      uint64    `json:"seq"`
}

func (b Binding) Topic() Topic { return Topic{UserID: b.UserID, ThreadID: b.ThreadID} }

// AlreadyBoundError is returned by Bind when the topic already has another
// window (Reason "topic") or the window already serves another topic
// (Reason "window").
type AlreadyBoundError struct {
	Reason   string
	Topic    Topic
	WindowID string
	Existing Binding
}

func (e *AlreadyBoundError) Error() string {
	if e.Reason == "window" {
		return fmt.Sprintf("window %s is already bound to topic %d/%d",
			e.WindowID, e.Existing.UserID, e.Existing.ThreadID)
	}
	return fmt.Sprintf("topic %d/%d is already bound to window %s",
		e.Topic.UserID, e.Topic.ThreadID, e.Existing.WindowID)
}

// ReconcileResult lists what changed in the live session map since the
// previous call. Window ids are sorted.
type ReconcileResult struct {
	Added   []string
	Changed []string
	Removed []string
	Unbound []Binding
}

type stateFile struct {
	Bindings      []Binding            `json:"bindings"`
	WindowNames   map[string]string    `json:"window_names,omitempty"`
	GroupChatIDs  map[string]int64     `json:"group_chat_ids,omitempty"`
	UserVerbosity map[string]Verbosity `json:"user_verbosity,omitempty"`
	TopicNames    map[string]string    `json:"topic_names,omitempty"`
	NextSeq       uint64               `json:"next_seq"`
}

// Registry holds bindings and per-topic preferences and persists them to
// state.json after every mutation.
type Registry struct {
	path             string
	defaultVerbosity Verbosity
	defaultChat      int64
	now              func() time.Time

	mu          sync.RWMutex
	bindings    map[Topic]Binding
	windowNames map[string]string
	chatIDs     map[Topic]int64
	verbosity   map[Topic]Verbosity
	topicNames  map[int64]string
	nextSeq     uint64
	live        map[string]WindowEntry
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithDefaultVerbosity(v Verbosity) RegistryOption {
	return func(r *Registry) { r.defaultVerbosity = v }
}

// WithDefaultChat sets the forum group used for topics whose group was
// never seen in an update.
func WithDefaultChat(chatID int64) RegistryOption {
	return func(r *Registry) { r.defaultChat = chatID }
}

func WithNow(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// OpenRegistry loads path. An unreadable file starts an empty registry.
func OpenRegistry(path string, opts ...RegistryOption) *Registry {
	r := &Registry{
		path:             path,
		defaultVerbosity: VerbosityNormal,
		now:              time.Now,
		bindings:         make(map[Topic]Binding),
		windowNames:      make(map[string]string),
		chatIDs:          make(map[Topic]int64),
		verbosity:        make(map[Topic]Verbosity),
		topicNames:       make(map[int64]string),
		live:             make(map[string]WindowEntry),
	}
	for _, o := range opts {
		o(r)
	}

	var f stateFile
	ok, err := state.ReadJSON(path, &f)
	if err != nil {
		sessionLog.Warn("registry_load_failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return r
	}
	if !ok {
		return r
	}
	for _, b := range f.Bindings {
		if !IsWindowID(b.WindowID) {
			continue
		}
		r.bindings[b.Topic()] = b
		if b.Seq >= r.nextSeq {
			r.nextSeq = b.Seq + 1
		}
	}
	if f.NextSeq > r.nextSeq {
		r.nextSeq = f.NextSeq
	}
	for k, v := range f.WindowNames {
		r.windowNames[k] = v
	}
	for k, v := range f.GroupChatIDs {
		if t, ok := parseTopicKey(k); ok {
			r.chatIDs[t] = v
		}
	}
	for k, v := range f.UserVerbosity {
		if t, ok := parseTopicKey(k); ok {
			if lv, err := ParseVerbosity(string(v)); err == nil {
				r.verbosity[t] = lv
			}
		}
	}
	for k, v := range f.TopicNames {
		if id, err := strconv.ParseInt(k, 10, 64); err == nil {
			r.topicNames[id] = v
		}
	}
	sessionLog.Info("registry_loaded",
		slog.String("path", path),
		slog.Int("bindings", len(r.bindings)))
	return r
}

func (r *Registry) flushLocked() error {
	f := stateFile{
		Bindings:      make([]Binding, 0, len(r.bindings)),
		WindowNames:   make(map[string]string, len(r.windowNames)),
		GroupChatIDs:  make(map[string]int64, len(r.chatIDs)),
		UserVerbosity: make(map[string]Verbosity, len(r.verbosity)),
		TopicNames:    make(map[string]string, len(r.topicNames)),
		NextSeq:       r.nextSeq,
	}
	for _, b := range r.bindings {
		f.Bindings = append(f.Bindings, b)
	}
	sortBySeq(f.Bindings)
	for k, v := range r.windowNames {
		f.WindowNames[k] = v
	}
	for t, v := range r.chatIDs {
		f.GroupChatIDs[t.key()] = v
	}
	for t, v := range r.verbosity {
		f.UserVerbosity[t.key()] = v
	}
	for id, v := range r.topicNames {
		f.TopicNames[strconv.FormatInt(id, 10)] = v
	}
	return state.WriteJSONAtomic(r.path, f)
}

func sortBySeq(bs []Binding) {
	sort.Slice(bs, func(i, j int) bool { return bs[i].Seq < bs[j].Seq })
}

// ResolveWindow returns the window bound to a topic.
func (r *Registry) ResolveWindow(userID, threadID int64) (string, bool) {
	if threadID == 0 {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[Topic{userID, threadID}]
	return b.WindowID, ok
}

// ThreadForWindow returns the topic of userID bound to windowID.
func (r *Registry) ThreadForWindow(userID int64, windowID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for t, b := range r.bindings {
		if t.UserID == userID && b.WindowID == windowID {
			return t.ThreadID, true
		}
	}
	return 0, false
}

// TopicsForWindow returns every topic bound to windowID, oldest binding
// first.
func (r *Registry) TopicsForWindow(windowID string) []Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topicsForWindowsLocked(map[string]bool{windowID: true})
}

func (r *Registry) topicsForWindowsLocked(windows map[string]bool) []Topic {
	var bs []Binding
	for _, b := range r.bindings {
		if windows[b.WindowID] {
			bs = append(bs, b)
		}
	}
	sortBySeq(bs)
	out := make([]Topic, len(bs))
	for i, b := range bs {
		out[i] = b.Topic()
	}
	return out
}

// ResolveTopicsForSession returns the topics whose window currently runs
// sessionID, oldest binding first. Callers must handle zero, one or many.
func (r *Registry) ResolveTopicsForSession(sessionID string) []Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	windows := make(map[string]bool)
	for id, e := range r.live {
		if e.SessionID == sessionID {
			windows[id] = true
		}
	}
	if len(windows) == 0 {
		return nil
	}
	return r.topicsForWindowsLocked(windows)
}

// Bind ties a topic to a window and persists the change before returning.
// Rebinding the same pair is a no-op apart from the display name.
func (r *Registry) Bind(userID, threadID int64, windowID, displayName string) error {
	if !IsWindowID(windowID) {
		return fmt.Errorf("bind: %q is not a tmux window id", windowID)
	}
	if threadID == 0 {
		return fmt.Errorf("bind: thread id required")
	}
	t := Topic{userID, threadID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.bindings[t]; ok {
		if cur.WindowID != windowID {
			return &AlreadyBoundError{Reason: "topic", Topic: t, WindowID: windowID, Existing: cur}
		}
		if displayName == "" || r.windowNames[windowID] == displayName {
			return nil
		}
		r.windowNames[windowID] = displayName
		return r.flushLocked()
	}
	for _, b := range r.bindings {
		if b.WindowID == windowID {
			return &AlreadyBoundError{Reason: "window", Topic: t, WindowID: windowID, Existing: b}
		}
	}

	b := Binding{UserID: userID, ThreadID: threadID, WindowID: windowID, BoundAt: r.now(), Seq: r.nextSeq}
	prevName, hadName := r.windowNames[windowID]
	r.bindings[t] = b
	r.nextSeq++
	if displayName != "" {
		r.windowNames[windowID] = displayName
	}
	if err := r.flushLocked(); err != nil {
		delete(r.bindings, t)
		r.nextSeq--
		if hadName {
			r.windowNames[windowID] = prevName
		} else {
			delete(r.windowNames, windowID)
		}
		return fmt.Errorf("bind: persist: %w", err)
	}
	sessionLog.Info("topic_bound",
		slog.Int64("user_id", userID),
		slog.Int64("thread_id", threadID),
		slog.String("window_id", windowID))
	return nil
}

// Unbind removes a topic binding and returns the window it pointed to.
func (r *Registry) Unbind(userID, threadID int64) (string, bool) {
	t := Topic{userID, threadID}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[t]
	if !ok {
		return "", false
	}
	delete(r.bindings, t)
	if err := r.flushLocked(); err != nil {
		sessionLog.Error("registry_flush_failed",
			slog.String("op", "unbind"),
			slog.String("error", err.Error()))
	}
	sessionLog.Info("topic_unbound",
		slog.Int64("user_id", userID),
		slog.Int64("thread_id", threadID),
		slog.String("window_id", b.WindowID))
	return b.WindowID, true
}

// UnbindWindow removes every binding to windowID.
func (r *Registry) UnbindWindow(windowID string) []Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := r.unbindWindowsLocked(map[string]bool{windowID: true})
	if len(removed) > 0 {
		if err := r.flushLocked(); err != nil {
			sessionLog.Error("registry_flush_failed",
				slog.String("op", "unbind_window"),
				slog.String("error", err.Error()))
		}
	}
	return removed
}

func (r *Registry) unbindWindowsLocked(windows map[string]bool) []Binding {
	var removed []Binding
	for t, b := range r.bindings {
		if windows[b.WindowID] {
			removed = append(removed, b)
			delete(r.bindings, t)
		}
	}
	sortBySeq(removed)
	return removed
}

// PruneBindings unbinds every binding whose window fails exists.
func (r *Registry) PruneBindings(exists func(windowID string) bool) []Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	gone := make(map[string]bool)
	for _, b := range r.bindings {
		if !exists(b.WindowID) {
			gone[b.WindowID] = true
		}
	}
	if len(gone) == 0 {
		return nil
	}
	removed := r.unbindWindowsLocked(gone)
	if err := r.flushLocked(); err != nil {
		sessionLog.Error("registry_flush_failed",
			slog.String("op", "prune"),
			slog.String("error", err.Error()))
	}
	return removed
}

// Reconcile compares live with the map seen on the previous call. Windows
// that disappeared lose all their bindings.
func (r *Registry) Reconcile(live map[string]WindowEntry) ReconcileResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res ReconcileResult
	for id, e := range live {
		prev, ok := r.live[id]
		switch {
		case !ok:
			res.Added = append(res.Added, id)
		case prev.SessionID != e.SessionID:
			res.Changed = append(res.Changed, id)
		}
	}
	gone := make(map[string]bool)
	for id := range r.live {
		if _, ok := live[id]; !ok {
			res.Removed = append(res.Removed, id)
			gone[id] = true
		}
	}
	sort.Strings(res.Added)
	sort.Strings(res.Changed)
	sort.Strings(res.Removed)

	next := make(map[string]WindowEntry, len(live))
	for id, e := range live {
		next[id] = e
	}
	r.live = next

	if len(gone) > 0 {
		res.Unbound = r.unbindWindowsLocked(gone)
		if len(res.Unbound) > 0 {
			if err := r.flushLocked(); err != nil {
				sessionLog.Error("registry_flush_failed",
					slog.String("op", "reconcile"),
					slog.String("error", err.Error()))
			}
		}
	}
	return res
}

// LiveEntry returns the session map entry seen for windowID on the last
// Reconcile.
func (r *Registry) LiveEntry(windowID string) (WindowEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.live[windowID]
	return e, ok
}

// IterBindings returns all bindings ordered by user then thread.
func (r *Registry) IterBindings() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ThreadID < out[j].ThreadID
	})
	return out
}

// DisplayName returns the window's display name, or its id when unnamed.
func (r *Registry) DisplayName(windowID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n, ok := r.windowNames[windowID]; ok && n != "" {
		return n
	}
	return windowID
}

func (r *Registry) SetDisplayName(windowID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.windowNames[windowID] == name {
		return nil
	}
	r.windowNames[windowID] = name
	return r.flushLocked()
}

// SetGroupChatID records the group chat a topic lives in.
func (r *Registry) SetGroupChatID(userID, threadID, chatID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := Topic{userID, threadID}
	if cur, ok := r.chatIDs[t]; ok && cur == chatID {
		return nil
	}
	r.chatIDs[t] = chatID
	return r.flushLocked()
}

// ResolveChatID returns the chat to post to for a topic. Without a recorded
// group the default chat is used, and without that the user's private chat.
func (r *Registry) ResolveChatID(userID, threadID int64) int64 {
	if threadID == 0 {
		return userID
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.chatIDs[Topic{userID, threadID}]; ok {
		return id
	}
	if r.defaultChat != 0 {
		return r.defaultChat
	}
	return userID
}

func (r *Registry) Verbosity(userID, threadID int64) Verbosity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.verbosity[Topic{userID, threadID}]; ok {
		return v
	}
	return r.defaultVerbosity
}

func (r *Registry) SetVerbosity(userID, threadID int64, level string) error {
	v, err := ParseVerbosity(level)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verbosity[Topic{userID, threadID}] = v
	return r.flushLocked()
}

func (r *Registry) TopicName(threadID int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.topicNames[threadID]
	return n, ok
}

func (r *Registry) SetTopicName(threadID int64, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.topicNames[threadID] == name {
		return nil
	}
	r.topicNames[threadID] = name
	return r.flushLocked()
}
