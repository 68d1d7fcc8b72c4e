// Package monitor tails the transcripts of every tracked Claude Code session
// and feeds new events to the dispatch queue. It also runs the status poller
// that watches tmux panes for spinners, modal prompts and frozen sessions.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/asheshgoplani/topicdeck/internal/dispatch"
	"github.com/asheshgoplani/topicdeck/internal/logging"
	"github.com/asheshgoplani/topicdeck/internal/session"
	"github.com/asheshgoplani/topicdeck/internal/state"
	"github.com/asheshgoplani/topicdeck/internal/transcript"
)

var monitorLog = logging.ForComponent(logging.CompMonitor)

const DefaultPollInterval = 2 * time.Second

// Phase is where a window's session is in the tracking lifecycle.
type Phase string

const (
	PhaseUnseen         Phase = "unseen"
	PhaseTracked        Phase = "tracked"
	PhaseStale          Phase = "stale"
	PhaseSessionChanged Phase = "session_changed"
)

// TrackedSession is the monitor's view of one window's transcript.
type TrackedSession struct {
	WindowID       string
	SessionID      string
	TranscriptPath string
	Offset         int64

	// State carries the pending tool invocations between cycles.
	State transcript.State

	phase Phase
	key   string
	size  int64
	mtime time.Time
}

// Sink receives outbound work. *dispatch.Queue implements it.
type Sink interface {
	Enqueue(t dispatch.Task)
	ClearTopic(userID, threadID int64)
}

// PendingStore persists parser state across restarts. *statedb.StateDB
// implements it.
type PendingStore interface {
	SavePending(sessionKey string, data []byte) error
	LoadPending(sessionKey string) ([]byte, error)
	DeletePending(sessionKey string) error
	PendingKeys() ([]string, error)
}

type Config struct {
	SessionMapPath string
	TmuxSession    string
	ProjectsPath   string
	PollInterval   time.Duration
}

type Option func(*Monitor)

func WithClock(c Clock) Option { return func(m *Monitor) { m.clock = c } }

func WithPendingStore(p PendingStore) Option { return func(m *Monitor) { m.pending = p } }

// Monitor runs the transcript poll loop. RunOnce is one cycle; Run loops it.
type Monitor struct {
	cfg      Config
	clock    Clock
	registry *session.Registry
	offsets  *state.OffsetStore
	pending  PendingStore
	sink     Sink

	mu       sync.Mutex
	sessions map[string]*TrackedSession
	started  bool

	kick chan struct{}
}

func New(cfg Config, reg *session.Registry, offsets *state.OffsetStore, sink Sink, opts ...Option) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	m := &Monitor{
		cfg:      cfg,
		clock:    RealClock,
		registry: reg,
		offsets:  offsets,
		sink:     sink,
		sessions: make(map[string]*TrackedSession),
		kick:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Kick asks Run to start the next cycle now.
func (m *Monitor) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	monitorLog.Info("monitor_started",
		slog.Duration("interval", m.cfg.PollInterval),
		slog.String("tmux_session", m.cfg.TmuxSession))
	for {
		if err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			monitorLog.Warn("cycle_failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-m.clock.After(m.cfg.PollInterval):
		case <-m.kick:
		}
	}
}

// Tracked returns a copy of the tracked session for windowID.
func (m *Monitor) Tracked(windowID string) (TrackedSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.sessions[windowID]
	if !ok {
		return TrackedSession{}, false
	}
	out := *ts
	out.State = ts.State.Clone()
	return out, true
}

// RunOnce performs one poll cycle: reconcile, read changed transcripts,
// enqueue their events and persist offsets.
func (m *Monitor) RunOnce(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := session.LoadSessionMap(m.cfg.SessionMapPath, m.cfg.TmuxSession)
	if !m.started {
		m.cleanupLocked(live)
		m.started = true
	}

	res := m.registry.Reconcile(live)
	for _, b := range res.Unbound {
		m.sink.ClearTopic(b.UserID, b.ThreadID)
		monitorLog.Info("binding_dropped_window_gone",
			slog.Int64("user_id", b.UserID),
			slog.Int64("thread_id", b.ThreadID),
			slog.String("window_id", b.WindowID))
	}

	for id, ts := range m.sessions {
		e, ok := live[id]
		switch {
		case !ok:
			m.dropLocked(ts, PhaseStale)
		case e.SessionID != ts.SessionID:
			m.dropLocked(ts, PhaseSessionChanged)
		}
	}

	ids := make([]string, 0, len(live))
	for id := range live {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var parsed int
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ts, ok := m.sessions[id]
		if !ok {
			ts = m.trackLocked(id, live[id])
			if ts == nil {
				continue
			}
		}
		parsed += m.pollLocked(ts)
	}
	if parsed > 0 {
		logging.Aggregate(logging.CompMonitor, "events_parsed", slog.Int("count", parsed))
	}
	return nil
}

// cleanupLocked discards offsets and parser state of windows that are no
// longer in the session map.
func (m *Monitor) cleanupLocked(live map[string]session.WindowEntry) {
	keep := func(key string) bool {
		_, ok := live[state.WindowFromKey(key)]
		return ok
	}
	removed, err := m.offsets.Prune(keep)
	if err != nil {
		monitorLog.Warn("offset_prune_failed", slog.String("error", err.Error()))
	}
	if len(removed) > 0 {
		monitorLog.Info("startup_offsets_pruned", slog.Int("count", len(removed)))
	}
	if m.pending == nil {
		return
	}
	keys, err := m.pending.PendingKeys()
	if err != nil {
		monitorLog.Warn("pending_keys_failed", slog.String("error", err.Error()))
		return
	}
	for _, k := range keys {
		if !keep(k) {
			_ = m.pending.DeletePending(k)
		}
	}
}

func (m *Monitor) dropLocked(ts *TrackedSession, why Phase) {
	monitorLog.Info("session_transition",
		slog.String("window_id", ts.WindowID),
		slog.String("session_id", ts.SessionID),
		slog.String("from", string(ts.phase)),
		slog.String("to", string(why)))
	if err := m.offsets.Delete(ts.key); err != nil {
		monitorLog.Warn("offset_delete_failed",
			slog.String("key", ts.key),
			slog.String("error", err.Error()))
	}
	if m.pending != nil {
		_ = m.pending.DeletePending(ts.key)
	}
	delete(m.sessions, ts.WindowID)
}

func (m *Monitor) trackLocked(windowID string, e session.WindowEntry) *TrackedSession {
	path := m.transcriptPath(e)
	if path == "" {
		monitorLog.Debug("transcript_unknown",
			slog.String("window_id", windowID),
			slog.String("session_id", e.SessionID))
		return nil
	}
	key := state.SessionKey(windowID, path)
	ts := &TrackedSession{
		WindowID:       windowID,
		SessionID:      e.SessionID,
		TranscriptPath: path,
		key:            key,
		phase:          PhaseTracked,
	}

	if m.offsets.Has(key) {
		ts.Offset = m.offsets.Get(key)
		ts.State = m.loadState(key)
	} else if fi, err := os.Stat(path); err == nil {
		// First sight of a session that already has history: start at the
		// end instead of replaying it into the chat.
		ts.Offset = fi.Size()
		if err := m.offsets.Set(key, ts.Offset); err != nil {
			monitorLog.Warn("offset_save_failed", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
	m.sessions[windowID] = ts

	monitorLog.Info("session_transition",
		slog.String("window_id", windowID),
		slog.String("session_id", e.SessionID),
		slog.String("from", string(PhaseUnseen)),
		slog.String("to", string(PhaseTracked)),
		slog.Int64("offset", ts.Offset))
	return ts
}

func (m *Monitor) loadState(key string) transcript.State {
	if m.pending == nil {
		return transcript.State{}
	}
	data, err := m.pending.LoadPending(key)
	if err != nil || data == nil {
		return transcript.State{}
	}
	var st transcript.State
	if err := json.Unmarshal(data, &st); err != nil {
		monitorLog.Warn("pending_corrupt", slog.String("key", key), slog.String("error", err.Error()))
		return transcript.State{}
	}
	return st
}

func (m *Monitor) saveStateLocked(ts *TrackedSession) {
	if m.pending == nil {
		return
	}
	data, err := json.Marshal(ts.State)
	if err == nil {
		err = m.pending.SavePending(ts.key, data)
	}
	if err != nil {
		monitorLog.Warn("pending_save_failed", slog.String("key", ts.key), slog.String("error", err.Error()))
	}
}

// pollLocked reads ts if its file changed and returns the number of events.
func (m *Monitor) pollLocked(ts *TrackedSession) int {
	fi, err := os.Stat(ts.TranscriptPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			monitorLog.Warn("transcript_stat_failed",
				slog.String("path", ts.TranscriptPath),
				slog.String("error", err.Error()))
		}
		return 0
	}
	size := fi.Size()
	if size == ts.size && fi.ModTime().Equal(ts.mtime) {
		return 0
	}

	if size < ts.Offset || m.offsets.IsTruncated(ts.key, size) {
		monitorLog.Warn("transcript_truncated",
			slog.String("window_id", ts.WindowID),
			slog.Int64("size", size),
			slog.Int64("offset", ts.Offset))
		ts.Offset = 0
		ts.State = transcript.State{}
	}

	events, next, st, err := transcript.ParseNewEntries(ts.TranscriptPath, ts.Offset, ts.State)
	if err != nil {
		monitorLog.Warn("transcript_read_failed",
			slog.String("path", ts.TranscriptPath),
			slog.String("error", err.Error()))
		return 0
	}

	m.deliverLocked(ts, events)

	ts.State = st
	ts.size = size
	ts.mtime = fi.ModTime()
	if next != ts.Offset || !m.offsets.Has(ts.key) {
		ts.Offset = next
		if err := m.offsets.Set(ts.key, next); err != nil {
			monitorLog.Warn("offset_save_failed", slog.String("key", ts.key), slog.String("error", err.Error()))
		}
	}
	if len(events) > 0 {
		m.saveStateLocked(ts)
	}
	return len(events)
}

func (m *Monitor) deliverLocked(ts *TrackedSession, events []transcript.Event) {
	if len(events) == 0 {
		return
	}
	topics := m.registry.ResolveTopicsForSession(ts.SessionID)
	if len(topics) == 0 {
		return
	}
	for _, ev := range events {
		if ev.NoNotify {
			continue
		}
		text := ev.Text
		if ev.Kind == transcript.EventToolResult {
			if text == "" {
				continue
			}
			if ev.Paired && ev.Summary != "" {
				text = ev.Summary + "\n" + text
			}
		}
		if ev.Kind == transcript.EventLocalCommand && ev.ToolName != "" {
			text = "❯ " + ev.ToolName + "\n" + text
		}

		for i, tp := range topics {
			if !m.registry.Verbosity(tp.UserID, tp.ThreadID).Allows(ev.Kind, ev.Role) {
				continue
			}
			parts := dispatch.BuildParts(text, ev.Kind, ev.Role)
			if len(parts) == 0 {
				continue
			}
			task := dispatch.Task{
				Kind:        dispatch.KindContent,
				UserID:      tp.UserID,
				ThreadID:    tp.ThreadID,
				WindowID:    ts.WindowID,
				Parts:       parts,
				ContentType: ev.Kind,
				ToolUseID:   ev.ToolUseID,
				Silent:      ev.Kind != transcript.EventText,
			}
			// Message ids stored in pending belong to the oldest topic.
			if i == 0 {
				task.EditMessageID = ev.EditMessageID
			}
			m.sink.Enqueue(task)
		}
	}
}

// RecordToolMessage stores where a tool call was announced so the result
// can edit it, even after a restart. Only the oldest topic's message is
// kept.
func (m *Monitor) RecordToolMessage(tm dispatch.ToolMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.sessions[tm.WindowID]
	if !ok {
		return
	}
	topics := m.registry.ResolveTopicsForSession(ts.SessionID)
	if len(topics) == 0 || topics[0].UserID != tm.UserID || topics[0].ThreadID != tm.ThreadID {
		return
	}
	if ts.State.Pending.SetMessageID(tm.ToolUseID, tm.MessageID) {
		m.saveStateLocked(ts)
	}
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]`)

// projectDirName is how Claude Code names a project directory after its cwd.
func projectDirName(cwd string) string {
	return nonAlnum.ReplaceAllString(cwd, "-")
}

func (m *Monitor) transcriptPath(e session.WindowEntry) string {
	if e.TranscriptPath != "" {
		return e.TranscriptPath
	}
	if e.SessionID == "" {
		return ""
	}
	name := e.SessionID + ".jsonl"
	if e.CWD != "" {
		p := filepath.Join(m.cfg.ProjectsPath, projectDirName(e.CWD), name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	matches, _ := filepath.Glob(filepath.Join(m.cfg.ProjectsPath, "*", name))
	if len(matches) > 0 {
		return matches[0]
	}
	if e.CWD != "" {
		return filepath.Join(m.cfg.ProjectsPath, projectDirName(e.CWD), name)
	}
	return ""
}
