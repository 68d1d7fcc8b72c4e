package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/topicdeck/internal/session"
	"github.com/asheshgoplani/topicdeck/internal/statedb"
	"github.com/asheshgoplani/topicdeck/internal/telegram"
	"github.com/asheshgoplani/topicdeck/internal/tmux"
)

type keyCall struct {
	window string
	text   string
	enter  bool
}

type fakePanes struct {
	mu      sync.Mutex
	windows []tmux.Window
	pane    string
	keys    []keyCall
	special []string
	killed  []string
	created []tmux.Window
}

func (f *fakePanes) ListWindows(context.Context) ([]tmux.Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tmux.Window(nil), f.windows...), nil
}

func (f *fakePanes) FindWindowByID(_ context.Context, id string) (tmux.Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.windows {
		if w.ID == id {
			return w, nil
		}
	}
	return tmux.Window{}, fmt.Errorf("%w: %s", tmux.ErrWindowNotFound, id)
}

func (f *fakePanes) CreateWindow(_ context.Context, name, cwd, _ string) (tmux.Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := tmux.Window{ID: fmt.Sprintf("@%d", 10+len(f.created)), Name: name, CWD: cwd}
	f.created = append(f.created, w)
	f.windows = append(f.windows, w)
	return w, nil
}

func (f *fakePanes) KillWindow(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return nil
}

func (f *fakePanes) SendKeys(_ context.Context, id, text string, enter bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, keyCall{id, text, enter})
	return nil
}

func (f *fakePanes) SendKey(_ context.Context, id, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.special = append(f.special, id+":"+key)
	return nil
}

func (f *fakePanes) CapturePane(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pane, nil
}

type sent struct {
	chatID int64
	thread int64
	text   string
	file   string
}

type fakeChat struct {
	mu   sync.Mutex
	sent []sent
}

func (c *fakeChat) Send(_ context.Context, chatID, threadID int64, text string, _ bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sent{chatID: chatID, thread: threadID, text: text})
	return len(c.sent), nil
}

func (c *fakeChat) SendDocument(_ context.Context, chatID, threadID int64, filename string, data []byte, _ string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sent{chatID: chatID, thread: threadID, text: string(data), file: filename})
	return len(c.sent), nil
}

func (c *fakeChat) last() sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return sent{}
	}
	return c.sent[len(c.sent)-1]
}

type fakeTopics struct{ cleared []session.Topic }

func (f *fakeTopics) ClearTopic(userID, threadID int64) {
	f.cleared = append(f.cleared, session.Topic{UserID: userID, ThreadID: threadID})
}

type fakeHistory struct {
	rows      []statedb.MessageRow
	forgotten []int64
}

func (f *fakeHistory) RecentMessages(_, _ int64, _ int) ([]statedb.MessageRow, error) {
	return f.rows, nil
}

func (f *fakeHistory) ForgetTopic(_, threadID int64) error {
	f.forgotten = append(f.forgotten, threadID)
	return nil
}

type fakeHealth struct{ cleared []string }

func (f *fakeHealth) ClearWindowHealth(id string) { f.cleared = append(f.cleared, id) }

const (
	testUser   = int64(42)
	testThread = int64(7)
	testGroup  = int64(-1001)
)

type env struct {
	reg     *session.Registry
	panes   *fakePanes
	chat    *fakeChat
	topics  *fakeTopics
	history *fakeHistory
	health  *fakeHealth
	slept   []time.Duration
	h       *Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		reg: session.OpenRegistry(filepath.Join(t.TempDir(), "state.json")),
		panes: &fakePanes{windows: []tmux.Window{
			{ID: "@1", Name: "api-server", CWD: "/src/api"},
			{ID: "@2", Name: "web-frontend", CWD: "/src/web"},
		}},
		chat:    &fakeChat{},
		topics:  &fakeTopics{},
		history: &fakeHistory{},
		health:  &fakeHealth{},
	}
	e.h = New(Config{Allowed: func(id int64) bool { return id == testUser }},
		e.reg, e.panes, e.chat, e.topics,
		WithHistory(e.history), WithWindowHealth(e.health))
	e.h.sleep = func(_ context.Context, d time.Duration) error {
		e.slept = append(e.slept, d)
		return nil
	}
	return e
}

func (e *env) send(text string) {
	e.h.HandleUpdate(context.Background(), telegram.Update{Message: &telegram.Message{
		MessageThreadID: testThread,
		Chat:            &telegram.Chat{ID: testGroup, Type: "supergroup", IsForum: true},
		From:            &telegram.User{ID: testUser},
		Text:            text,
	}})
}

func TestForwardTypesIntoBoundWindow(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.reg.Bind(testUser, testThread, "@1", "api-server"))

	e.send("fix the failing test")

	require.Len(t, e.panes.keys, 1)
	assert.Equal(t, keyCall{"@1", "fix the failing test", true}, e.panes.keys[0])
	assert.Equal(t, []string{"@1"}, e.health.cleared)
	assert.Equal(t, testGroup, e.reg.ResolveChatID(testUser, testThread))
	assert.Empty(t, e.chat.sent)
}

func TestForwardBashMode(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.reg.Bind(testUser, testThread, "@1", ""))

	e.send("!git status")

	require.Len(t, e.panes.keys, 2)
	assert.Equal(t, keyCall{"@1", "!", false}, e.panes.keys[0])
	assert.Equal(t, keyCall{"@1", "git status", true}, e.panes.keys[1])
	assert.Equal(t, []time.Duration{bashModeGap}, e.slept)
}

func TestUnboundTopicGetsHelp(t *testing.T) {
	e := newEnv(t)
	e.send("hello")

	assert.Empty(t, e.panes.keys)
	last := e.chat.last()
	assert.Equal(t, testGroup, last.chatID)
	assert.Equal(t, testThread, last.thread)
	assert.Contains(t, last.text, "/new <dir>")
}

func TestVanishedWindowIsUnbound(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.reg.Bind(testUser, testThread, "@9", "gone"))

	e.send("are you there?")

	_, ok := e.reg.ResolveWindow(testUser, testThread)
	assert.False(t, ok)
	assert.Equal(t, []session.Topic{{UserID: testUser, ThreadID: testThread}}, e.topics.cleared)
	assert.Contains(t, e.chat.last().text, "gone")
}

func TestBotsAndStrangersIgnored(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.reg.Bind(testUser, testThread, "@1", ""))

	for _, from := range []*telegram.User{{ID: 99}, {ID: testUser, IsBot: true}, nil} {
		e.h.HandleUpdate(context.Background(), telegram.Update{Message: &telegram.Message{
			MessageThreadID: testThread,
			Chat:            &telegram.Chat{ID: testGroup, Type: "supergroup"},
			From:            from,
			Text:            "hi",
		}})
	}
	assert.Empty(t, e.panes.keys)
	assert.Empty(t, e.chat.sent)
}

func TestUnknownSlashCommandPassesThrough(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.reg.Bind(testUser, testThread, "@1", ""))

	e.send("/compact")

	require.Len(t, e.panes.keys, 1)
	assert.Equal(t, "/compact", e.panes.keys[0].text)
}

func TestParseCommand(t *testing.T) {
	cmd, args := parseCommand("/Bind@topicdeck_bot  api ")
	assert.Equal(t, "bind", cmd)
	assert.Equal(t, "api", args)

	cmd, args = parseCommand("/esc")
	assert.Equal(t, "esc", cmd)
	assert.Empty(t, args)
}

func TestBindListsAndMatches(t *testing.T) {
	e := newEnv(t)

	e.send("/bind")
	list := e.chat.last().text
	assert.Contains(t, list, "api-server")
	assert.Contains(t, list, "web-frontend")

	e.send("/bind front")
	w, ok := e.reg.ResolveWindow(testUser, testThread)
	require.True(t, ok)
	assert.Equal(t, "@2", w)
	assert.Contains(t, e.chat.last().text, "web-frontend")
}

func TestBindSkipsWindowsOfOtherTopics(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.reg.Bind(testUser, 8, "@1", "api-server"))

	e.send("/bind api-server")

	_, ok := e.reg.ResolveWindow(testUser, testThread)
	assert.False(t, ok)
	assert.Contains(t, e.chat.last().text, "No unbound window")
}

func TestBindOnBoundTopic(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.reg.Bind(testUser, testThread, "@1", "api-server"))

	e.send("/bind web")

	w, _ := e.reg.ResolveWindow(testUser, testThread)
	assert.Equal(t, "@1", w)
	assert.Contains(t, e.chat.last().text, "/unbind")
}

func TestUnbindKeepsWindow(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.reg.Bind(testUser, testThread, "@1", "api-server"))

	e.send("/unbind")

	_, ok := e.reg.ResolveWindow(testUser, testThread)
	assert.False(t, ok)
	assert.Empty(t, e.panes.killed)
	assert.Len(t, e.topics.cleared, 1)
}

func TestNewStartsSessionNamedAfterTopic(t *testing.T) {
	e := newEnv(t)
	dir := t.TempDir()
	e.h.HandleUpdate(context.Background(), telegram.Update{Message: &telegram.Message{
		MessageThreadID:   testThread,
		Chat:              &telegram.Chat{ID: testGroup, Type: "supergroup", IsForum: true},
		From:              &telegram.User{ID: testUser},
		ForumTopicCreated: &telegram.ForumTopic{Name: "billing"},
	}})

	e.send("/new " + dir)

	require.Len(t, e.panes.created, 1)
	created := e.panes.created[0]
	assert.Equal(t, "billing", created.Name)
	assert.Equal(t, dir, created.CWD)
	w, ok := e.reg.ResolveWindow(testUser, testThread)
	require.True(t, ok)
	assert.Equal(t, created.ID, w)
	assert.Contains(t, e.health.cleared, created.ID)
}

func TestNewRejectsFile(t *testing.T) {
	e := newEnv(t)
	file := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	e.send("/new " + file)

	assert.Empty(t, e.panes.created)
	assert.Contains(t, e.chat.last().text, "not a directory")
}

func TestVerbosityCommand(t *testing.T) {
	e := newEnv(t)

	e.send("/verbosity quiet")
	assert.Equal(t, session.VerbosityQuiet, e.reg.Verbosity(testUser, testThread))

	e.send("/verbosity")
	assert.Contains(t, e.chat.last().text, "quiet")

	e.send("/verbosity loud")
	assert.Equal(t, session.VerbosityQuiet, e.reg.Verbosity(testUser, testThread))
}

func TestEscSendsEscape(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.reg.Bind(testUser, testThread, "@1", ""))

	e.send("/esc")

	assert.Equal(t, []string{"@1:Escape"}, e.panes.special)
	assert.Equal(t, []string{"@1"}, e.health.cleared)
}

func TestScreenshot(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.reg.Bind(testUser, testThread, "@1", ""))

	e.panes.pane = "❯ hello\n\n"
	e.send("/screenshot")
	assert.Equal(t, "```\n❯ hello\n```", e.chat.last().text)

	e.panes.pane = strings.Repeat("line of output\n", 400)
	e.send("/screenshot")
	last := e.chat.last()
	assert.Equal(t, "api-server.txt", last.file)
	assert.True(t, strings.HasPrefix(last.text, "line of output"))
}

func TestHistoryFromCache(t *testing.T) {
	e := newEnv(t)
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	e.history.rows = []statedb.MessageRow{
		{Kind: "text", Text: "first answer", SentAt: at},
		{Kind: "text", Text: "second answer", SentAt: at.Add(time.Minute)},
	}

	e.send("/history")

	last := e.chat.last().text
	assert.Contains(t, last, "second answer")
	assert.Contains(t, last, "1/1")

	e.history.rows = nil
	e.send("/history")
	assert.Contains(t, e.chat.last().text, "No history")
}

func TestForumTopicClosedKillsWindow(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.reg.Bind(testUser, testThread, "@1", ""))

	e.h.HandleUpdate(context.Background(), telegram.Update{Message: &telegram.Message{
		MessageThreadID:  testThread,
		Chat:             &telegram.Chat{ID: testGroup, Type: "supergroup", IsForum: true},
		From:             &telegram.User{ID: testUser},
		ForumTopicClosed: &struct{}{},
	}})

	_, ok := e.reg.ResolveWindow(testUser, testThread)
	assert.False(t, ok)
	assert.Equal(t, []string{"@1"}, e.panes.killed)
	assert.Equal(t, []int64{testThread}, e.history.forgotten)
}

func TestFuzzyFindWindows(t *testing.T) {
	windows := []tmux.Window{
		{ID: "@1", Name: "api"},
		{ID: "@2", Name: "api-server"},
		{ID: "@3", Name: "web"},
	}

	got := FuzzyFindWindows(windows, "API")
	require.NotEmpty(t, got)
	assert.Equal(t, "@1", got[0].ID)
	assert.Len(t, got, 2)

	got = FuzzyFindWindows(windows, "@3")
	require.NotEmpty(t, got)
	assert.Equal(t, "web", got[0].Name)

	assert.Empty(t, FuzzyFindWindows(windows, "zzz"))
	assert.Len(t, FuzzyFindWindows(windows, " "), 3)
}
