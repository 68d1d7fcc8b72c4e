// Package tmux drives the tmux server that hosts the agent windows. Every
// operation except CreateWindow addresses a window by its stable "@N" id,
// never by its display name.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/asheshgoplani/topicdeck/internal/logging"
)

var tmuxLog = logging.ForComponent(logging.CompTmux)

var (
	// ErrCaptureTimeout is returned when capture-pane exceeds its timeout.
	// Callers should keep their previous view of the pane.
	ErrCaptureTimeout = errors.New("capture-pane timed out")

	// ErrWindowNotFound is returned when a window id does not exist.
	ErrWindowNotFound = errors.New("tmux window not found")

	// ErrNoServer is returned when no tmux server is reachable.
	ErrNoServer = errors.New("no tmux server running")
)

const (
	captureTimeout  = 3 * time.Second
	captureCacheTTL = 500 * time.Millisecond
	enterDelay      = 100 * time.Millisecond
	chunkSize       = 4096
	chunkDelay      = 50 * time.Millisecond
)

// Runner executes one tmux command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	out, err := cmd.Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && len(ee.Stderr) > 0 {
			return out, fmt.Errorf("%s: %w", strings.TrimSpace(string(ee.Stderr)), err)
		}
		return out, err
	}
	return out, nil
}

// classify maps tmux's stderr phrasing onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "no server running"),
		strings.Contains(msg, "error connecting to"):
		return fmt.Errorf("%w: %v", ErrNoServer, err)
	case strings.Contains(msg, "can't find window"),
		strings.Contains(msg, "can't find pane"),
		strings.Contains(msg, "no such window"):
		return fmt.Errorf("%w: %v", ErrWindowNotFound, err)
	}
	return err
}

// Window is one tmux window of the managed session.
type Window struct {
	ID   string // "@12"
	Name string
	CWD  string
}

type capture struct {
	content string
	at      time.Time
}

// Manager wraps one tmux session. It is safe for concurrent use.
type Manager struct {
	session    string
	mainWindow string
	run        Runner
	now        func() time.Time

	captureSf singleflight.Group
	cacheMu   sync.RWMutex
	cache     map[string]capture

	gate *failureGate
}

// Option configures a Manager.
type Option func(*Manager)

// WithRunner replaces the tmux binary, mainly for tests.
func WithRunner(r Runner) Option { return func(m *Manager) { m.run = r } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager returns a Manager for the named tmux session. mainWindow is the
// placeholder window that keeps the session alive; it is never listed.
func NewManager(session, mainWindow string, opts ...Option) *Manager {
	m := &Manager{
		session:    session,
		mainWindow: mainWindow,
		run:        execRunner{},
		now:        time.Now,
		cache:      make(map[string]capture),
	}
	for _, o := range opts {
		o(m)
	}
	m.gate = newFailureGate(time.Minute, m.now)
	return m
}

// SessionName returns the tmux session this manager drives.
func (m *Manager) SessionName() string { return m.session }

func (m *Manager) tmux(ctx context.Context, op string, args ...string) ([]byte, error) {
	out, err := m.run.Run(ctx, args...)
	err = classify(err)
	if err != nil {
		if suppressed, ok := m.gate.Allow(op, err); ok {
			attrs := []any{slog.String("op", op), slog.String("error", err.Error())}
			if suppressed > 0 {
				attrs = append(attrs, slog.Int("suppressed", suppressed))
			}
			tmuxLog.Warn("tmux_command_failed", attrs...)
		}
		return out, err
	}
	m.gate.Reset(op)
	return out, nil
}

// IsAvailable checks that the tmux binary can be run.
func IsAvailable() error {
	out, err := exec.Command("tmux", "-V").CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux not found or not executable: %w (output: %s)", err, string(out))
	}
	return nil
}

// EnsureSession creates the managed session with its main window when it
// does not exist yet.
func (m *Manager) EnsureSession(ctx context.Context) error {
	if _, err := m.run.Run(ctx, "has-session", "-t", "="+m.session); err == nil {
		return nil
	}
	if _, err := m.tmux(ctx, "new_session", "new-session", "-d", "-s", m.session, "-n", m.mainWindow); err != nil {
		return fmt.Errorf("create tmux session %s: %w", m.session, err)
	}
	tmuxLog.Info("tmux_session_created", slog.String("session", m.session))
	return nil
}

const windowFormat = "#{window_id}\t#{window_name}\t#{pane_current_path}"

func parseWindows(out []byte) []Window {
	var windows []Window
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) < 2 {
			continue
		}
		w := Window{ID: parts[0], Name: parts[1]}
		if len(parts) == 3 {
			w.CWD = parts[2]
		}
		windows = append(windows, w)
	}
	return windows
}

// ListWindows returns the session's windows except the main window. A
// missing session is an empty list; a missing server is ErrNoServer.
func (m *Manager) ListWindows(ctx context.Context) ([]Window, error) {
	out, err := m.tmux(ctx, "list_windows", "list-windows", "-t", "="+m.session, "-F", windowFormat)
	if err != nil {
		if strings.Contains(err.Error(), "can't find session") {
			return nil, nil
		}
		return nil, err
	}
	all := parseWindows(out)
	windows := all[:0]
	for _, w := range all {
		if w.Name != m.mainWindow {
			windows = append(windows, w)
		}
	}
	return windows, nil
}

// FindWindowByID looks a window up by its "@N" id.
func (m *Manager) FindWindowByID(ctx context.Context, id string) (Window, error) {
	windows, err := m.ListWindows(ctx)
	if err != nil {
		return Window{}, err
	}
	for _, w := range windows {
		if w.ID == id {
			return w, nil
		}
	}
	return Window{}, fmt.Errorf("%w: %s", ErrWindowNotFound, id)
}

// FindWindowByName returns the first window with the given display name.
func (m *Manager) FindWindowByName(ctx context.Context, name string) (Window, error) {
	windows, err := m.ListWindows(ctx)
	if err != nil {
		return Window{}, err
	}
	for _, w := range windows {
		if w.Name == name {
			return w, nil
		}
	}
	return Window{}, fmt.Errorf("%w: %s", ErrWindowNotFound, name)
}

// uniqueName appends -2, -3, ... until name is unused.
func uniqueName(name string, taken map[string]bool) string {
	if !taken[name] {
		return name
	}
	for i := 2; ; i++ {
		candidate := name + "-" + strconv.Itoa(i)
		if !taken[candidate] {
			return candidate
		}
	}
}

// CreateWindow opens a window named name in cwd running command. When the
// name is taken the new window gets a numeric suffix.
func (m *Manager) CreateWindow(ctx context.Context, name, cwd, command string) (Window, error) {
	if err := m.EnsureSession(ctx); err != nil {
		return Window{}, err
	}
	windows, err := m.ListWindows(ctx)
	if err != nil {
		return Window{}, err
	}
	taken := map[string]bool{m.mainWindow: true}
	for _, w := range windows {
		taken[w.Name] = true
	}
	name = uniqueName(sanitizeName(name), taken)

	args := []string{"new-window", "-d", "-t", m.session + ":", "-n", name, "-P", "-F", "#{window_id}"}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	out, err := m.tmux(ctx, "new_window", args...)
	if err != nil {
		return Window{}, fmt.Errorf("create window %s: %w", name, err)
	}
	w := Window{ID: strings.TrimSpace(string(out)), Name: name, CWD: cwd}

	// Keep the name stable; shells and agents like to retitle windows.
	_, _ = m.tmux(ctx, "set_option", "set-option", "-w", "-t", w.ID, "automatic-rename", "off")

	if command != "" {
		if err := m.SendKeys(ctx, w.ID, command, true); err != nil {
			return w, fmt.Errorf("start %q in %s: %w", command, w.ID, err)
		}
	}
	tmuxLog.Info("tmux_window_created",
		slog.String("window_id", w.ID),
		slog.String("name", name),
		slog.String("cwd", cwd))
	return w, nil
}

var unsafeNameChars = strings.NewReplacer(":", "-", ".", "-", "\t", " ", "\n", " ")

func sanitizeName(name string) string {
	name = strings.TrimSpace(unsafeNameChars.Replace(name))
	if name == "" {
		return "window"
	}
	return name
}

// KillWindow closes a window. Killing a window that is already gone is not
// an error.
func (m *Manager) KillWindow(ctx context.Context, id string) error {
	m.invalidate(id)
	if _, err := m.tmux(ctx, "kill_window", "kill-window", "-t", id); err != nil {
		if errors.Is(err, ErrWindowNotFound) {
			return nil
		}
		return err
	}
	tmuxLog.Info("tmux_window_killed", slog.String("window_id", id))
	return nil
}

// SendKeys types text literally into the window, optionally followed by
// Enter. Long text is sent in newline-aligned chunks.
func (m *Manager) SendKeys(ctx context.Context, id, text string, enter bool) error {
	m.invalidate(id)
	chunks := splitIntoChunks(text, chunkSize)
	for i, chunk := range chunks {
		if _, err := m.tmux(ctx, "send_keys", "send-keys", "-l", "-t", id, "--", chunk); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if i < len(chunks)-1 {
			if err := sleep(ctx, chunkDelay); err != nil {
				return err
			}
		}
	}
	if !enter {
		return nil
	}
	// tmux 3.2+ wraps -l input in bracketed paste; an Enter in the same
	// buffer is swallowed by the paste handler.
	if len(chunks) > 0 {
		if err := sleep(ctx, enterDelay); err != nil {
			return err
		}
	}
	return m.SendKey(ctx, id, "Enter")
}

// SendKey sends one tmux key name such as "Escape", "Up" or "C-c".
func (m *Manager) SendKey(ctx context.Context, id, key string) error {
	m.invalidate(id)
	_, err := m.tmux(ctx, "send_keys", "send-keys", "-t", id, key)
	return err
}

// CapturePane returns the visible pane text. Concurrent callers for the
// same window share one tmux invocation, and results younger than 500ms are
// served from cache.
func (m *Manager) CapturePane(ctx context.Context, id string) (string, error) {
	if c, ok := m.cached(id); ok {
		return c, nil
	}
	v, err, _ := m.captureSf.Do(id, func() (interface{}, error) {
		if c, ok := m.cached(id); ok {
			return c, nil
		}
		cctx, cancel := context.WithTimeout(ctx, captureTimeout)
		defer cancel()
		out, err := m.tmux(cctx, "capture_pane", "capture-pane", "-p", "-J", "-t", id)
		if err != nil {
			if errors.Is(cctx.Err(), context.DeadlineExceeded) {
				return "", ErrCaptureTimeout
			}
			return "", fmt.Errorf("capture pane %s: %w", id, err)
		}
		content := string(out)
		m.cacheMu.Lock()
		m.cache[id] = capture{content: content, at: m.now()}
		m.cacheMu.Unlock()
		return content, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) cached(id string) (string, bool) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	c, ok := m.cache[id]
	if !ok || m.now().Sub(c.at) >= captureCacheTTL {
		return "", false
	}
	return c.content, true
}

func (m *Manager) invalidate(id string) {
	m.cacheMu.Lock()
	delete(m.cache, id)
	m.cacheMu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// splitIntoChunks splits content into chunks of at most maxSize bytes,
// preferring newline boundaries. A single over-long line is split at the
// byte limit.
func splitIntoChunks(content string, maxSize int) []string {
	if content == "" {
		return nil
	}
	var chunks []string
	remaining := content
	for len(remaining) > maxSize {
		cut := strings.LastIndex(remaining[:maxSize], "\n")
		if cut > 0 {
			chunks = append(chunks, remaining[:cut+1])
			remaining = remaining[cut+1:]
			continue
		}
		chunks = append(chunks, remaining[:maxSize])
		remaining = remaining[maxSize:]
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// PaneLocation identifies the session and window that own a pane.
type PaneLocation struct {
	Session    string
	WindowID   string
	WindowName string
	CWD        string
}

// LocatePane resolves a pane id such as $TMUX_PANE ("%3"). A nil runner
// uses the tmux binary.
func LocatePane(ctx context.Context, r Runner, pane string) (PaneLocation, error) {
	if r == nil {
		r = execRunner{}
	}
	out, err := r.Run(ctx, "display-message", "-p", "-t", pane,
		"#{session_name}\t#{window_id}\t#{window_name}\t#{pane_current_path}")
	if err != nil {
		return PaneLocation{}, classify(err)
	}
	parts := strings.SplitN(strings.TrimRight(string(out), "\n"), "\t", 4)
	if len(parts) < 2 || parts[1] == "" {
		return PaneLocation{}, fmt.Errorf("%w: pane %s", ErrWindowNotFound, pane)
	}
	loc := PaneLocation{Session: parts[0], WindowID: parts[1]}
	if len(parts) > 2 {
		loc.WindowName = parts[2]
	}
	if len(parts) > 3 {
		loc.CWD = parts[3]
	}
	return loc, nil
}
