package hook

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/asheshgoplani/topicdeck/internal/state"
)

// Command is what settings.json runs. It doubles as the marker used to
// find our entry again.
const Command = "topicdeck hook"

const hookEvent = "SessionStart"

type hookEntry struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
}

type hookMatcher struct {
	Matcher string      `json:"matcher,omitempty"`
	Hooks   []hookEntry `json:"hooks"`
}

func ourEntry() hookEntry {
	return hookEntry{Type: "command", Command: Command, Timeout: 5}
}

func isOurs(h hookEntry) bool {
	return strings.Contains(h.Command, Command)
}

// readSettings keeps every key we do not understand untouched.
func readSettings(path string) (map[string]json.RawMessage, map[string]json.RawMessage, error) {
	settings := make(map[string]json.RawMessage)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("read settings.json: %w", err)
	}
	if err == nil && len(data) > 0 {
		if err := json.Unmarshal(data, &settings); err != nil {
			return nil, nil, fmt.Errorf("parse settings.json: %w", err)
		}
	}
	hooks := make(map[string]json.RawMessage)
	if raw, ok := settings["hooks"]; ok {
		if err := json.Unmarshal(raw, &hooks); err != nil {
			hooks = make(map[string]json.RawMessage)
		}
	}
	return settings, hooks, nil
}

func writeSettings(path string, settings, hooks map[string]json.RawMessage) error {
	if len(hooks) == 0 {
		delete(settings, "hooks")
	} else {
		raw, err := json.Marshal(hooks)
		if err != nil {
			return fmt.Errorf("marshal hooks: %w", err)
		}
		settings["hooks"] = raw
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return state.WriteFileAtomic(path, append(data, '\n'), 0o644)
}

// Install adds the SessionStart hook to <claudeDir>/settings.json. It
// returns false when the hook was already there.
func Install(claudeDir string) (bool, error) {
	path := filepath.Join(claudeDir, "settings.json")
	settings, hooks, err := readSettings(path)
	if err != nil {
		return false, err
	}

	var matchers []hookMatcher
	if raw, ok := hooks[hookEvent]; ok {
		if err := json.Unmarshal(raw, &matchers); err != nil {
			matchers = nil
		}
	}
	for _, m := range matchers {
		for _, h := range m.Hooks {
			if isOurs(h) {
				return false, nil
			}
		}
	}

	added := false
	for i, m := range matchers {
		if m.Matcher == "" {
			matchers[i].Hooks = append(matchers[i].Hooks, ourEntry())
			added = true
			break
		}
	}
	if !added {
		matchers = append(matchers, hookMatcher{Hooks: []hookEntry{ourEntry()}})
	}

	raw, err := json.Marshal(matchers)
	if err != nil {
		return false, fmt.Errorf("marshal %s hooks: %w", hookEvent, err)
	}
	hooks[hookEvent] = raw
	if err := writeSettings(path, settings, hooks); err != nil {
		return false, err
	}
	hookLog.Info("claude_hook_installed", slog.String("path", path))
	return true, nil
}

// Uninstall removes our entry and any matcher left empty by that. It
// returns false when nothing was removed.
func Uninstall(claudeDir string) (bool, error) {
	path := filepath.Join(claudeDir, "settings.json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	settings, hooks, err := readSettings(path)
	if err != nil {
		return false, err
	}
	raw, ok := hooks[hookEvent]
	if !ok {
		return false, nil
	}
	var matchers []hookMatcher
	if err := json.Unmarshal(raw, &matchers); err != nil {
		return false, nil
	}

	removed := false
	var kept []hookMatcher
	for _, m := range matchers {
		var hs []hookEntry
		for _, h := range m.Hooks {
			if isOurs(h) {
				removed = true
				continue
			}
			hs = append(hs, h)
		}
		if len(hs) > 0 {
			m.Hooks = hs
			kept = append(kept, m)
		}
	}
	if !removed {
		return false, nil
	}
	if len(kept) == 0 {
		delete(hooks, hookEvent)
	} else {
		if hooks[hookEvent], err = json.Marshal(kept); err != nil {
			return false, fmt.Errorf("marshal %s hooks: %w", hookEvent, err)
		}
	}
	if err := writeSettings(path, settings, hooks); err != nil {
		return false, err
	}
	hookLog.Info("claude_hook_removed", slog.String("path", path))
	return true, nil
}

// Installed reports whether settings.json already runs the hook.
func Installed(claudeDir string) bool {
	_, hooks, err := readSettings(filepath.Join(claudeDir, "settings.json"))
	if err != nil {
		return false
	}
	var matchers []hookMatcher
	if err := json.Unmarshal(hooks[hookEvent], &matchers); err != nil {
		return false
	}
	for _, m := range matchers {
		for _, h := range m.Hooks {
			if isOurs(h) {
				return true
			}
		}
	}
	return false
}
