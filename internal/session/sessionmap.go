package session

import (
	"context"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/asheshgoplani/topicdeck/internal/state"
)

// WindowEntry is what the startup hook records for one window.
type WindowEntry struct {
	SessionID      string `json:"session_id"`
	CWD            string `json:"cwd"`
	WindowName     string `json:"window_name"`
	TranscriptPath string `json:"transcript_path,omitempty"`
}

var windowIDRe = regexp.MustCompile(`^@\d+$`)

// IsWindowID reports whether s is a tmux window id such as "@12".
func IsWindowID(s string) bool {
	return windowIDRe.MatchString(s)
}

// MapKey builds the session map key for a window of a tmux session.
func MapKey(tmuxSession, windowID string) string {
	return tmuxSession + ":" + windowID
}

// LoadSessionMap reads session_map.json and returns the entries belonging to
// tmuxSession keyed by window id. A missing or corrupt file is an empty map.
func LoadSessionMap(path, tmuxSession string) map[string]WindowEntry {
	var raw map[string]WindowEntry
	ok, err := state.ReadJSON(path, &raw)
	if err != nil {
		sessionLog.Warn("session_map_load_failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return map[string]WindowEntry{}
	}
	out := make(map[string]WindowEntry, len(raw))
	if !ok {
		return out
	}
	prefix := tmuxSession + ":"
	for key, e := range raw {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		id := strings.TrimPrefix(key, prefix)
		if !IsWindowID(id) || e.SessionID == "" {
			continue
		}
		out[id] = e
	}
	return out
}

// WriteSessionMapEntry sets key in session_map.json. It is called by the
// hook subprocess, possibly by several windows starting at once, so the
// read-modify-write runs under a lock file next to the map.
func WriteSessionMapEntry(ctx context.Context, path, key string, entry WindowEntry) error {
	lock := filepath.Join(filepath.Dir(path), ".session_map.lock")
	return state.WithLock(ctx, lock, func() error {
		raw := map[string]WindowEntry{}
		if _, err := state.ReadJSON(path, &raw); err != nil {
			sessionLog.Warn("session_map_replaced",
				slog.String("path", path),
				slog.String("error", err.Error()))
			raw = map[string]WindowEntry{}
		}
		raw[key] = entry
		return state.WriteJSONAtomic(path, raw)
	})
}
