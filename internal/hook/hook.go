// Package hook runs inside Claude Code's SessionStart hook. It records which
// tmux window a new Claude session belongs to in session_map.json, and can
// install itself into ~/.claude/settings.json.
package hook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/asheshgoplani/topicdeck/internal/logging"
	"github.com/asheshgoplani/topicdeck/internal/session"
	"github.com/asheshgoplani/topicdeck/internal/tmux"
)

var hookLog = logging.ForComponent(logging.CompHook)

// Payload is the JSON Claude Code sends to hooks on stdin. Only the fields
// we need are decoded.
type Payload struct {
	HookEventName  string `json:"hook_event_name"`
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	CWD            string `json:"cwd"`
	Source         string `json:"source"`
}

// Locator resolves a pane id to its window. tmux.LocatePane with a nil
// runner is the real one.
type Locator func(ctx context.Context, pane string) (tmux.PaneLocation, error)

type Options struct {
	MapPath string
	// Pane is $TMUX_PANE of the hook process.
	Pane   string
	Locate Locator
}

// Result says what Record did, for the CLI to print in debug runs.
type Result struct {
	Key   string
	Entry session.WindowEntry
}

// Record reads one hook payload from in and writes the window's entry.
// Events other than SessionStart, and sessions outside tmux, are ignored
// and return a zero Result.
func Record(ctx context.Context, in io.Reader, opts Options) (Result, error) {
	data, err := io.ReadAll(in)
	if err != nil {
		return Result{}, fmt.Errorf("read hook payload: %w", err)
	}
	if len(data) == 0 {
		return Result{}, nil
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Result{}, fmt.Errorf("parse hook payload: %w", err)
	}
	if p.HookEventName != "" && p.HookEventName != "SessionStart" {
		return Result{}, nil
	}
	if p.SessionID == "" {
		return Result{}, fmt.Errorf("hook payload has no session_id")
	}
	if opts.Pane == "" {
		hookLog.Debug("hook_outside_tmux", slog.String("session_id", p.SessionID))
		return Result{}, nil
	}

	locate := opts.Locate
	if locate == nil {
		locate = func(ctx context.Context, pane string) (tmux.PaneLocation, error) {
			return tmux.LocatePane(ctx, nil, pane)
		}
	}
	loc, err := locate(ctx, opts.Pane)
	if err != nil {
		return Result{}, fmt.Errorf("locate pane %s: %w", opts.Pane, err)
	}

	cwd := p.CWD
	if cwd == "" {
		cwd = loc.CWD
	}
	res := Result{
		Key: session.MapKey(loc.Session, loc.WindowID),
		Entry: session.WindowEntry{
			SessionID:      p.SessionID,
			CWD:            cwd,
			WindowName:     loc.WindowName,
			TranscriptPath: p.TranscriptPath,
		},
	}
	if err := session.WriteSessionMapEntry(ctx, opts.MapPath, res.Key, res.Entry); err != nil {
		return Result{}, fmt.Errorf("write session map: %w", err)
	}
	hookLog.Info("session_recorded",
		slog.String("key", res.Key),
		slog.String("session_id", p.SessionID),
		slog.String("source", p.Source))
	return res, nil
}
