package hook

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/topicdeck/internal/session"
	"github.com/asheshgoplani/topicdeck/internal/tmux"
)

func fixedLocator(loc tmux.PaneLocation) Locator {
	return func(context.Context, string) (tmux.PaneLocation, error) { return loc, nil }
}

func TestRecordWritesSessionMap(t *testing.T) {
	mapPath := filepath.Join(t.TempDir(), "session_map.json")
	payload := `{"hook_event_name":"SessionStart","session_id":"abc-123","transcript_path":"/p/abc-123.jsonl","cwd":"/src/api","source":"startup"}`

	res, err := Record(context.Background(), strings.NewReader(payload), Options{
		MapPath: mapPath,
		Pane:    "%4",
		Locate:  fixedLocator(tmux.PaneLocation{Session: "topicdeck", WindowID: "@4", WindowName: "api", CWD: "/elsewhere"}),
	})
	require.NoError(t, err)
	assert.Equal(t, "topicdeck:@4", res.Key)

	live := session.LoadSessionMap(mapPath, "topicdeck")
	require.Contains(t, live, "@4")
	assert.Equal(t, session.WindowEntry{
		SessionID:      "abc-123",
		CWD:            "/src/api",
		WindowName:     "api",
		TranscriptPath: "/p/abc-123.jsonl",
	}, live["@4"])
}

func TestRecordKeepsOtherEntries(t *testing.T) {
	mapPath := filepath.Join(t.TempDir(), "session_map.json")
	ctx := context.Background()
	for i, w := range []string{"@1", "@2"} {
		_, err := Record(ctx, strings.NewReader(`{"session_id":"s`+w+`"}`), Options{
			MapPath: mapPath,
			Pane:    "%" + string(rune('1'+i)),
			Locate:  fixedLocator(tmux.PaneLocation{Session: "topicdeck", WindowID: w, CWD: "/x"}),
		})
		require.NoError(t, err)
	}
	live := session.LoadSessionMap(mapPath, "topicdeck")
	assert.Len(t, live, 2)
	assert.Equal(t, "/x", live["@2"].CWD)
}

func TestRecordIgnores(t *testing.T) {
	mapPath := filepath.Join(t.TempDir(), "session_map.json")
	called := false
	locate := func(context.Context, string) (tmux.PaneLocation, error) {
		called = true
		return tmux.PaneLocation{}, nil
	}

	tests := []struct {
		name    string
		payload string
		pane    string
	}{
		{name: "empty stdin", payload: "", pane: "%1"},
		{name: "other event", payload: `{"hook_event_name":"Stop","session_id":"x"}`, pane: "%1"},
		{name: "outside tmux", payload: `{"hook_event_name":"SessionStart","session_id":"x"}`, pane: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Record(context.Background(), strings.NewReader(tc.payload), Options{MapPath: mapPath, Pane: tc.pane, Locate: locate})
			require.NoError(t, err)
			assert.Empty(t, res.Key)
		})
	}
	assert.False(t, called)
	_, err := os.Stat(mapPath)
	assert.True(t, os.IsNotExist(err))
}

func TestRecordErrors(t *testing.T) {
	mapPath := filepath.Join(t.TempDir(), "session_map.json")

	_, err := Record(context.Background(), strings.NewReader("{not json"), Options{MapPath: mapPath, Pane: "%1"})
	assert.Error(t, err)

	_, err = Record(context.Background(), strings.NewReader(`{"hook_event_name":"SessionStart"}`), Options{MapPath: mapPath, Pane: "%1"})
	assert.ErrorContains(t, err, "session_id")

	_, err = Record(context.Background(), strings.NewReader(`{"session_id":"x"}`), Options{
		MapPath: mapPath,
		Pane:    "%1",
		Locate: func(context.Context, string) (tmux.PaneLocation, error) {
			return tmux.PaneLocation{}, tmux.ErrNoServer
		},
	})
	assert.True(t, errors.Is(err, tmux.ErrNoServer))
}

func readHooks(t *testing.T, dir string) (map[string]json.RawMessage, []hookMatcher) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "settings.json"))
	require.NoError(t, err)
	var settings map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &settings))
	var hooks map[string]json.RawMessage
	if raw, ok := settings["hooks"]; ok {
		require.NoError(t, json.Unmarshal(raw, &hooks))
	}
	var matchers []hookMatcher
	if raw, ok := hooks[hookEvent]; ok {
		require.NoError(t, json.Unmarshal(raw, &matchers))
	}
	return settings, matchers
}

func TestInstallFresh(t *testing.T) {
	dir := t.TempDir()
	installed, err := Install(dir)
	require.NoError(t, err)
	assert.True(t, installed)
	assert.True(t, Installed(dir))

	_, matchers := readHooks(t, dir)
	require.Len(t, matchers, 1)
	require.Len(t, matchers[0].Hooks, 1)
	assert.Equal(t, Command, matchers[0].Hooks[0].Command)

	again, err := Install(dir)
	require.NoError(t, err)
	assert.False(t, again)
}

func TestInstallPreservesUserSettings(t *testing.T) {
	dir := t.TempDir()
	existing := `{
  "model": "opus",
  "hooks": {
    "SessionStart": [{"hooks": [{"type": "command", "command": "echo hi"}]}],
    "Stop": [{"hooks": [{"type": "command", "command": "notify-send done"}]}]
  }
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(existing), 0o644))

	_, err := Install(dir)
	require.NoError(t, err)

	settings, matchers := readHooks(t, dir)
	assert.JSONEq(t, `"opus"`, string(settings["model"]))
	require.Len(t, matchers, 1)
	require.Len(t, matchers[0].Hooks, 2)
	assert.Equal(t, "echo hi", matchers[0].Hooks[0].Command)
	assert.Contains(t, string(settings["hooks"]), "notify-send done")

	removed, err := Uninstall(dir)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, Installed(dir))

	settings, matchers = readHooks(t, dir)
	require.Len(t, matchers, 1)
	assert.Equal(t, "echo hi", matchers[0].Hooks[0].Command)
	assert.Contains(t, string(settings["hooks"]), "notify-send done")
}

func TestUninstallDropsEmptyHooks(t *testing.T) {
	dir := t.TempDir()
	_, err := Install(dir)
	require.NoError(t, err)

	removed, err := Uninstall(dir)
	require.NoError(t, err)
	assert.True(t, removed)

	settings, _ := readHooks(t, dir)
	_, ok := settings["hooks"]
	assert.False(t, ok)

	removed, err = Uninstall(t.TempDir())
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestInstallRejectsBrokenSettings(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte("{"), 0o644))
	_, err := Install(dir)
	assert.Error(t, err)
}
