package transcript

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestFormatToolUse(t *testing.T) {
	long := strings.Repeat("x", 250)
	tests := []struct {
		name  string
		tool  string
		input json.RawMessage
		want  string
	}{
		{"read", "Read", raw(t, map[string]any{"file_path": "src/main.py"}), "**Read**(src/main.py)"},
		{"bash", "Bash", raw(t, map[string]any{"command": "ls -la"}), "**Bash**(ls -la)"},
		{"grep", "Grep", raw(t, map[string]any{"pattern": "TODO", "path": "."}), "**Grep**(TODO)"},
		{"task", "Task", raw(t, map[string]any{"description": "explore"}), "**Task**(explore)"},
		{"webfetch", "WebFetch", raw(t, map[string]any{"url": "https://x.dev"}), "**WebFetch**(https://x.dev)"},
		{"websearch", "WebSearch", raw(t, map[string]any{"query": "go slog"}), "**WebSearch**(go slog)"},
		{"todowrite", "TodoWrite", raw(t, map[string]any{"todos": []any{1, 2, 3}}), "**TodoWrite**(3 item(s))"},
		{"ask", "AskUserQuestion", raw(t, map[string]any{"questions": []any{map[string]any{"question": "Which?"}}}), "**AskUserQuestion**(Which?)"},
		{"skill", "Skill", raw(t, map[string]any{"skill": "pdf"}), "**Skill**(pdf)"},
		{"empty input", "TodoRead", raw(t, map[string]any{}), "**TodoRead**"},
		{"exit plan", "ExitPlanMode", raw(t, map[string]any{"plan": "p"}), "**ExitPlanMode**"},
		{"unknown first value", "Mystery", json.RawMessage(`{"zeta":"first","alpha":"second"}`), "**Mystery**(first)"},
		{"non map input", "Read", json.RawMessage(`"just a string"`), "**Read**"},
		{"truncated", "Bash", raw(t, map[string]any{"command": long}), "**Bash**(" + strings.Repeat("x", 200) + "…)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatToolUse(tt.tool, tt.input))
		})
	}
}

func TestExtractToolResultText(t *testing.T) {
	assert.Equal(t, "plain", ExtractToolResultText(raw(t, "plain")))
	assert.Equal(t, "a\nb", ExtractToolResultText(raw(t, []any{
		map[string]any{"type": "text", "text": "a"},
		map[string]any{"type": "image", "source": "x"},
		map[string]any{"type": "text", "text": "b"},
	})))
	assert.Equal(t, "", ExtractToolResultText(nil))
	assert.Equal(t, "", ExtractToolResultText(json.RawMessage("null")))
}

func TestFormatToolResult(t *testing.T) {
	tests := []struct {
		name    string
		tool    string
		text    string
		isError bool
		want    string
	}{
		{"read", "Read", "l1\nl2\nl3", false, "  ⎿  Read 3 lines"},
		{"write", "Write", "line1\nline2", false, "  ⎿  Wrote 2 lines"},
		{"bash", "Bash", "out\n", false, "  ⎿  Output 1 lines\n" + quote("out")},
		{"grep trailing newline", "Grep", "a.py\nb.py\n", false, "  ⎿  Found 2 matches\n" + quote("a.py\nb.py")},
		{"glob", "Glob", "x\ny", false, "  ⎿  Found 2 files\n" + quote("x\ny")},
		{"task", "Task", "r", false, "  ⎿  Agent output 1 lines\n" + quote("r")},
		{"webfetch", "WebFetch", "hello", false, "  ⎿  Fetched 5 characters"},
		{"error", "Bash", "Permission denied", true, "  ⎿  Error: Permission denied"},
		{"interrupted", "Bash", interruptedText, false, "  ⎿  Interrupted"},
		{"empty", "Read", "", false, ""},
		{"unknown", "", "raw", false, quote("raw")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatToolResult(tt.tool, nil, tt.text, tt.isError))
		})
	}
}

func TestFormatEditResult(t *testing.T) {
	in := raw(t, map[string]any{"file_path": "a", "old_string": "hello", "new_string": "world"})
	got := FormatToolResult("Edit", in, "updated", false)
	assert.Equal(t, "  ⎿  Added 1 line, removed 1 line\n"+quote("-hello\n+world"), got)

	same := raw(t, map[string]any{"old_string": "x", "new_string": "x"})
	assert.Equal(t, "", FormatToolResult("Edit", same, "updated", false))

	multi := raw(t, map[string]any{"edits": []any{
		map[string]any{"old_string": "a", "new_string": "b\nc"},
	}})
	assert.Contains(t, FormatToolResult("MultiEdit", multi, "", false), "Added 2 lines, removed 1 line")
}

func TestHistoryAndPaginate(t *testing.T) {
	entries := entriesOf(t,
		rec(t, "user", "first question"),
		rec(t, "assistant", []any{
			map[string]any{"type": "thinking", "thinking": "hm"},
			textBlock("answer"),
		}),
	)
	items := History(entries)
	require.Len(t, items, 3)
	assert.Equal(t, "👤 first question", items[0].Text)
	assert.True(t, strings.HasPrefix(items[1].Text, "∴ Thinking…"))

	pages := Paginate(items, 4096, time.UTC)
	require.Len(t, pages, 1)
	assert.True(t, strings.HasPrefix(pages[0], "─── 10:04 ───\n👤 first question"))
	assert.Equal(t, 1, strings.Count(pages[0], "10:04"), "same minute gets one separator")

	var many []HistoryItem
	for i := 0; i < 50; i++ {
		many = append(many, HistoryItem{Text: strings.Repeat("y", 90)})
	}
	pages = Paginate(many, 1000, time.UTC)
	require.Greater(t, len(pages), 1)
	for _, p := range pages {
		assert.LessOrEqual(t, len([]rune(p)), 1000)
	}
}
