package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
)

const summaryArgLimit = 200

// summaryKeys maps a tool to the input field shown next to its name.
var summaryKeys = map[string]string{
	"Read":         "file_path",
	"Write":        "file_path",
	"Edit":         "file_path",
	"MultiEdit":    "file_path",
	"NotebookEdit": "notebook_path",
	"Bash":         "command",
	"Grep":         "pattern",
	"Glob":         "pattern",
	"Task":         "description",
	"Agent":        "description",
	"WebFetch":     "url",
	"WebSearch":    "query",
	"Skill":        "skill",
}

// FormatToolUse renders the one-line announcement of a tool call, e.g.
// "**Read**(src/main.py)".
func FormatToolUse(name string, input json.RawMessage) string {
	head := "**" + name + "**"
	arg := toolArg(name, input)
	if arg == "" {
		return head
	}
	return head + "(" + truncateRunes(arg, summaryArgLimit) + ")"
}

func toolArg(name string, input json.RawMessage) string {
	var m map[string]any
	if len(input) == 0 || json.Unmarshal(input, &m) != nil || len(m) == 0 {
		return ""
	}

	switch name {
	case "TodoWrite":
		todos, _ := m["todos"].([]any)
		return fmt.Sprintf("%d item(s)", len(todos))
	case "AskUserQuestion":
		qs, _ := m["questions"].([]any)
		if len(qs) == 0 {
			return ""
		}
		q, _ := qs[0].(map[string]any)
		s, _ := q["question"].(string)
		return s
	case "ExitPlanMode":
		return ""
	}

	if key, ok := summaryKeys[name]; ok {
		s, _ := m[key].(string)
		return s
	}
	return firstValue(input)
}

// firstValue returns the first field of a JSON object in document order,
// rendered as text. Map decoding loses that order, so this walks tokens.
func firstValue(input json.RawMessage) string {
	dec := json.NewDecoder(bytes.NewReader(input))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return ""
	}
	if _, err := dec.Token(); err != nil { // key
		return ""
	}
	var v json.RawMessage
	if err := dec.Decode(&v); err != nil {
		return ""
	}
	var s string
	if json.Unmarshal(v, &s) == nil {
		return s
	}
	return string(v)
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit]) + "…"
}

// ExtractToolResultText flattens a tool_result content value. A string is
// returned as is; text blocks of an array are joined by newlines and other
// block types are skipped.
func ExtractToolResultText(content json.RawMessage) string {
	if len(content) == 0 || string(content) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(content, &s) == nil {
		return s
	}
	var blocks []Block
	if json.Unmarshal(content, &blocks) != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// countLines counts lines ignoring a single trailing newline.
func countLines(s string) int {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

func quote(s string) string {
	return ExpQuoteStart + strings.TrimRight(s, "\n") + ExpQuoteEnd
}

// FormatToolResult renders the result of a call to name. input is the
// invocation's input when it is known; it is only consulted for edits.
func FormatToolResult(name string, input json.RawMessage, text string, isError bool) string {
	if isError {
		first, rest, _ := strings.Cut(strings.TrimSpace(text), "\n")
		out := "  ⎿  Error: " + first
		if strings.TrimSpace(rest) != "" {
			out += "\n" + quote(text)
		}
		return out
	}
	if strings.TrimSpace(text) == interruptedText {
		return "  ⎿  Interrupted"
	}

	switch name {
	case "Edit", "MultiEdit":
		if out, ok := formatEdit(name, input); ok {
			return out
		}
	}

	if text == "" {
		return ""
	}
	n := countLines(text)
	switch name {
	case "Read":
		return fmt.Sprintf("  ⎿  Read %d lines", n)
	case "Write":
		return fmt.Sprintf("  ⎿  Wrote %d lines", n)
	case "Bash":
		return fmt.Sprintf("  ⎿  Output %d lines\n", n) + quote(text)
	case "Grep":
		return fmt.Sprintf("  ⎿  Found %d matches\n", n) + quote(text)
	case "Glob":
		return fmt.Sprintf("  ⎿  Found %d files\n", n) + quote(text)
	case "Task", "Agent":
		return fmt.Sprintf("  ⎿  Agent output %d lines\n", n) + quote(text)
	case "WebFetch":
		return fmt.Sprintf("  ⎿  Fetched %d characters", utf8.RuneCountInString(text))
	case "WebSearch":
		return fmt.Sprintf("  ⎿  Search results %d lines\n", n) + quote(text)
	}
	return quote(text)
}

type editInput struct {
	OldString string `json:"old_string"`
	NewString string `json:"new_string"`
	Edits     []struct {
		OldString string `json:"old_string"`
		NewString string `json:"new_string"`
	} `json:"edits"`
}

// formatEdit summarises an edit as added/removed counts with the changed
// lines quoted. ok is false when the input carries no edit.
func formatEdit(name string, input json.RawMessage) (string, bool) {
	var in editInput
	if len(input) == 0 || json.Unmarshal(input, &in) != nil {
		return "", false
	}
	type pair struct{ old, new string }
	var pairs []pair
	if name == "MultiEdit" {
		for _, e := range in.Edits {
			pairs = append(pairs, pair{e.OldString, e.NewString})
		}
	} else if in.OldString != "" || in.NewString != "" {
		pairs = append(pairs, pair{in.OldString, in.NewString})
	}
	if len(pairs) == 0 {
		return "", false
	}

	var lines []string
	added, removed := 0, 0
	for _, p := range pairs {
		l, a, r := lineDiff(p.old, p.new)
		lines = append(lines, l...)
		added += a
		removed += r
	}
	if added == 0 && removed == 0 {
		return "", true
	}
	head := fmt.Sprintf("  ⎿  Added %d %s, removed %d %s",
		added, plural(added, "line"), removed, plural(removed, "line"))
	return head + "\n" + quote(strings.Join(lines, "\n")), true
}

// lineDiff returns the changed lines of a zero-context unified diff, with
// their -/+ markers, plus the counts of each.
func lineDiff(oldText, newText string) (lines []string, added, removed int) {
	if oldText == newText {
		return nil, 0, 0
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(oldText),
		B:        difflib.SplitLines(newText),
		FromFile: "old",
		ToFile:   "new",
		Context:  0,
	})
	if err != nil {
		return nil, 0, 0
	}
	all := strings.Split(diff, "\n")
	if len(all) >= 2 {
		all = all[2:] // "---" and "+++" file headers
	}
	for _, l := range all {
		switch {
		case strings.HasPrefix(l, "@@"):
		case strings.HasPrefix(l, "-"):
			lines = append(lines, l)
			removed++
		case strings.HasPrefix(l, "+"):
			lines = append(lines, l)
			added++
		}
	}
	return lines, added, removed
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
