package transcript

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

const (
	noNotifyTag  = "[NO_NOTIFY]"
	systemPrefix = "[System]"
)

var (
	systemReminderRe = regexp.MustCompile(`(?s)<system-reminder>.*?</system-reminder>`)
	commandNameRe    = regexp.MustCompile(`(?s)<command-name>(.*?)</command-name>`)
	commandStdoutRe  = regexp.MustCompile(`(?s)<local-command-stdout>(.*?)</local-command-stdout>`)
)

// State is everything Parse carries from one batch of entries to the next
// for a single session. It is plain data so the caller owns it.
type State struct {
	Pending *PendingTools `json:"pending,omitempty"`

	// NoNotify is set by a "[NO_NOTIFY]" or "[System]" user message and
	// holds until the next ordinary user message.
	NoNotify bool `json:"no_notify,omitempty"`

	// LastCommand is the slash command whose output has not been seen yet.
	LastCommand string `json:"last_command,omitempty"`
}

// Clone returns a copy sharing nothing with s.
func (s State) Clone() State {
	out := s
	out.Pending = s.Pending.Clone()
	return out
}

// piece is one classified unit of a record, before state is applied.
type piece struct {
	kind      EventKind
	role      string
	text      string
	toolUseID string
	toolName  string
	input     json.RawMessage
	isError   bool

	// command handling for user records
	commandName   string
	commandStdout string
	hasStdout     bool
}

// classify splits a record into pieces. It is shared by Parse and History so
// both agree on what a record contains.
func classify(e Entry) []piece {
	if e.Type != "user" && e.Type != "assistant" {
		return nil
	}
	if e.Message == nil || len(e.Message.Content) == 0 {
		return nil
	}
	role := e.Type

	var s string
	if json.Unmarshal(e.Message.Content, &s) == nil {
		if p, ok := classifyText(role, s); ok {
			return []piece{p}
		}
		return nil
	}

	var blocks []Block
	if json.Unmarshal(e.Message.Content, &blocks) != nil {
		return nil
	}
	var out []piece
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if p, ok := classifyText(role, b.Text); ok {
				out = append(out, p)
			}
		case "thinking":
			if strings.TrimSpace(b.Thinking) == "" {
				continue
			}
			out = append(out, piece{kind: EventThinking, role: role, text: b.Thinking})
		case "tool_use":
			if b.Name == "ExitPlanMode" {
				if plan := planText(b.Input); plan != "" {
					out = append(out, piece{kind: EventText, role: role, text: plan})
				}
			}
			out = append(out, piece{
				kind:      EventToolUse,
				role:      role,
				toolUseID: b.ID,
				toolName:  b.Name,
				input:     b.Input,
			})
		case "tool_result":
			out = append(out, piece{
				kind:      EventToolResult,
				role:      role,
				toolUseID: b.ToolUseID,
				text:      ExtractToolResultText(b.Content),
				isError:   b.IsError,
			})
		}
	}
	return out
}

func classifyText(role, text string) (piece, bool) {
	if role == "assistant" {
		if strings.TrimSpace(text) == "" {
			return piece{}, false
		}
		return piece{kind: EventText, role: role, text: text}, true
	}

	if m := commandNameRe.FindStringSubmatch(text); m != nil || commandStdoutRe.MatchString(text) {
		p := piece{kind: EventLocalCommand, role: role}
		if m != nil {
			p.commandName = strings.TrimSpace(m[1])
		}
		if o := commandStdoutRe.FindStringSubmatch(text); o != nil {
			p.commandStdout = strings.TrimSpace(o[1])
			p.hasStdout = true
		}
		return p, true
	}

	text = strings.TrimSpace(systemReminderRe.ReplaceAllString(text, ""))
	if text == "" {
		return piece{}, false
	}
	return piece{kind: EventUser, role: role, text: text}, true
}

func planText(input json.RawMessage) string {
	var in struct {
		Plan string `json:"plan"`
	}
	if len(input) == 0 || json.Unmarshal(input, &in) != nil {
		return ""
	}
	return strings.TrimSpace(in.Plan)
}

// stripNoNotify removes a leading tag. Only the prefix position counts.
func stripNoNotify(text string) (string, bool) {
	t := strings.TrimLeft(text, " \t\n")
	if !strings.HasPrefix(t, noNotifyTag) {
		return text, false
	}
	return strings.TrimSpace(strings.TrimPrefix(t, noNotifyTag)), true
}

// Parse turns entries into events. st is not modified: the returned State
// is a fresh value the caller should store for the next batch. Feeding the
// same entries with the same state always gives the same events.
func Parse(entries []Entry, st State) ([]Event, State) {
	next := st.Clone()
	var events []Event

	for _, e := range entries {
		pieces := classify(e)
		if len(pieces) == 0 {
			continue
		}
		ts := e.Time()

		// An assistant record containing a tagged text marks the whole record.
		recordQuiet := false
		if e.Type == "assistant" {
			for i := range pieces {
				if pieces[i].kind != EventText {
					continue
				}
				if t, ok := stripNoNotify(pieces[i].text); ok {
					pieces[i].text = t
					recordQuiet = true
				}
			}
		}

		for _, p := range pieces {
			ev, ok := next.apply(p, recordQuiet, ts)
			if ok {
				events = append(events, ev)
			}
		}
	}
	return events, next
}

func (s *State) apply(p piece, recordQuiet bool, ts time.Time) (Event, bool) {
	ev := Event{Kind: p.kind, Role: p.role, Timestamp: ts}

	switch p.kind {
	case EventUser:
		text := p.text
		if t, ok := stripNoNotify(text); ok {
			s.NoNotify = true
			if t == "" {
				return Event{}, false
			}
			text = t
		} else {
			s.NoNotify = strings.HasPrefix(text, systemPrefix)
		}
		ev.Text = text
		ev.NoNotify = s.NoNotify
		return ev, true

	case EventLocalCommand:
		if !p.hasStdout {
			s.LastCommand = p.commandName
			return Event{}, false
		}
		name := p.commandName
		if name == "" {
			name = s.LastCommand
		}
		s.LastCommand = ""
		ev.ToolName = name
		ev.Text = p.commandStdout
		ev.NoNotify = s.NoNotify
		return ev, true

	case EventText:
		if p.text == "" {
			return Event{}, false
		}
		ev.Text = p.text
		ev.NoNotify = recordQuiet || s.NoNotify
		return ev, true

	case EventThinking:
		ev.Text = quote(p.text)
		ev.NoNotify = recordQuiet || s.NoNotify
		return ev, true

	case EventToolUse:
		if s.Pending == nil {
			s.Pending = NewPendingTools()
		}
		summary := FormatToolUse(p.toolName, p.input)
		s.Pending.Put(ToolUse{
			ID:      p.toolUseID,
			Name:    p.toolName,
			Summary: summary,
			Input:   p.input,
		})
		ev.ToolUseID = p.toolUseID
		ev.ToolName = p.toolName
		ev.Text = summary
		ev.NoNotify = recordQuiet || s.NoNotify
		return ev, true

	case EventToolResult:
		ev.ToolUseID = p.toolUseID
		ev.NoNotify = s.NoNotify
		var input json.RawMessage
		if t, ok := s.Pending.Get(p.toolUseID); ok {
			s.Pending.Remove(p.toolUseID)
			ev.Paired = true
			ev.Summary = t.Summary
			ev.ToolName = t.Name
			ev.EditMessageID = t.MessageID
			input = t.Input
		}
		ev.Text = FormatToolResult(ev.ToolName, input, p.text, p.isError)
		return ev, true
	}
	return Event{}, false
}
