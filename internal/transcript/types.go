// Package transcript reads Claude Code JSONL transcripts incrementally and
// turns them into chat-ready events.
package transcript

import (
	"encoding/json"
	"time"
)

// Entry is one decoded transcript line. Only the fields the bridge uses are
// decoded; everything else is ignored.
type Entry struct {
	Type      string   `json:"type"`
	Timestamp string   `json:"timestamp,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
	Message   *Message `json:"message,omitempty"`

	// EndOffset is the byte offset just past this line's newline.
	EndOffset int64 `json:"-"`
}

// Message is the "message" object of user and assistant records. Content is
// either a JSON string or an array of blocks.
type Message struct {
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Block is one element of a content array.
type Block struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Time parses the entry timestamp; the zero time is returned when absent.
func (e Entry) Time() time.Time {
	if e.Timestamp == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// EventKind is the closed set of things a transcript can tell the chat side.
type EventKind string

const (
	EventText         EventKind = "text"
	EventThinking     EventKind = "thinking"
	EventToolUse      EventKind = "tool_use"
	EventToolResult   EventKind = "tool_result"
	EventUser         EventKind = "user"
	EventLocalCommand EventKind = "local_command"
)

// Event is one rendered unit produced by Parse.
type Event struct {
	Kind EventKind
	Role string // "assistant" or "user"
	Text string

	ToolUseID string
	ToolName  string

	// Paired is set on tool results whose invocation was found in pending.
	// Summary then repeats the invocation's "**Name**(arg)" line.
	Paired  bool
	Summary string

	// EditMessageID is the chat message that announced the invocation, when
	// it had been delivered before the result was parsed. Zero otherwise.
	EditMessageID int

	// NoNotify marks entries the agent asked not to forward.
	NoNotify bool

	Timestamp time.Time
}

// Marker strings wrapped around text that should render as a collapsed
// quote. The chat renderer replaces them; they never reach the user.
const (
	ExpQuoteStart = "\x02EXPQUOTE_START\x02"
	ExpQuoteEnd   = "\x02EXPQUOTE_END\x02"
)

// interruptedText is what Claude Code records as the result of a tool call
// cancelled with Esc.
const interruptedText = "[Request interrupted by user for tool use]"
