package session

import (
	"fmt"

	"github.com/asheshgoplani/topicdeck/internal/transcript"
)

// Verbosity controls how much of a session a topic receives.
type Verbosity string

const (
	VerbosityQuiet   Verbosity = "quiet"
	VerbosityNormal  Verbosity = "normal"
	VerbosityVerbose Verbosity = "verbose"
)

// ParseVerbosity validates a user-supplied level.
func ParseVerbosity(s string) (Verbosity, error) {
	switch v := Verbosity(s); v {
	case VerbosityQuiet, VerbosityNormal, VerbosityVerbose:
		return v, nil
	}
	return "", fmt.Errorf("invalid verbosity %q (want quiet, normal or verbose)", s)
}

// Allows reports whether an event of kind from role is delivered at level v.
// quiet passes assistant text only, normal adds tool calls, verbose passes
// everything.
func (v Verbosity) Allows(kind transcript.EventKind, role string) bool {
	switch v {
	case VerbosityVerbose:
		return true
	case VerbosityQuiet:
		return role == "assistant" && kind == transcript.EventText
	default:
		if kind == transcript.EventLocalCommand {
			return true
		}
		return role == "assistant" && (kind == transcript.EventText || kind == transcript.EventToolUse)
	}
}
