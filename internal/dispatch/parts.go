package dispatch

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/asheshgoplani/topicdeck/internal/transcript"
)

const (
	// MaxMessageLength is Telegram's per-message ceiling in characters.
	MaxMessageLength = 4096

	// splitChunk leaves room for the "[i/N]" suffix.
	splitChunk = 4000

	maxUserEcho  = 3000
	maxThinking  = 500
	thinkingHead = "∴ Thinking…"
	userHead     = "👤 "
)

// BuildParts turns one event's text into the message bodies to send, in
// order. Long text is split on line boundaries and numbered "[i/N]". Text
// holding an expandable quote is kept whole; an oversized quote is cut
// instead.
func BuildParts(text string, kind transcript.EventKind, role string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if role == "user" && kind == transcript.EventUser {
		return []string{userHead + truncate(text, maxUserEcho)}
	}

	prefix := ""
	if kind == transcript.EventThinking {
		prefix = thinkingHead + "\n"
		text = shortenQuote(text, maxThinking, "\n\n… (thinking truncated)")
	}

	if strings.Contains(text, transcript.ExpQuoteStart) {
		room := splitChunk - utf8.RuneCountInString(prefix)
		return []string{prefix + fitQuote(text, room)}
	}

	chunks := SplitMessage(text, splitChunk-utf8.RuneCountInString(prefix))
	if len(chunks) == 1 {
		return []string{prefix + chunks[0]}
	}
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = fmt.Sprintf("%s%s\n\n[%d/%d]", prefix, c, i+1, len(chunks))
	}
	return parts
}

// SplitMessage cuts text into chunks of at most limit characters, breaking
// at newlines where it can.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var (
		chunks []string
		cur    strings.Builder
		curLen int
	)
	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, strings.TrimRight(cur.String(), "\n"))
			cur.Reset()
			curLen = 0
		}
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		n := utf8.RuneCountInString(line)
		if curLen+n > limit {
			flush()
		}
		for n > limit {
			r := []rune(line)
			chunks = append(chunks, string(r[:limit]))
			line = string(r[limit:])
			n -= limit
		}
		cur.WriteString(line)
		curLen += n
	}
	flush()
	return chunks
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "…"
}

// shortenQuote caps the quoted body of s at limit characters.
func shortenQuote(s string, limit int, marker string) string {
	start := strings.Index(s, transcript.ExpQuoteStart)
	end := strings.Index(s, transcript.ExpQuoteEnd)
	if start < 0 || end < start {
		if utf8.RuneCountInString(s) > limit {
			return string([]rune(s)[:limit]) + marker
		}
		return s
	}
	inner := s[start+len(transcript.ExpQuoteStart) : end]
	if utf8.RuneCountInString(inner) <= limit {
		return s
	}
	inner = string([]rune(inner)[:limit]) + marker
	return s[:start] + transcript.ExpQuoteStart + inner + s[end:]
}

// fitQuote shrinks the quote so the whole message fits in room characters.
func fitQuote(s string, room int) string {
	over := utf8.RuneCountInString(s) - room
	if over <= 0 {
		return s
	}
	start := strings.Index(s, transcript.ExpQuoteStart)
	end := strings.Index(s, transcript.ExpQuoteEnd)
	if end < start {
		end = len(s)
	}
	inner := []rune(s[start+len(transcript.ExpQuoteStart) : end])
	const marker = "\n… (truncated)"
	keep := len(inner) - over - utf8.RuneCountInString(marker)
	if keep < 0 {
		keep = 0
	}
	tail := ""
	if end < len(s) {
		tail = s[end:]
	}
	return s[:start] + transcript.ExpQuoteStart + string(inner[:keep]) + marker + tail
}
