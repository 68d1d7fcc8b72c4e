// Package screen reads a captured tmux pane and recognises what Claude Code
// is showing: a modal prompt that needs an answer, or the transient spinner
// line shown while it works. Everything here is a pure function of the
// captured text.
package screen

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

// statusScanLines is how far up from the bottom of the pane a status line is
// looked for.
const statusScanLines = 15

// StatusLine is the spinner line Claude Code shows while a turn is running.
type StatusLine struct {
	Glyph string
	Text  string
}

func (s StatusLine) String() string { return s.Glyph + " " + s.Text }

const spinnerGlyphs = "·✢✳✶✻✽"

var (
	// "Cogitated for 1m 32s", "Worked for 12s": a finished turn, not a live one.
	completedRe = regexp.MustCompile(`^\p{L}+ for (\d+h )?(\d+m )?\d+s\b`)
	separatorRe = regexp.MustCompile(`^[─━═-]{3,}$`)
)

func isSpinner(r rune) bool {
	if strings.ContainsRune(spinnerGlyphs, r) {
		return true
	}
	// braille spinner frames
	return r >= 0x2800 && r <= 0x28FF
}

func isPrompt(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "❯")
}

func isChrome(line string) bool {
	t := strings.TrimSpace(line)
	return t == "" || separatorRe.MatchString(t)
}

// cleanLines strips styling and trailing blanks and returns the lines.
func cleanLines(text string) []string {
	text = ansi.Strip(strings.ReplaceAll(text, "\r\n", "\n"))
	text = strings.TrimRight(text, " \t\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// DetectStatusLine returns the active spinner line, or nil.
//
// With a prompt on screen only the block directly above the prompt's frame
// is considered: older spinner output further up belongs to finished turns.
// Without a prompt the lowest non-blank line is used.
func DetectStatusLine(text string) *StatusLine {
	lines := cleanLines(text)
	if len(lines) > statusScanLines {
		lines = lines[len(lines)-statusScanLines:]
	}

	start := len(lines) - 1
	for i := len(lines) - 1; i >= 0; i-- {
		if isPrompt(lines[i]) {
			start = i - 1
			break
		}
	}

	for i := start; i >= 0; i-- {
		if isChrome(lines[i]) {
			continue
		}
		return parseStatus(lines[i])
	}
	return nil
}

func parseStatus(line string) *StatusLine {
	t := strings.TrimSpace(line)
	r, size := utf8.DecodeRuneInString(t)
	if r == utf8.RuneError || !isSpinner(r) {
		return nil
	}
	rest := strings.TrimSpace(t[size:])
	if rest == "" || completedRe.MatchString(rest) {
		return nil
	}
	return &StatusLine{Glyph: string(r), Text: rest}
}
