package transcript

import (
	"fmt"
	"strings"
	"time"
)

// HistoryItem is one line of the /history view.
type HistoryItem struct {
	Role      string
	Kind      EventKind
	Text      string
	Timestamp time.Time
}

// History replays a whole transcript for the paginated history view. It uses
// the same classification as Parse; system-quiet entries are kept since the
// user asked to see everything.
func History(entries []Entry) []HistoryItem {
	events, _ := Parse(entries, State{})
	items := make([]HistoryItem, 0, len(events))
	for _, ev := range events {
		text := ev.Text
		switch ev.Kind {
		case EventUser:
			text = "👤 " + text
		case EventThinking:
			text = "∴ Thinking…\n" + text
		case EventLocalCommand:
			text = "❯ " + ev.ToolName + "\n" + text
		case EventToolResult:
			if text == "" {
				continue
			}
		}
		items = append(items, HistoryItem{
			Role:      ev.Role,
			Kind:      ev.Kind,
			Text:      text,
			Timestamp: ev.Timestamp,
		})
	}
	return items
}

// Paginate packs items into pages of at most maxLen runes. A timestamp
// separator is written whenever the minute changes. An item longer than a
// page is cut at the limit rather than dropped.
func Paginate(items []HistoryItem, maxLen int, loc *time.Location) []string {
	if maxLen <= 0 {
		maxLen = 4096
	}
	if loc == nil {
		loc = time.Local
	}

	var pages []string
	var cur strings.Builder
	curLen := 0
	lastStamp := ""

	flush := func() {
		if curLen > 0 {
			pages = append(pages, strings.TrimRight(cur.String(), "\n"))
		}
		cur.Reset()
		curLen = 0
		lastStamp = ""
	}

	for _, it := range items {
		block := ""
		if !it.Timestamp.IsZero() {
			stamp := it.Timestamp.In(loc).Format("15:04")
			if stamp != lastStamp {
				block = fmt.Sprintf("─── %s ───\n", stamp)
				lastStamp = stamp
			}
		}
		block += it.Text + "\n\n"
		n := len([]rune(block))

		if curLen > 0 && curLen+n > maxLen {
			flush()
			if !it.Timestamp.IsZero() && !strings.HasPrefix(block, "───") {
				stamp := it.Timestamp.In(loc).Format("15:04")
				block = fmt.Sprintf("─── %s ───\n", stamp) + block
				lastStamp = stamp
				n = len([]rune(block))
			}
		}
		if n > maxLen {
			block = truncateRunes(block, maxLen-1)
			n = maxLen
		}
		cur.WriteString(block)
		curLen += n
	}
	flush()
	return pages
}
