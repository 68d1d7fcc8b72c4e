package bridge

import (
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/asheshgoplani/topicdeck/internal/tmux"
)

// windowSource implements fuzzy.Source for tmux windows
type windowSource struct {
	windows []tmux.Window
}

func (s windowSource) String(i int) string {
	return s.windows[i].Name
}

func (s windowSource) Len() int {
	return len(s.windows)
}

// FuzzyFindWindows returns windows matching query, best match first. An
// exact name match (case-insensitive) always comes first.
func FuzzyFindWindows(windows []tmux.Window, query string) []tmux.Window {
	query = strings.TrimSpace(query)
	if query == "" {
		return windows
	}

	var results []tmux.Window
	for _, w := range windows {
		if strings.EqualFold(w.Name, query) || w.ID == query {
			results = append(results, w)
		}
	}

	matches := fuzzy.FindFrom(query, windowSource{windows: windows})
	for _, m := range matches {
		w := windows[m.Index]
		if strings.EqualFold(w.Name, query) {
			continue
		}
		results = append(results, w)
	}
	return results
}
