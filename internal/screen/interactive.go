package screen

import (
	"regexp"
	"strings"
)

// UI names reported by DetectInteractiveUI.
const (
	UIAskUserQuestion   = "AskUserQuestion"
	UIExitPlanMode      = "ExitPlanMode"
	UIPermissionPrompt  = "PermissionPrompt"
	UIRestoreCheckpoint = "RestoreCheckpoint"
	UISettings          = "Settings"
)

// InteractiveUI is a modal prompt found on screen. Content is the prompt as
// rendered, from its first marker line through its footer.
type InteractiveUI struct {
	Name    string
	Content string
}

type uiPattern struct {
	name   string
	top    []*regexp.Regexp
	bottom []*regexp.Regexp
}

var footerRe = regexp.MustCompile(`(?i)(Enter to (select|confirm|continue)|Esc to (cancel|exit|close|go back)|ctrl-g to edit)`)

// Order matters: the first pattern whose markers are both present wins.
var uiPatterns = []uiPattern{
	{
		name:   UIAskUserQuestion,
		top:    []*regexp.Regexp{regexp.MustCompile(`^\s*[☐☒✔]\s+\S`)},
		bottom: []*regexp.Regexp{footerRe},
	},
	{
		name: UIExitPlanMode,
		top: []*regexp.Regexp{
			regexp.MustCompile(`Would you like to proceed\?`),
			regexp.MustCompile(`Ready to code\?`),
		},
		bottom: []*regexp.Regexp{footerRe, regexp.MustCompile(`^\s*\d+\.\s+No, keep planning`)},
	},
	{
		name: UIPermissionPrompt,
		top: []*regexp.Regexp{
			regexp.MustCompile(`Do you want to (proceed|make this edit|create|allow|run)`),
		},
		bottom: []*regexp.Regexp{footerRe, regexp.MustCompile(`\(esc\)\s*$`)},
	},
	{
		name: UIRestoreCheckpoint,
		top: []*regexp.Regexp{
			regexp.MustCompile(`Restore the code`),
			regexp.MustCompile(`^\s*Rewind\b`),
		},
		bottom: []*regexp.Regexp{footerRe},
	},
	{
		name:   UISettings,
		top:    []*regexp.Regexp{regexp.MustCompile(`^\s*Settings:?\s*(\S.*)?$`)},
		bottom: []*regexp.Regexp{footerRe},
	},
}

func matchAny(res []*regexp.Regexp, line string) bool {
	for _, re := range res {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// DetectInteractiveUI returns the modal prompt on screen, or nil. Both the
// top marker and the footer have to be visible; a half-drawn prompt is not
// reported.
func DetectInteractiveUI(text string) *InteractiveUI {
	lines := cleanLines(text)
	if len(lines) == 0 {
		return nil
	}
	for _, p := range uiPatterns {
		if content, ok := extract(lines, p); ok {
			return &InteractiveUI{Name: p.name, Content: content}
		}
	}
	return nil
}

func extract(lines []string, p uiPattern) (string, bool) {
	top := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if matchAny(p.top, lines[i]) {
			top = i
			break
		}
	}
	if top < 0 {
		return "", false
	}
	for j := top + 1; j < len(lines); j++ {
		if !matchAny(p.bottom, lines[j]) {
			continue
		}
		block := make([]string, 0, j-top+1)
		for _, l := range lines[top : j+1] {
			if separatorRe.MatchString(strings.TrimSpace(l)) {
				continue
			}
			block = append(block, strings.TrimRight(l, " \t"))
		}
		return strings.TrimSpace(strings.Join(block, "\n")), true
	}
	return "", false
}
