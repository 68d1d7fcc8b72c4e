package logging

import (
	"log/slog"
	"strings"
)

// BridgeWriter lets the stdlib log package (used by net/http and a few
// libraries) write into slog. A leading "[name] " prefix becomes the component.
type BridgeWriter struct {
	fallback string
}

func NewBridgeWriter(defaultComponent string) *BridgeWriter {
	return &BridgeWriter{fallback: defaultComponent}
}

func (w *BridgeWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	component := w.fallback
	if strings.HasPrefix(line, "[") {
		if end := strings.Index(line, "] "); end > 1 {
			component = strings.ToLower(line[1:end])
			line = line[end+2:]
		}
	}
	Logger().Info(line, slog.String("component", component))
	return len(p), nil
}
