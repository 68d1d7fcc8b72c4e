package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component names attached to every record as the "component" attribute.
const (
	CompMonitor    = "monitor"
	CompTranscript = "transcript"
	CompSession    = "session"
	CompScreen     = "screen"
	CompTmux       = "tmux"
	CompDispatch   = "dispatch"
	CompTelegram   = "telegram"
	CompStatus     = "status"
	CompStorage    = "storage"
	CompWeb        = "web"
	CompHook       = "hook"
	CompBridge     = "bridge"
)

// Config holds logging configuration.
type Config struct {
	// LogDir receives debug.log (e.g. ~/.topicdeck). Empty disables file output.
	LogDir string

	// Level is the minimum level: "debug", "info", "warn", "error"
	Level string

	// Format is "json" (default) or "text"
	Format string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// RingBufferSize is the in-memory crash buffer size in bytes (default 4MB)
	RingBufferSize int

	// AggregateIntervalSecs controls how often batched events are summarized
	AggregateIntervalSecs int

	// Mirror, when set, receives a copy of every record (used for foreground runs)
	Mirror io.Writer

	// PprofAddr starts a pprof listener when non-empty
	PprofAddr string
}

var (
	mu         sync.RWMutex
	root       *slog.Logger
	ring       *RingBuffer
	agg        *Aggregator
	fileWriter *lumberjack.Logger
)

// Init installs the process-wide logger. Safe to call more than once; the
// previous writers are closed first.
func Init(cfg Config) {
	Shutdown()

	mu.Lock()
	defer mu.Unlock()

	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 10
	}
	if cfg.RingBufferSize <= 0 {
		cfg.RingBufferSize = 4 * 1024 * 1024
	}

	var writers []io.Writer
	if cfg.LogDir != "" {
		fileWriter = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, "debug.log"),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, fileWriter)
	}
	if cfg.Mirror != nil {
		writers = append(writers, cfg.Mirror)
	}
	if len(writers) == 0 {
		root = slog.New(slog.NewJSONHandler(io.Discard, nil))
		return
	}

	ring = NewRingBuffer(cfg.RingBufferSize)
	writers = append(writers, ring)
	out := io.MultiWriter(writers...)

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	root = slog.New(handler)

	agg = NewAggregator(root, cfg.AggregateIntervalSecs)
	agg.Start()

	if cfg.PprofAddr != "" {
		go servePprof(root, cfg.PprofAddr)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func servePprof(l *slog.Logger, addr string) {
	l.Info("pprof_listen", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, nil); err != nil {
		l.Error("pprof_failed", slog.String("error", err.Error()))
	}
}

// Logger returns the process logger. Before Init it discards everything.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if root == nil {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return root
}

// ForComponent returns a logger tagged with the component name. The returned
// logger resolves the real handler at log time, so package-level vars created
// before Init still write to the configured outputs.
func ForComponent(name string) *slog.Logger {
	return slog.New(&componentHandler{component: name})
}

type componentHandler struct {
	component string
	attrs     []slog.Attr
	groups    []string
}

func (h *componentHandler) target() slog.Handler {
	handler := Logger().Handler().WithAttrs([]slog.Attr{slog.String("component", h.component)})
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	for _, g := range h.groups {
		handler = handler.WithGroup(g)
	}
	return handler
}

func (h *componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger().Handler().Enabled(ctx, level)
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.target().Handle(ctx, r)
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &componentHandler{component: h.component, attrs: merged, groups: h.groups}
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	groups := append(append([]string(nil), h.groups...), name)
	return &componentHandler{component: h.component, attrs: h.attrs, groups: groups}
}

// Aggregate counts a high-frequency event; a summary line is emitted per
// flush interval instead of one line per occurrence.
func Aggregate(component, event string, fields ...slog.Attr) {
	mu.RLock()
	a := agg
	mu.RUnlock()
	if a != nil {
		a.Record(component, event, fields...)
	}
}

// DumpRingBuffer writes recent log output to path.
func DumpRingBuffer(path string) error {
	mu.RLock()
	r := ring
	mu.RUnlock()
	if r == nil {
		return nil
	}
	return r.DumpToFile(path)
}

// Shutdown flushes pending summaries and closes the rotating file.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()

	if agg != nil {
		agg.Stop()
		agg = nil
	}
	if fileWriter != nil {
		_ = fileWriter.Close()
		fileWriter = nil
	}
	root = nil
	ring = nil
}
