// Package web serves a small local observer API: a health probe, the
// current topic bindings and a live stream of bridge events.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/asheshgoplani/topicdeck/internal/logging"
	"github.com/asheshgoplani/topicdeck/internal/session"
)

var webLog = logging.ForComponent(logging.CompWeb)

const DefaultListenAddr = "127.0.0.1:8421"

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	Token      string
	Bindings   BindingLister
	Hub        *Hub
}

// BindingLister exposes the registry state shown by /api/bindings.
// *session.Registry implements it.
type BindingLister interface {
	IterBindings() []session.Binding
	DisplayName(windowID string) string
}

type Server struct {
	cfg        Config
	hub        *Hub
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc
	now        func() time.Time
}

// NewServer creates a new web server with its routes and middleware.
func NewServer(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub()
	}

	s := &Server{cfg: cfg, hub: hub, now: time.Now}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/bindings", s.handleBindings)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/ws/events", s.handleEventsWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) Addr() string { return s.httpServer.Addr }

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Hub() *Hub { return s.hub }

// Start serves until Shutdown. Returns nil on graceful shutdown.
func (s *Server) Start() error {
	webLog.Info("web_listening", slog.String("addr", s.cfg.ListenAddr))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	// Streams watch the base context, so cancel it first.
	s.cancelBase()

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	bindings := 0
	if s.cfg.Bindings != nil {
		bindings = len(s.cfg.Bindings.IterBindings())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"bindings":    bindings,
		"subscribers": s.hub.Subscribers(),
		"time":        s.now().UTC().Format(time.RFC3339),
	})
}

type bindingView struct {
	UserID     int64     `json:"userId"`
	ThreadID   int64     `json:"threadId"`
	WindowID   string    `json:"windowId"`
	WindowName string    `json:"windowName"`
	BoundAt    time.Time `json:"boundAt"`
}

func (s *Server) handleBindings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	out := []bindingView{}
	if s.cfg.Bindings != nil {
		for _, b := range s.cfg.Bindings.IterBindings() {
			out = append(out, bindingView{
				UserID:     b.UserID,
				ThreadID:   b.ThreadID,
				WindowID:   b.WindowID,
				WindowName: s.cfg.Bindings.DisplayName(b.WindowID),
				BoundAt:    b.BoundAt,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bindings": out})
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]apiError{"error": {Code: code, Message: message}})
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
