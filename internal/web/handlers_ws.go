package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type wsClientMessage struct {
	Type string `json:"type"`
}

type wsServerMessage struct {
	Type    string    `json:"type"` // status, event, error
	Event   string    `json:"event,omitempty"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
	Data    *Event    `json:"data,omitempty"`
	Time    time.Time `json:"time,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

// handleEventsWS pushes hub events to a websocket client. The client may
// send {"type":"ping"}; anything else gets an error frame.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	writer := &wsConnWriter{conn: conn}

	events := s.hub.Subscribe()
	defer s.hub.Unsubscribe(events)

	if err := writer.WriteJSON(wsServerMessage{Type: "status", Event: "connected", Time: s.now().UTC()}); err != nil {
		return
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway,
					websocket.CloseNoStatusReceived) {
					webLog.Warn("websocket_closed_unexpectedly", slog.String("error", err.Error()))
				}
				return
			}
			var msg wsClientMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				_ = writer.WriteJSON(wsServerMessage{Type: "error", Code: "INVALID_MESSAGE", Message: "invalid json payload", Time: s.now().UTC()})
				continue
			}
			switch msg.Type {
			case "ping":
				_ = writer.WriteJSON(wsServerMessage{Type: "status", Event: "pong", Time: s.now().UTC()})
			default:
				_ = writer.WriteJSON(wsServerMessage{Type: "error", Code: "UNSUPPORTED_MESSAGE", Message: "supported message types: ping", Time: s.now().UTC()})
			}
		}
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			_ = writer.WriteJSON(wsServerMessage{Type: "status", Event: "shutdown", Time: s.now().UTC()})
			return
		case <-readDone:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writer.WriteJSON(wsServerMessage{Type: "event", Event: ev.Type, Data: &ev, Time: ev.Time}); err != nil {
				return
			}
		}
	}
}
