package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func wsURL(baseURL, path string) string {
	return "ws://" + strings.TrimPrefix(baseURL, "http://") + path
}

func readWS(t *testing.T, conn *websocket.Conn) wsServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wsServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read websocket message: %v", err)
	}
	return msg
}

func TestWSEventsUnauthorized(t *testing.T) {
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0", Token: "secret-token"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "/ws/events"), nil)
	if err == nil {
		t.Fatal("expected websocket dial error for unauthorized request")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %+v", resp)
	}
}

func TestWSEventsRejectsForeignOrigin(t *testing.T) {
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "/ws/events"), header)
	if err == nil {
		t.Fatal("expected dial error for cross-origin request")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 response, got %+v", resp)
	}
}

func TestWSEventsStreamsBacklogAndLive(t *testing.T) {
	hub := NewHub()
	hub.Publish(Event{Type: "message", ThreadID: 7, WindowID: "@1", Kind: "text", Text: "earlier"})

	srv := NewServer(Config{ListenAddr: "127.0.0.1:0", Token: "secret-token", Hub: hub})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "/ws/events?token=secret-token"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if msg := readWS(t, conn); msg.Type != "status" || msg.Event != "connected" {
		t.Fatalf("expected connected status, got %+v", msg)
	}
	backlog := readWS(t, conn)
	if backlog.Type != "event" || backlog.Data == nil || backlog.Data.Text != "earlier" {
		t.Fatalf("expected backlog event, got %+v", backlog)
	}

	hub.Publish(Event{Type: "status", ThreadID: 7, WindowID: "@1", Text: "✻ Working…"})
	live := readWS(t, conn)
	if live.Event != "status" || live.Data == nil || live.Data.Text != "✻ Working…" {
		t.Fatalf("expected live status event, got %+v", live)
	}
}

func TestWSEventsPing(t *testing.T) {
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "/ws/events"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = readWS(t, conn)

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if msg := readWS(t, conn); msg.Event != "pong" {
		t.Fatalf("expected pong, got %+v", msg)
	}

	if err := conn.WriteJSON(map[string]string{"type": "input"}); err != nil {
		t.Fatalf("write input: %v", err)
	}
	if msg := readWS(t, conn); msg.Type != "error" || msg.Code != "UNSUPPORTED_MESSAGE" {
		t.Fatalf("expected unsupported error, got %+v", msg)
	}
}
