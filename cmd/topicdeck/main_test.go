package main

import (
	"context"
	"errors"
	"testing"

	"github.com/asheshgoplani/topicdeck/internal/config"
	"github.com/asheshgoplani/topicdeck/internal/dispatch"
	"github.com/asheshgoplani/topicdeck/internal/transcript"
	"github.com/asheshgoplani/topicdeck/internal/web"
)

func TestCheckSettings(t *testing.T) {
	tests := []struct {
		name    string
		s       config.Settings
		wantErr bool
	}{
		{name: "empty", wantErr: true},
		{name: "no users", s: config.Settings{Telegram: config.TelegramSettings{BotToken: "t"}}, wantErr: true},
		{name: "ok", s: config.Settings{Telegram: config.TelegramSettings{BotToken: "t", AllowedUsers: []int64{1}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := checkSettings(&tc.s)
			if (err != nil) != tc.wantErr {
				t.Fatalf("checkSettings() err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

type paneText map[string]string

func (p paneText) CapturePane(_ context.Context, id string) (string, error) {
	s, ok := p[id]
	if !ok {
		return "", errors.New("no such window")
	}
	return s, nil
}

func TestStatusLine(t *testing.T) {
	check := statusLine(paneText{
		"@1": "output\n\n✻ Pondering… (3s · esc to interrupt)\n\n────\n❯ \n────\n",
		"@2": "idle\n\n────\n❯ \n────\n",
	})
	ctx := context.Background()
	if got := check(ctx, "@1"); got == "" {
		t.Fatal("expected a status line for a busy pane")
	}
	if got := check(ctx, "@2"); got != "" {
		t.Fatalf("idle pane status = %q", got)
	}
	if got := check(ctx, "@9"); got != "" {
		t.Fatalf("missing pane status = %q", got)
	}
}

type nopSender struct{}

func (nopSender) Send(context.Context, int64, int64, string, bool) (int, error) { return 1, nil }
func (nopSender) Edit(context.Context, int64, int, string) error                 { return nil }
func (nopSender) Delete(context.Context, int64, int) error                       { return nil }
func (nopSender) SendChatAction(context.Context, int64, int64, string) error     { return nil }

type privateChats struct{}

func (privateChats) ResolveChatID(userID, _ int64) int64 { return userID }

func TestObservedQueuePublishes(t *testing.T) {
	hub := web.NewHub()
	events := hub.Subscribe()
	defer hub.Unsubscribe(events)

	q := &observedQueue{
		Queue: dispatch.New(nopSender{}, privateChats{}, dispatch.NewLimiters(0), dispatch.Options{}),
		hub:   hub,
	}
	q.Enqueue(dispatch.Task{Kind: dispatch.KindContent, UserID: 1, ThreadID: 2, WindowID: "@1",
		Parts: []string{"a", "b"}, ContentType: transcript.EventText})
	if !q.EnqueueStatus(1, 2, "@1", "✻ Working…") {
		t.Fatal("first status should be accepted")
	}
	if q.EnqueueStatus(1, 2, "@1", "✻ Working…") {
		t.Fatal("duplicate status should be dropped")
	}

	msg := <-events
	if msg.Type != "message" || msg.Text != "a\nb" || msg.Kind != "text" {
		t.Fatalf("message event = %+v", msg)
	}
	st := <-events
	if st.Type != "status" || st.Text != "✻ Working…" {
		t.Fatalf("status event = %+v", st)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestObservedQueueWithoutHub(t *testing.T) {
	q := &observedQueue{Queue: dispatch.New(nopSender{}, privateChats{}, dispatch.NewLimiters(0), dispatch.Options{})}
	q.Enqueue(dispatch.Task{Kind: dispatch.KindContent, UserID: 1, ThreadID: 2, Parts: []string{"x"}})
	if q.Len(1) != 1 {
		t.Fatalf("queue len = %d", q.Len(1))
	}
}
