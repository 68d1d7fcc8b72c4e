package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	Path string
	Body map[string]any
}

// fakeAPI replies with the queued bodies in order, then with the last one.
type fakeAPI struct {
	mu       sync.Mutex
	replies  []string
	requests []recorded
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := recorded{Path: r.URL.Path}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &rec.Body)
	}
	f.requests = append(f.requests, rec)
	reply := `{"ok":true,"result":true}`
	if len(f.replies) > 0 {
		reply = f.replies[0]
		if len(f.replies) > 1 {
			f.replies = f.replies[1:]
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, reply)
}

func (f *fakeAPI) last() recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestClient(t *testing.T, replies ...string) (*Client, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{replies: replies}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return New("TOKEN", WithBaseURL(srv.URL)), api
}

func TestSendRendersHTML(t *testing.T) {
	c, api := newTestClient(t, `{"ok":true,"result":{"message_id":77}}`)

	id, err := c.Send(context.Background(), -100, 5, "**hi**", true)
	require.NoError(t, err)
	assert.Equal(t, 77, id)

	req := api.last()
	assert.Equal(t, "/botTOKEN/sendMessage", req.Path)
	assert.Equal(t, "HTML", req.Body["parse_mode"])
	assert.Equal(t, "<b>hi</b>", req.Body["text"])
	assert.Equal(t, float64(5), req.Body["message_thread_id"])
	assert.Equal(t, true, req.Body["disable_notification"])
}

func TestSendWithoutThreadOmitsField(t *testing.T) {
	c, api := newTestClient(t, `{"ok":true,"result":{"message_id":1}}`)
	_, err := c.Send(context.Background(), 42, 0, "x", false)
	require.NoError(t, err)
	_, has := api.last().Body["message_thread_id"]
	assert.False(t, has)
}

func TestSendFallsBackToPlainText(t *testing.T) {
	c, api := newTestClient(t,
		`{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities: Unsupported start tag \"x\""}`,
		`{"ok":true,"result":{"message_id":9}}`,
	)
	id, err := c.Send(context.Background(), 1, 2, "a <x> b", false)
	require.NoError(t, err)
	assert.Equal(t, 9, id)

	require.Len(t, api.requests, 2)
	second := api.requests[1].Body
	_, hasMode := second["parse_mode"]
	assert.False(t, hasMode)
	assert.Equal(t, "a <x> b", second["text"])
}

func TestEditNotModifiedIsNil(t *testing.T) {
	c, _ := newTestClient(t, `{"ok":false,"error_code":400,"description":"Bad Request: message is not modified: specified new message content and reply markup are exactly the same"}`)
	assert.NoError(t, c.Edit(context.Background(), 1, 10, "same"))
}

func TestRetryAfter(t *testing.T) {
	c, _ := newTestClient(t, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`)
	_, err := c.SendMessage(context.Background(), 1, 0, "x", "", false)
	var ra *RetryAfterError
	require.True(t, errors.As(err, &ra), "err = %v", err)
	assert.Equal(t, 7*time.Second, ra.After)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		code int
		desc string
		want error
	}{
		{400, "Bad Request: message to edit not found", ErrMessageNotFound},
		{400, "Bad Request: message to delete not found", ErrMessageNotFound},
		{400, "Bad Request: message thread not found", ErrTopicNotFound},
		{400, "Bad Request: TOPIC_ID_INVALID", ErrTopicNotFound},
		{403, "Forbidden: bot was blocked by the user", ErrForbidden},
		{400, "Bad Request: can't parse entities: x", ErrBadEntities},
	}
	for _, tt := range tests {
		body, _ := json.Marshal(map[string]any{"ok": false, "error_code": tt.code, "description": tt.desc})
		c, _ := newTestClient(t, string(body))
		err := c.Delete(context.Background(), 1, 2)
		assert.ErrorIs(t, err, tt.want, tt.desc)

		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, tt.code, apiErr.Code)
		assert.Equal(t, "deleteMessage", apiErr.Method)
	}
}

func TestUnknownAPIErrorHasNoSentinel(t *testing.T) {
	c, _ := newTestClient(t, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
	err := c.SendChatAction(context.Background(), 1, 2, "typing")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrMessageNotFound))
	assert.Contains(t, err.Error(), "chat not found")
}

func TestUnpinAllForumTopicMessages(t *testing.T) {
	c, api := newTestClient(t)
	require.NoError(t, c.UnpinAllForumTopicMessages(context.Background(), -100, 33))
	req := api.last()
	assert.Equal(t, "/botTOKEN/unpinAllForumTopicMessages", req.Path)
	assert.Equal(t, float64(33), req.Body["message_thread_id"])
}

func TestGetUpdatesAdvancesOffset(t *testing.T) {
	c, api := newTestClient(t, `{"ok":true,"result":[
		{"update_id":10,"message":{"message_id":1,"message_thread_id":4,"chat":{"id":-100,"type":"supergroup","is_forum":true},"from":{"id":7},"text":"hi"}},
		{"update_id":12,"message":{"message_id":2,"chat":{"id":7},"forum_topic_closed":{}}}
	]}`)
	updates, next, err := c.GetUpdates(context.Background(), 5, time.Second)
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, int64(13), next)
	assert.Equal(t, int64(4), updates[0].Message.MessageThreadID)
	assert.Equal(t, "hi", updates[0].Message.Text)
	assert.NotNil(t, updates[1].Message.ForumTopicClosed)
	assert.Equal(t, float64(5), api.last().Body["offset"])
}

func TestTransportErrorRedactsToken(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := New("SECRET123", WithBaseURL(srv.URL))
	_, err := c.SendMessage(context.Background(), 1, 0, "x", "", false)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "SECRET123")
}

func TestSendDocument(t *testing.T) {
	var got struct {
		chat, thread, caption, name, content string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		got.chat = r.FormValue("chat_id")
		got.thread = r.FormValue("message_thread_id")
		got.caption = r.FormValue("caption")
		f, hdr, err := r.FormFile("document")
		require.NoError(t, err)
		b, _ := io.ReadAll(f)
		got.name, got.content = hdr.Filename, string(b)
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":5}}`)
	}))
	defer srv.Close()

	c := New("T", WithBaseURL(srv.URL))
	id, err := c.SendDocument(context.Background(), -100, 8, "pane.txt", []byte("screen"), "api")
	require.NoError(t, err)
	assert.Equal(t, 5, id)
	assert.Equal(t, "-100", got.chat)
	assert.Equal(t, "8", got.thread)
	assert.Equal(t, "api", got.caption)
	assert.Equal(t, "pane.txt", got.name)
	assert.Equal(t, "screen", got.content)
}

func TestPollerHandlesAndCommits(t *testing.T) {
	c, _ := newTestClient(t,
		`{"ok":true,"result":[{"update_id":10,"message":{"message_id":1,"text":"a"}},{"update_id":11,"message":{"message_id":2,"text":"b"}}]}`,
		`{"ok":true,"result":[]}`,
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var texts []string
	var committed int64
	p := &Poller{
		Client:  c,
		Timeout: time.Second,
		Handle: func(_ context.Context, u Update) {
			texts = append(texts, u.Message.Text)
			if len(texts) == 2 {
				cancel()
			}
		},
		Commit: func(next int64) { committed = next },
	}
	require.NoError(t, p.Run(ctx, 0))
	assert.Equal(t, []string{"a", "b"}, texts)
	assert.Equal(t, int64(12), committed)
}
