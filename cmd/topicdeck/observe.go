package main

import (
	"strings"

	"github.com/asheshgoplani/topicdeck/internal/dispatch"
	"github.com/asheshgoplani/topicdeck/internal/web"
)

// observedQueue copies everything handed to the dispatch queue onto the web
// event hub. A nil hub makes it a plain pass-through.
type observedQueue struct {
	*dispatch.Queue
	hub *web.Hub
}

func (q *observedQueue) Enqueue(t dispatch.Task) {
	q.hub.Publish(web.Event{
		Type:     "message",
		UserID:   t.UserID,
		ThreadID: t.ThreadID,
		WindowID: t.WindowID,
		Kind:     string(t.ContentType),
		Text:     strings.Join(t.Parts, "\n"),
	})
	q.Queue.Enqueue(t)
}

func (q *observedQueue) EnqueueStatus(userID, threadID int64, windowID, text string) bool {
	if !q.Queue.EnqueueStatus(userID, threadID, windowID, text) {
		return false
	}
	q.hub.Publish(web.Event{
		Type:     "status",
		UserID:   userID,
		ThreadID: threadID,
		WindowID: windowID,
		Text:     text,
	})
	return true
}
