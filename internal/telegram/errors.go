package telegram

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMessageNotModified: an edit carried the text the message already has.
	ErrMessageNotModified = errors.New("telegram: message is not modified")
	// ErrMessageNotFound: the message to edit or delete no longer exists.
	ErrMessageNotFound = errors.New("telegram: message not found")
	// ErrBadEntities: the HTML was rejected; resend as plain text.
	ErrBadEntities = errors.New("telegram: can't parse entities")
	// ErrTopicNotFound: the forum topic was deleted or never existed.
	ErrTopicNotFound = errors.New("telegram: topic not found")
	// ErrForbidden: the bot was blocked or removed from the chat.
	ErrForbidden = errors.New("telegram: forbidden")
)

// APIError is a response with ok=false. It unwraps to one of the sentinels
// above when the description is recognised.
type APIError struct {
	Method      string
	Code        int
	Description string
	kind        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

func (e *APIError) Unwrap() error { return e.kind }

// RetryAfterError is a 429 flood-control response.
type RetryAfterError struct {
	Method string
	After  time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("telegram %s: too many requests, retry after %s", e.Method, e.After)
}

func classifyDescription(code int, desc string) error {
	d := strings.ToLower(desc)
	switch {
	case strings.Contains(d, "message is not modified"):
		return ErrMessageNotModified
	case strings.Contains(d, "message to edit not found"),
		strings.Contains(d, "message to delete not found"),
		strings.Contains(d, "message can't be deleted"),
		strings.Contains(d, "message_id_invalid"):
		return ErrMessageNotFound
	case strings.Contains(d, "can't parse entities"),
		strings.Contains(d, "unsupported start tag"),
		strings.Contains(d, "can't find end tag"):
		return ErrBadEntities
	case strings.Contains(d, "thread not found"),
		strings.Contains(d, "topic_id_invalid"),
		strings.Contains(d, "topic_deleted"):
		return ErrTopicNotFound
	case code == 403:
		return ErrForbidden
	}
	return nil
}
