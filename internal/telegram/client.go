// Package telegram is a small Bot API client covering what the bridge needs:
// forum-topic messages, edits, deletes, chat actions, documents and the
// getUpdates long poll.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/asheshgoplani/topicdeck/internal/logging"
	"github.com/asheshgoplani/topicdeck/internal/markup"
)

var telegramLog = logging.ForComponent(logging.CompTelegram)

const (
	DefaultBaseURL = "https://api.telegram.org"

	// MaxMessageLength is the Bot API limit on message text, in characters.
	MaxMessageLength = 4096

	ParseModeHTML = "HTML"
)

// Client talks to the Bot API over HTTPS.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

type Option func(*Client)

// WithBaseURL points the client at another Bot API server.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(token string, opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Timeout: 60 * time.Second},
		baseURL: DefaultBaseURL,
		token:   token,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
}

// redact strips the token from transport errors, which embed the URL.
func (c *Client) redact(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) && c.token != "" {
		ue.URL = strings.ReplaceAll(ue.URL, c.token, "<token>")
	}
	return err
}

// call posts body as JSON and decodes result into out (when non-nil).
func (c *Client) call(ctx context.Context, method string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("telegram %s: encode: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, method, out)
}

func (c *Client) do(req *http.Request, method string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, c.redact(err))
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return fmt.Errorf("telegram %s: http %d: %s", method, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if !ar.OK {
		if ar.ErrorCode == http.StatusTooManyRequests || (ar.Parameters != nil && ar.Parameters.RetryAfter > 0) {
			after := 1
			if ar.Parameters != nil && ar.Parameters.RetryAfter > 0 {
				after = ar.Parameters.RetryAfter
			}
			return &RetryAfterError{Method: method, After: time.Duration(after) * time.Second}
		}
		code := ar.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{
			Method:      method,
			Code:        code,
			Description: ar.Description,
			kind:        classifyDescription(code, ar.Description),
		}
	}
	if out != nil && len(ar.Result) > 0 {
		if err := json.Unmarshal(ar.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

// SendMessage sends text as-is with the given parse mode and returns the
// new message id. threadID 0 posts outside any topic.
func (c *Client) SendMessage(ctx context.Context, chatID, threadID int64, text, parseMode string, silent bool) (int, error) {
	var msg Message
	err := c.call(ctx, "sendMessage", sendMessageRequest{
		ChatID:              chatID,
		MessageThreadID:     threadID,
		Text:                text,
		ParseMode:           parseMode,
		DisableNotification: silent,
		LinkPreview:         &linkPreview{IsDisabled: true},
	}, &msg)
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// EditMessageText replaces the text of a message.
func (c *Client) EditMessageText(ctx context.Context, chatID int64, messageID int, text, parseMode string) error {
	return c.call(ctx, "editMessageText", editMessageRequest{
		ChatID:      chatID,
		MessageID:   messageID,
		Text:        text,
		ParseMode:   parseMode,
		LinkPreview: &linkPreview{IsDisabled: true},
	}, nil)
}

// Send renders Markdown to HTML and sends it, falling back to the plain
// source when Telegram rejects the entities.
func (c *Client) Send(ctx context.Context, chatID, threadID int64, text string, silent bool) (int, error) {
	id, err := c.SendMessage(ctx, chatID, threadID, markup.ToHTML(text), ParseModeHTML, silent)
	if errors.Is(err, ErrBadEntities) {
		telegramLog.Debug("html_rejected_fallback_plain",
			slog.Int64("chat_id", chatID),
			slog.String("error", err.Error()))
		return c.SendMessage(ctx, chatID, threadID, markup.PlainText(text), "", silent)
	}
	return id, err
}

// Edit is Send for an existing message. An unchanged text is not an error.
func (c *Client) Edit(ctx context.Context, chatID int64, messageID int, text string) error {
	err := c.EditMessageText(ctx, chatID, messageID, markup.ToHTML(text), ParseModeHTML)
	if errors.Is(err, ErrBadEntities) {
		err = c.EditMessageText(ctx, chatID, messageID, markup.PlainText(text), "")
	}
	if errors.Is(err, ErrMessageNotModified) {
		return nil
	}
	return err
}

// Delete removes a message.
func (c *Client) Delete(ctx context.Context, chatID int64, messageID int) error {
	return c.call(ctx, "deleteMessage", deleteMessageRequest{ChatID: chatID, MessageID: messageID}, nil)
}

// SendChatAction shows a transient indicator such as "typing".
func (c *Client) SendChatAction(ctx context.Context, chatID, threadID int64, action string) error {
	return c.call(ctx, "sendChatAction", chatActionRequest{
		ChatID:          chatID,
		MessageThreadID: threadID,
		Action:          action,
	}, nil)
}

// UnpinAllForumTopicMessages is cheap and side-effect free on a topic with
// no pins, which makes it a usable existence probe. A deleted topic yields
// ErrTopicNotFound.
func (c *Client) UnpinAllForumTopicMessages(ctx context.Context, chatID, threadID int64) error {
	return c.call(ctx, "unpinAllForumTopicMessages", topicRequest{ChatID: chatID, MessageThreadID: threadID}, nil)
}

// SendDocument uploads data as a file.
func (c *Client) SendDocument(ctx context.Context, chatID, threadID int64, filename string, data []byte, caption string) (int, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("chat_id", strconv.FormatInt(chatID, 10))
	if threadID != 0 {
		_ = mw.WriteField("message_thread_id", strconv.FormatInt(threadID, 10))
	}
	if caption = strings.TrimSpace(caption); caption != "" {
		_ = mw.WriteField("caption", caption)
	}
	if filename == "" {
		filename = "file"
	}
	part, err := mw.CreateFormFile("document", filename)
	if err != nil {
		return 0, err
	}
	if _, err := part.Write(data); err != nil {
		return 0, err
	}
	if err := mw.Close(); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL("sendDocument"), &body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var msg Message
	if err := c.do(req, "sendDocument", &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// GetMe returns the bot's own user.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var u User
	if err := c.call(ctx, "getMe", struct{}{}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUpdates long-polls for updates after offset and returns the offset to
// acknowledge them with.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, int64, error) {
	secs := int(timeout.Seconds())
	if secs < 0 {
		secs = 0
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	var updates []Update
	err := c.call(reqCtx, "getUpdates", getUpdatesRequest{
		Offset:         offset,
		Timeout:        secs,
		AllowedUpdates: []string{"message", "edited_message"},
	}, &updates)
	if err != nil {
		return nil, offset, err
	}
	next := offset
	for _, u := range updates {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
	}
	return updates, next, nil
}
