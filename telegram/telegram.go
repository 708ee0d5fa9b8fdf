// Package telegram contains a hand-written Bot API client covering the
// handful of methods the bot needs: long-polling for updates, sending
// text and video, and chat actions.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/mognev/recipebot/telemetry"
)

const defaultBaseURL = "https://api.telegram.org"

// The Bot API allows roughly 30 messages per second across all chats;
// staying under that avoids 429s during bursts.
const (
	defaultRatePerSecond = 25
	defaultBurst         = 5
)

// Update is one long-poll result entry.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is the subset of the Bot API message object the bot reads.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

// User identifies a Telegram account.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// Client calls the Bot API. BaseURL is overridable so tests can point it
// at a local server. A nil Limiter disables outbound throttling.
type Client struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
	Limiter    *rate.Limiter
}

// NewClient returns a client with the default outbound rate limit.
func NewClient(token string) *Client {
	return &Client{
		Token:   token,
		Limiter: rate.NewLimiter(rate.Limit(defaultRatePerSecond), defaultBurst),
	}
}

// APIError is a Bot API response with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %s (code %d)", e.Method, e.Description, e.Code)
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return defaultBaseURL
}

func (c *Client) endpoint(method string) string {
	return c.base() + "/bot" + c.Token + "/" + method
}

func (c *Client) wait(ctx context.Context) error {
	if c.Limiter == nil {
		return nil
	}
	return c.Limiter.Wait(ctx)
}

// GetUpdates long-polls for new updates. The HTTP request blocks for up to
// timeoutSeconds, so the client must not carry a tight HTTP timeout.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeoutSeconds int) ([]Update, error) {
	payload := map[string]any{
		"timeout":         timeoutSeconds,
		"allowed_updates": []string{"message"},
	}
	if offset != 0 {
		payload["offset"] = offset
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// GetMe fetches the bot's own account, used at startup to verify the token.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var u User
	if err := c.call(ctx, "getMe", map[string]any{}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// SendMessage sends text to a chat, optionally as Markdown.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, markdown bool) error {
	return c.sendText(ctx, chatID, 0, text, markdown)
}

// SendReply sends text as a threaded reply to an earlier message.
func (c *Client) SendReply(ctx context.Context, chatID, replyTo int64, text string, markdown bool) error {
	return c.sendText(ctx, chatID, replyTo, text, markdown)
}

func (c *Client) sendText(ctx context.Context, chatID, replyTo int64, text string, markdown bool) error {
	payload := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}
	if markdown {
		payload["parse_mode"] = "Markdown"
	}
	if replyTo != 0 {
		payload["reply_to_message_id"] = replyTo
	}
	return c.call(ctx, "sendMessage", payload, nil)
}

// SendChatAction shows a status indicator ("typing", "upload_video") in the
// chat while a slow step runs.
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	payload := map[string]any{"chat_id": chatID, "action": action}
	return c.call(ctx, "sendChatAction", payload, nil)
}

// SendVideo uploads the file at path as a streamable video and returns the
// sent message, so follow-up text can reply to it.
func (c *Client) SendVideo(ctx context.Context, chatID int64, path, caption string) (*Message, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open video for upload: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close video file", slog.Any("err", err))
		}
	}()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return nil, fmt.Errorf("write chat_id field: %w", err)
	}
	if err := mw.WriteField("supports_streaming", "true"); err != nil {
		return nil, fmt.Errorf("write supports_streaming field: %w", err)
	}
	if caption != "" {
		if err := mw.WriteField("caption", caption); err != nil {
			return nil, fmt.Errorf("write caption field: %w", err)
		}
	}
	part, err := mw.CreateFormFile("video", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copy video into form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("sendVideo"), &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.http().Do(req)
	if err != nil {
		if ctx.Err() == nil {
			telemetry.CountTelegramAPIError()
		}
		return nil, fmt.Errorf("telegram sendVideo: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	var msg Message
	if err := decodeResult(resp, "sendVideo", &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) call(ctx context.Context, method string, payload, out any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(method), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http().Do(req)
	if err != nil {
		if ctx.Err() == nil {
			telemetry.CountTelegramAPIError()
		}
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	return decodeResult(resp, method, out)
}

// decodeResult unwraps the {"ok", "result"} envelope the Bot API puts
// around every response.
func decodeResult(resp *http.Response, method string, out any) error {
	var env struct {
		OK          bool            `json:"ok"`
		Result      json.RawMessage `json:"result"`
		Description string          `json:"description"`
		ErrorCode   int             `json:"error_code"`
		Parameters  struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		telemetry.CountTelegramAPIError()
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if !env.OK {
		telemetry.CountTelegramAPIError()
		return &APIError{
			Method:      method,
			Code:        env.ErrorCode,
			Description: env.Description,
			RetryAfter:  env.Parameters.RetryAfter,
		}
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
