package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/time/rate"
)

func decodePayload(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		t.Fatalf("decode request payload: %v", err)
	}
	return payload
}

func TestGetUpdates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottest-token/getUpdates" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		payload := decodePayload(t, r)
		if payload["timeout"] != float64(30) {
			t.Errorf("timeout = %v, want 30", payload["timeout"])
		}
		if payload["offset"] != float64(42) {
			t.Errorf("offset = %v, want 42", payload["offset"])
		}
		fmt.Fprint(w, `{"ok":true,"result":[
			{"update_id":43,"message":{"message_id":7,"from":{"id":1001,"username":"maria","first_name":"Maria"},"chat":{"id":1001,"type":"private"},"text":"https://www.instagram.com/reel/abc/"}}
		]}`)
	}))
	defer srv.Close()

	c := &Client{Token: "test-token", BaseURL: srv.URL}
	updates, err := c.GetUpdates(context.Background(), 42, 30)
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(updates))
	}
	u := updates[0]
	if u.UpdateID != 43 {
		t.Errorf("UpdateID = %d, want 43", u.UpdateID)
	}
	if u.Message == nil || u.Message.From == nil {
		t.Fatal("message or sender missing")
	}
	if u.Message.From.ID != 1001 {
		t.Errorf("From.ID = %d, want 1001", u.Message.From.ID)
	}
	if u.Message.Chat.ID != 1001 {
		t.Errorf("Chat.ID = %d, want 1001", u.Message.Chat.ID)
	}
	if u.Message.Text != "https://www.instagram.com/reel/abc/" {
		t.Errorf("Text = %q", u.Message.Text)
	}
}

func TestGetUpdatesOmitsZeroOffset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := decodePayload(t, r)
		if _, ok := payload["offset"]; ok {
			t.Error("offset should be omitted on the first poll")
		}
		fmt.Fprint(w, `{"ok":true,"result":[]}`)
	}))
	defer srv.Close()

	c := &Client{Token: "t", BaseURL: srv.URL}
	updates, err := c.GetUpdates(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	if len(updates) != 0 {
		t.Errorf("got %d updates, want 0", len(updates))
	}
}

func TestSendMessageMarkdown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bott/sendMessage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		payload := decodePayload(t, r)
		if payload["chat_id"] != float64(5) {
			t.Errorf("chat_id = %v, want 5", payload["chat_id"])
		}
		if payload["text"] != "*hello*" {
			t.Errorf("text = %v", payload["text"])
		}
		if payload["parse_mode"] != "Markdown" {
			t.Errorf("parse_mode = %v, want Markdown", payload["parse_mode"])
		}
		if payload["disable_web_page_preview"] != true {
			t.Error("web page preview should be disabled")
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":1}}`)
	}))
	defer srv.Close()

	c := &Client{Token: "t", BaseURL: srv.URL}
	if err := c.SendMessage(context.Background(), 5, "*hello*", true); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
}

func TestSendMessagePlainOmitsParseMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := decodePayload(t, r)
		if _, ok := payload["parse_mode"]; ok {
			t.Error("plain message should not set parse_mode")
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":1}}`)
	}))
	defer srv.Close()

	c := &Client{Token: "t", BaseURL: srv.URL}
	if err := c.SendMessage(context.Background(), 5, "hello", false); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
}

func TestSendReplyThreadsMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := decodePayload(t, r)
		if payload["reply_to_message_id"] != float64(99) {
			t.Errorf("reply_to_message_id = %v, want 99", payload["reply_to_message_id"])
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":100}}`)
	}))
	defer srv.Close()

	c := &Client{Token: "t", BaseURL: srv.URL}
	if err := c.SendReply(context.Background(), 5, 99, "recipe", true); err != nil {
		t.Fatalf("SendReply: %v", err)
	}
}

func TestSendChatAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bott/sendChatAction" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		payload := decodePayload(t, r)
		if payload["action"] != "upload_video" {
			t.Errorf("action = %v, want upload_video", payload["action"])
		}
		fmt.Fprint(w, `{"ok":true,"result":true}`)
	}))
	defer srv.Close()

	c := &Client{Token: "t", BaseURL: srv.URL}
	if err := c.SendChatAction(context.Background(), 5, "upload_video"); err != nil {
		t.Fatalf("SendChatAction: %v", err)
	}
}

func TestSendVideoUploads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "media.mp4")
	if err := os.WriteFile(path, []byte("fake video bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bott/sendVideo" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("chat_id"); got != "5" {
			t.Errorf("chat_id = %q, want 5", got)
		}
		if got := r.FormValue("supports_streaming"); got != "true" {
			t.Errorf("supports_streaming = %q, want true", got)
		}
		f, hdr, err := r.FormFile("video")
		if err != nil {
			t.Fatalf("video part missing: %v", err)
		}
		defer f.Close()
		if hdr.Filename != "media.mp4" {
			t.Errorf("filename = %q, want media.mp4", hdr.Filename)
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":77,"chat":{"id":5,"type":"private"}}}`)
	}))
	defer srv.Close()

	c := &Client{Token: "t", BaseURL: srv.URL}
	msg, err := c.SendVideo(context.Background(), 5, path, "")
	if err != nil {
		t.Fatalf("SendVideo: %v", err)
	}
	if msg.MessageID != 77 {
		t.Errorf("MessageID = %d, want 77", msg.MessageID)
	}
}

func TestAPIErrorSurface(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`)
	}))
	defer srv.Close()

	c := &Client{Token: "t", BaseURL: srv.URL}
	err := c.SendMessage(context.Background(), 5, "hello", false)
	if err == nil {
		t.Fatal("expected error")
	}
	var ae *APIError
	if !errors.As(err, &ae) {
		t.Fatalf("error %v is not an APIError", err)
	}
	if ae.Code != 429 {
		t.Errorf("Code = %d, want 429", ae.Code)
	}
	if ae.RetryAfter != 7 {
		t.Errorf("RetryAfter = %d, want 7", ae.RetryAfter)
	}
	if ae.Method != "sendMessage" {
		t.Errorf("Method = %q, want sendMessage", ae.Method)
	}
}

func TestGetMe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"result":{"id":12,"username":"recipe_bot","first_name":"Recipe"}}`)
	}))
	defer srv.Close()

	c := &Client{Token: "t", BaseURL: srv.URL}
	u, err := c.GetMe(context.Background())
	if err != nil {
		t.Fatalf("GetMe: %v", err)
	}
	if u.Username != "recipe_bot" {
		t.Errorf("Username = %q, want recipe_bot", u.Username)
	}
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient("tok")
	if c.Limiter == nil {
		t.Fatal("limiter not set")
	}
	if c.Limiter.Limit() != rate.Limit(25) {
		t.Errorf("Limit = %v, want 25", c.Limiter.Limit())
	}
	if c.Limiter.Burst() != 5 {
		t.Errorf("Burst = %d, want 5", c.Limiter.Burst())
	}
}
