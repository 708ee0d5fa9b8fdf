package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mognev/recipebot/telegram"
)

// MockTelegramServer fakes the subset of the Bot API the bot calls: getMe,
// getUpdates, sendMessage, sendChatAction, and sendVideo. Sent messages are
// captured for assertions; queued update batches are served one per poll,
// then empty batches.
type MockTelegramServer struct {
	*httptest.Server

	mu      sync.Mutex
	sent    []string
	replies []int64
	videos  int
	batches [][]telegram.Update
	polls   int
}

// NewMockTelegramServer starts a mock Bot API server that is shut down with
// the test. Point telegram.Client.BaseURL (or TELEGRAM_BASE_URL) at its URL.
func NewMockTelegramServer(t *testing.T) *MockTelegramServer {
	t.Helper()
	m := &MockTelegramServer{}
	m.Server = httptest.NewServer(http.HandlerFunc(m.route))
	t.Cleanup(m.Close)
	return m
}

func (m *MockTelegramServer) route(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"username":"recipe_bot","first_name":"Recipe"}}`)
	case strings.HasSuffix(r.URL.Path, "/getUpdates"):
		m.mu.Lock()
		var batch []telegram.Update
		if m.polls < len(m.batches) {
			batch = m.batches[m.polls]
		}
		m.polls++
		m.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": batch})
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		var p map[string]any
		_ = json.NewDecoder(r.Body).Decode(&p)
		m.mu.Lock()
		text, _ := p["text"].(string)
		m.sent = append(m.sent, text)
		if id, ok := p["reply_to_message_id"].(float64); ok {
			m.replies = append(m.replies, int64(id))
		}
		m.mu.Unlock()
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":10}}`)
	case strings.HasSuffix(r.URL.Path, "/sendChatAction"):
		fmt.Fprint(w, `{"ok":true,"result":true}`)
	case strings.HasSuffix(r.URL.Path, "/sendVideo"):
		m.mu.Lock()
		m.videos++
		m.mu.Unlock()
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":77,"chat":{"id":420,"type":"private"}}}`)
	default:
		http.Error(w, "unexpected path "+r.URL.Path, http.StatusNotFound)
	}
}

// QueueUpdates appends one getUpdates batch. Each queued batch is served
// exactly once, in order; polls past the queue return empty batches.
func (m *MockTelegramServer) QueueUpdates(batch ...telegram.Update) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, batch)
}

// SentTexts returns a copy of all sendMessage texts received so far.
func (m *MockTelegramServer) SentTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

// Replies returns the reply_to_message_id of each threaded sendMessage.
func (m *MockTelegramServer) Replies() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.replies...)
}

// Videos returns how many sendVideo uploads were received.
func (m *MockTelegramServer) Videos() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videos
}
