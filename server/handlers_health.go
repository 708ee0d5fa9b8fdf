package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
)

// HandleHealthz responds to liveness probe requests by checking store connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.st.Ping(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
// yt-dlp fetches the video and ffmpeg muxes split format downloads, so both
// binaries must be on PATH before the bot can serve a single link.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"store", func() error { return h.st.Ping(r.Context()) }},
		{"yt-dlp", func() error {
			_, err := exec.LookPath("yt-dlp")
			return err
		}},
		{"ffmpeg", func() error {
			_, err := exec.LookPath("ffmpeg")
			return err
		}},
		{"telegram", func() error {
			if h.cfg.TelegramToken == "" {
				return fmt.Errorf("TELEGRAM_BOT_TOKEN not configured")
			}
			return nil
		}},
		{"openai", func() error {
			if h.cfg.OpenAIKey == "" {
				return fmt.Errorf("OPENAI_API_KEY not configured")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
