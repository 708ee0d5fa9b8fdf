package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/mognev/recipebot/platform"
	"github.com/mognev/recipebot/store"
)

// Cookie payloads are small Netscape-format text files; anything bigger
// than this is not a cookie jar.
const maxCookiePayload = 256 * 1024

// HandleCredentials stores and inspects per-platform cookie payloads used
// for authenticated downloads. PUT replaces the payload, GET reports
// whether one is present. The payload itself is never served back.
func (h *Handlers) HandleCredentials(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/credentials/"), "/")
	if name == "" || strings.Contains(name, "/") {
		http.NotFound(w, r)
		return
	}
	plat := platform.Platform(name)
	switch plat {
	case platform.Instagram, platform.TikTok, platform.YouTube:
	default:
		http.Error(w, "unknown platform", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPut:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxCookiePayload+1))
		if err != nil {
			http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if len(body) > maxCookiePayload {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		payload := strings.TrimSpace(string(body))
		if payload == "" {
			http.Error(w, "empty payload", http.StatusBadRequest)
			return
		}
		if err := h.st.UpsertCredential(r.Context(), string(plat), payload); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		cookies, err := h.st.GetCredential(r.Context(), string(plat))
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"platform":   string(plat),
			"configured": cookies != "",
		})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
