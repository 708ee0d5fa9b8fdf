package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mognev/recipebot/download"
	"github.com/mognev/recipebot/store"
)

// HandleConfig handles GET and PUT requests for safe configuration keys.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	// Only allow GET/PUT for known keys; secrets must not be exposed here.
	safeKeys := map[string]bool{
		"LOG_LEVEL":                true,
		"LOG_FORMAT":               true,
		"DATA_DIR":                 true,
		"MAX_VIDEO_SECONDS":        true,
		"MAX_CONCURRENT_DOWNLOADS": true,
		"DOWNLOAD_TIMEOUT":         true,
		"DOWNLOAD_MAX_ATTEMPTS":    true,
		"DOWNLOAD_BACKOFF_BASE":    true,
		"EXTRACT_RETRY_DELAY":      true,
		"SWEEP_INTERVAL":           true,
		"SCOPE_MAX_AGE":            true,
	}
	switch r.Method {
	case http.MethodGet:
		// Return safe keys with values from kv override if present, else env
		out := map[string]string{}
		for k := range safeKeys {
			v, err := h.st.GetKV(r.Context(), "cfg:"+k)
			if err != nil || v == "" {
				v = os.Getenv(k)
			}
			if v != "" {
				out[k] = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	case http.MethodPut:
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		for k, v := range body {
			if !safeKeys[k] {
				continue
			}
			if err := h.st.SetKV(r.Context(), "cfg:"+k, strings.TrimSpace(v)); err != nil {
				slog.Error("failed to update config", slog.String("key", k), slog.Any("err", err))
				http.Error(w, "failed to update config", http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleStatus returns a lightweight status summary: journal counts by stage,
// download concurrency, retry configuration, and poller progress.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := map[string]any{
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	}

	// Journal counts by stage
	counts, err := h.st.CountRequestsByStage(ctx)
	if err != nil {
		slog.Warn("failed to count requests", slog.Any("err", err))
	} else {
		resp["requests_by_stage"] = counts
		inflight := 0
		for stage, n := range counts {
			if stage != store.StageDone && stage != store.StageFailed {
				inflight += n
			}
		}
		resp["requests_in_flight"] = inflight
		resp["requests_done"] = counts[store.StageDone]
		resp["requests_failed"] = counts[store.StageFailed]
	}

	// Download concurrency stats
	resp["active_downloads"] = download.ActiveFetches()
	resp["max_concurrent_downloads"] = download.MaxConcurrentFetches()

	// Retry/backoff configuration
	retryConfig := map[string]any{
		"download_max_attempts": getEnvInt("DOWNLOAD_MAX_ATTEMPTS", 5),
		"download_backoff_base": os.Getenv("DOWNLOAD_BACKOFF_BASE"),
		"extract_retry_delay":   os.Getenv("EXTRACT_RETRY_DELAY"),
	}
	if retryConfig["download_backoff_base"] == "" {
		retryConfig["download_backoff_base"] = "2s"
	}
	if retryConfig["extract_retry_delay"] == "" {
		retryConfig["extract_retry_delay"] = "5s"
	}
	resp["retry_config"] = retryConfig

	// Update poller progress
	if offset, err := h.st.GetKV(ctx, "telegram_update_offset"); err == nil && offset != "" {
		resp["telegram_update_offset"] = offset
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
