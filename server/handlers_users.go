package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// HandleUsersDispatcher routes /users/{id}/quota and /users/{id}/grant.
func (h *Handlers) HandleUsersDispatcher(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/users/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	userID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	switch parts[1] {
	case "quota":
		h.handleUserQuota(w, r, userID)
	case "grant":
		h.handleUserGrant(w, r, userID)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleUserQuota(w http.ResponseWriter, r *http.Request, userID int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	used, bonus, err := h.st.Usage(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	limit := h.cfg.FreeLimit + bonus
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"user_id":   userID,
		"used":      used,
		"bonus":     bonus,
		"limit":     limit,
		"remaining": remaining,
	})
}

// handleUserGrant raises a user's allowance. Grants are additive; there is
// no endpoint that lowers a counter.
func (h *Handlers) handleUserGrant(w http.ResponseWriter, r *http.Request, userID int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Count <= 0 {
		http.Error(w, "count must be positive", http.StatusBadRequest)
		return
	}

	if err := h.st.GrantBonus(r.Context(), userID, req.Count); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	used, bonus, err := h.st.Usage(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"user_id": userID,
		"used":    used,
		"bonus":   bonus,
	})
}
