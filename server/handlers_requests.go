package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/mognev/recipebot/download"
	"github.com/mognev/recipebot/store"
)

// HandleRequestsList returns a paginated view of the request journal.
func (h *Handlers) HandleRequestsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Basic pagination: ?limit=50&offset=0
	limit := parseIntQuery(r, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := parseIntQuery(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	list, err := h.st.ListRequests(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

// HandleRequestsDispatcher routes requests under /requests/{id}/* to sub-handlers.
func (h *Handlers) HandleRequestsDispatcher(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/requests/")
	parts := strings.Split(path, "/")
	id := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	switch {
	case id == "":
		http.NotFound(w, r)
	case tail == "":
		h.handleRequestDetail(w, r, id)
	case tail == "cancel":
		h.handleRequestCancel(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleRequestDetail(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := h.st.GetRequest(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(req)
}

// handleRequestCancel aborts an in-flight download if one is running for the id.
func (h *Handlers) handleRequestCancel(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if download.Cancel(id) {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	// No active download to cancel
	w.WriteHeader(http.StatusNoContent)
}
