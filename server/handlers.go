// Package server exposes the HTTP API handlers.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/subvocal/keybase-feed/backend/history"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	team      string
	hub       *Hub
	history   *history.History
	startedAt time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(team string, hub *Hub, hist *history.History) *Handlers {
	return &Handlers{team: team, hub: hub, history: hist, startedAt: time.Now()}
}

// HandleHealthz responds to liveness probe requests. The feed holds no
// external connections worth probing; a responding process is a live one.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleStatus reports the current feed state for dashboards and debugging.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	md := h.hub.Metadata()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"team":           h.team,
		"members":        md.MembersCount,
		"viewers":        h.hub.ViewerCount(),
		"channels":       h.history.Channels(),
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}
