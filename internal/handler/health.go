package handler

import (
	"net/http"

	"github.com/capitalize-ai/realtime-chat/internal/chat"
	"github.com/capitalize-ai/realtime-chat/internal/model"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	client *chat.Client
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(client *chat.Client) *HealthHandler {
	return &HealthHandler{
		client: client,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready. The bridge is ready once the chat
// connection is up.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	state := h.client.State()
	if state != model.StateConnected {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"state":  string(state),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"state":  string(state),
	})
}
