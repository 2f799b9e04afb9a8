// Package handler provides the HTTP handlers of the local bridge through
// which a UI drives the chat client.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-chat/internal/chat"
	"github.com/capitalize-ai/realtime-chat/internal/model"
	"github.com/capitalize-ai/realtime-chat/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	client *chat.Client
	logger *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(client *chat.Client, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		client: client,
		logger: log,
	}
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversations": h.client.Conversations(),
	})
}

// Refresh handles POST /api/v1/conversations/refresh
func (h *ConversationHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	convs, err := h.client.LoadConversations(r.Context())
	if err != nil {
		h.logger.Warn("failed to refresh conversations", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to refresh conversations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversations": convs,
	})
}

type openDirectRequest struct {
	UserID string `json:"user_id"`
}

// OpenDirect handles POST /api/v1/conversations/direct
func (h *ConversationHandler) OpenDirect(w http.ResponseWriter, r *http.Request) {
	var req openDirectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	conv, err := h.client.OpenDirect(req.UserID)
	if err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// SetActive handles PUT /api/v1/conversations/{id}/active
func (h *ConversationHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	if err := h.client.SetActiveConversation(chi.URLParam(r, "id")); err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearActive handles DELETE /api/v1/conversations/active
func (h *ConversationHandler) ClearActive(w http.ResponseWriter, r *http.Request) {
	_ = h.client.SetActiveConversation("")
	w.WriteHeader(http.StatusNoContent)
}

// Messages handles GET /api/v1/conversations/{id}/messages. With
// ?cached=true it returns the local sequence without fetching history.
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	if r.URL.Query().Get("cached") == "true" {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"messages": nonNil(h.client.Messages(conversationID)),
		})
		return
	}

	limit := queryInt(r, "limit", 50, 1, 200)
	offset := queryInt(r, "offset", 0, 0, 1<<20)

	msgs, err := h.client.GetMessages(r.Context(), conversationID, limit, offset)
	if err != nil {
		h.logger.Warn("failed to fetch history",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, "failed to fetch messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": nonNil(msgs),
	})
}

func nonNil(msgs []model.Message) []model.Message {
	if msgs == nil {
		return []model.Message{}
	}
	return msgs
}
