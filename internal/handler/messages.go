package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-chat/internal/chat"
	"github.com/capitalize-ai/realtime-chat/internal/middleware"
	"github.com/capitalize-ai/realtime-chat/internal/model"
	"github.com/capitalize-ai/realtime-chat/pkg/logger"
)

// MessageHandler handles message and typing endpoints.
type MessageHandler struct {
	client *chat.Client
	logger *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(client *chat.Client, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		client: client,
		logger: log,
	}
}

type sendRequest struct {
	Content      string             `json:"content"`
	TargetUserID string             `json:"target_user_id"`
	GroupID      string             `json:"group_id"`
	Attachments  []model.Attachment `json:"attachments"`
	Metadata     map[string]any     `json:"metadata"`
	ReplyTo      string             `json:"reply_to"`
}

// Send handles POST /api/v1/messages. The response carries the message
// as it stands after delivery was attempted; a failed delivery shows as
// status "error" with 202 Accepted.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateMessageContent(req.Content, len(req.Attachments)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.client.SendMessage(r.Context(), req.Content, chat.SendOptions{
		TargetUserID: req.TargetUserID,
		GroupID:      req.GroupID,
		Attachments:  req.Attachments,
		Metadata:     req.Metadata,
		ReplyTo:      req.ReplyTo,
	})
	if err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}

	status := http.StatusCreated
	if msg.Status == model.StatusError || msg.Status == model.StatusSending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, msg)
}

type readRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// MarkRead handles POST /api/v1/messages/read
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req readRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateMessageIDs(req.MessageIDs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.client.MarkAsRead(r.Context(), req.MessageIDs); err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type typingRequest struct {
	TargetUserID string `json:"target_user_id"`
	GroupID      string `json:"group_id"`
	IsTyping     bool   `json:"is_typing"`
}

// Typing handles POST /api/v1/typing
func (h *MessageHandler) Typing(w http.ResponseWriter, r *http.Request) {
	var req typingRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var err error
	if req.IsTyping {
		err = h.client.StartTyping(r.Context(), req.TargetUserID, req.GroupID)
	} else {
		err = h.client.StopTyping(r.Context(), req.TargetUserID, req.GroupID)
	}
	if err != nil {
		h.logger.Debug("typing signal rejected", zap.Error(err))
		writeError(w, commandStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
