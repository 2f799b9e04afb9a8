package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-chat/internal/chat"
	"github.com/capitalize-ai/realtime-chat/internal/transport"
	"github.com/capitalize-ai/realtime-chat/pkg/logger"
)

// SessionHandler handles the connection lifecycle and state snapshots.
type SessionHandler struct {
	client   *chat.Client
	defaults transport.Credentials
	logger   *logger.Logger
}

// NewSessionHandler creates a session handler. defaults are used when a
// connect request carries no credentials.
func NewSessionHandler(client *chat.Client, defaults transport.Credentials, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		client:   client,
		defaults: defaults,
		logger:   log,
	}
}

// Snapshot handles GET /api/v1/snapshot
func (h *SessionHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.client.Snapshot())
}

type connectRequest struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// Connect handles POST /api/v1/connect. It also serves as the manual
// reconnect after the connection reached the error state.
func (h *SessionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeOptional(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	creds := h.defaults
	if req.Token != "" {
		creds = transport.Credentials{UserID: req.UserID, Token: req.Token}
	}

	if err := h.client.Connect(r.Context(), creds); err != nil {
		h.logger.Warn("connect rejected", zap.Error(err))
		writeError(w, commandStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"state": string(h.client.State()),
	})
}

// Disconnect handles POST /api/v1/disconnect
func (h *SessionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	h.client.Disconnect()
	writeJSON(w, http.StatusOK, map[string]string{
		"state": string(h.client.State()),
	})
}

// decodeOptional decodes a JSON body that may be absent.
func decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
