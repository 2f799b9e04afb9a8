package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/realtime-chat/internal/chat"
	"github.com/capitalize-ai/realtime-chat/internal/middleware"
)

// GroupHandler handles group lifecycle endpoints. Each call only sends
// the request; the conversation list changes when the server confirms.
type GroupHandler struct {
	client *chat.Client
}

// NewGroupHandler creates a new group handler.
func NewGroupHandler(client *chat.Client) *GroupHandler {
	return &GroupHandler{client: client}
}

type createGroupRequest struct {
	Name        string   `json:"name"`
	MemberIDs   []string `json:"member_ids"`
	Description string   `json:"description"`
}

// Create handles POST /api/v1/groups
func (h *GroupHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateGroupName(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.client.CreateGroup(r.Context(), req.Name, req.MemberIDs, req.Description); err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Join handles POST /api/v1/groups/{id}/join
func (h *GroupHandler) Join(w http.ResponseWriter, r *http.Request) {
	if err := h.client.JoinGroup(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Leave handles POST /api/v1/groups/{id}/leave
func (h *GroupHandler) Leave(w http.ResponseWriter, r *http.Request) {
	if err := h.client.LeaveGroup(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
