package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/capitalize-ai/realtime-chat/internal/chat"
	"github.com/capitalize-ai/realtime-chat/internal/transport"
)

const maxBodyBytes = 1 << 20

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// commandStatus maps a façade command error to an HTTP status.
func commandStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrNotConnected), errors.Is(err, transport.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, chat.ErrInvalidTarget),
		errors.Is(err, chat.ErrEmptyContent),
		errors.Is(err, chat.ErrInvalidConversation):
		return http.StatusBadRequest
	case errors.Is(err, transport.ErrNoCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, transport.ErrSessionActive):
		return http.StatusConflict
	}
	return http.StatusBadGateway
}

// queryInt reads a bounded integer query parameter.
func queryInt(r *http.Request, key string, fallback, lo, hi int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return fallback
	}
	return v
}
