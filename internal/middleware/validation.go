package middleware

import (
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/realtime-chat/internal/model"
)

const (
	maxContentBytes = 100000
	maxIDLength     = 128
	maxGroupName    = 256
	maxReadBatch    = 500
)

// ValidateMessageContent validates message content. Empty content is
// allowed when the message carries attachments.
func ValidateMessageContent(content string, attachments int) error {
	if strings.TrimSpace(content) == "" && attachments == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > maxContentBytes {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a direct_ or group_ thread key.
func ValidateConversationID(id string) error {
	if len(id) > maxIDLength {
		return errors.New("conversation ID exceeds maximum length")
	}
	if _, _, ok := model.ParseConversationID(id); !ok {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateMessageIDs validates a batch of message IDs.
func ValidateMessageIDs(ids []string) error {
	if len(ids) == 0 {
		return errors.New("message IDs cannot be empty")
	}
	if len(ids) > maxReadBatch {
		return errors.New("too many message IDs")
	}
	for _, id := range ids {
		if id == "" || len(id) > maxIDLength {
			return errors.New("invalid message ID format")
		}
	}
	return nil
}

// ValidateGroupName validates a group name.
func ValidateGroupName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("group name cannot be empty")
	}
	if len(name) > maxGroupName {
		return errors.New("group name exceeds maximum length")
	}
	if !utf8.ValidString(name) {
		return errors.New("group name must be valid UTF-8")
	}
	return nil
}

// ConversationParam rejects requests whose {id} route parameter is not a
// conversation ID.
func ConversationParam(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := ValidateConversationID(chi.URLParam(r, "id")); err != nil {
			http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}
