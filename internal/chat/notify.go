package chat

import (
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-chat/internal/model"
	"github.com/capitalize-ai/realtime-chat/pkg/logger"
)

// NotificationKind names what changed.
type NotificationKind string

const (
	KindState        NotificationKind = "state"
	KindMessage      NotificationKind = "message"
	KindConversation NotificationKind = "conversation"
	KindTyping       NotificationKind = "typing"
	KindPresence     NotificationKind = "presence"
	KindError        NotificationKind = "error"
)

// Notification is one change pushed to subscribers. Only the fields for
// its Kind are set.
type Notification struct {
	Kind           NotificationKind      `json:"kind"`
	State          model.ConnectionState `json:"state,omitempty"`
	Error          string                `json:"error,omitempty"`
	ConversationID string                `json:"conversationId,omitempty"`
	Message        *model.Message        `json:"message,omitempty"`
	Conversation   *model.Conversation   `json:"conversation,omitempty"`
	Typing         []model.TypingEntry   `json:"typing,omitempty"`
	Online         []string              `json:"online,omitempty"`
}

// hub fans notifications out to subscribers without blocking the
// publisher. A subscriber that falls behind loses notifications and
// should resync from a snapshot.
type hub struct {
	logger *logger.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Notification
}

func newHub(log *logger.Logger) *hub {
	return &hub{logger: log, subs: make(map[int]chan Notification)}
}

func (h *hub) subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Notification, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *hub) publish(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- n:
		default:
			h.logger.Debug("subscriber lagging, notification dropped",
				zap.Int("subscriber", id),
				zap.String("kind", string(n.Kind)),
			)
		}
	}
}

func messageNotification(conv string, msg model.Message) Notification {
	return Notification{Kind: KindMessage, ConversationID: conv, Message: &msg}
}

func conversationNotification(conv model.Conversation) Notification {
	return Notification{Kind: KindConversation, ConversationID: conv.ID, Conversation: &conv}
}
