package chat

import (
	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-chat/internal/event"
	"github.com/capitalize-ai/realtime-chat/internal/model"
	"github.com/capitalize-ai/realtime-chat/internal/reconcile"
	"github.com/capitalize-ai/realtime-chat/pkg/metrics"
)

// handleEvent applies one inbound event. Events arrive in order from the
// transport read loop.
func (c *Client) handleEvent(e event.Inbound) {
	switch e := e.(type) {
	case event.Connected:
		if e.UserID != "" {
			c.setLocalUser(e.UserID)
		}
		c.logger.Debug("server acknowledged session", zap.String("session_id", e.SessionID))

	case event.ReceiveMessage:
		c.receive(e.MessagePayload)

	case event.ReceiveGroupMessage:
		c.receive(e.MessagePayload)

	case event.MessagesReceived:
		c.receiveHistory(e)

	case event.MessageSent:
		conv := ""
		switch {
		case e.GroupID != "":
			conv = model.GroupConversationID(e.GroupID)
		case e.TargetUserID != "":
			conv = model.DirectConversationID(e.TargetUserID)
		}
		c.ack(reconcile.Ack{
			MessageID:      e.MessageID,
			ClientID:       e.ClientID,
			ConversationID: conv,
			Content:        e.Content,
			Status:         e.Status,
			Timestamp:      e.Timestamp,
		})

	case event.MessageStatus:
		c.updateStatus(e.MessageID, e.Status)

	case event.OnlineUsersReceived:
		c.presence.SetOnline(e.OnlineUsers)
		c.hub.publish(Notification{Kind: KindPresence, Online: c.presence.Online()})

	case event.UserTyping:
		c.applyTyping(e)

	case event.MessagesMarkedAsRead:
		for _, id := range e.MessageIDs {
			c.updateStatus(id, model.StatusRead)
		}

	case event.GroupCreated:
		c.mu.Lock()
		conv := c.directory.EnsureGroup(e.GroupID, e.GroupName, e.MemberIDs)
		c.mu.Unlock()
		c.hub.publish(conversationNotification(conv))

	case event.UserLeftGroup:
		c.mu.Lock()
		self := e.UserID == c.reconciler.LocalUserID()
		convID := model.GroupConversationID(e.GroupID)
		if self {
			c.directory.Remove(convID)
		} else {
			c.directory.RemoveMember(e.GroupID, e.UserID)
		}
		conv, ok := c.directory.Get(convID)
		c.mu.Unlock()
		if ok {
			c.hub.publish(conversationNotification(conv))
		}

	case event.LeftGroup:
		c.mu.Lock()
		removed := c.directory.Remove(model.GroupConversationID(e.GroupID))
		c.mu.Unlock()
		if removed {
			c.hub.publish(Notification{Kind: KindConversation, ConversationID: model.GroupConversationID(e.GroupID)})
		}

	case event.Error:
		c.logger.Warn("server reported error", zap.String("message", e.Message))
		c.hub.publish(Notification{Kind: KindError, Error: e.Message})

	default:
		c.logger.Warn("unhandled event", zap.String("event", e.Name()))
	}
}

func (c *Client) receive(p event.MessagePayload) {
	c.mu.Lock()
	msg := p.ToMessage(c.reconciler.LocalUserID(), model.StatusDelivered)
	res := c.reconciler.Inbound(msg)
	var conv model.Conversation
	var touched bool
	switch {
	case res.Outcome == metrics.OutcomeInserted:
		conv, touched = c.directory.Apply(res.Message, !res.Message.IsOwn)
	case res.Changed:
		c.directory.Refresh(res.ConversationID, res.Message)
		c.settleLocked(res.Message)
	}
	c.mu.Unlock()

	if res.Outcome == metrics.OutcomeFailed {
		c.logger.Warn("dropped unaddressed message", zap.String("message_id", p.MessageID))
		return
	}
	if res.Changed {
		c.hub.publish(messageNotification(res.ConversationID, res.Message))
	}
	if touched {
		c.hub.publish(conversationNotification(conv))
	}
}

// receiveHistory treats a pushed page like a fetched one: a destructive
// overwrite of each conversation it covers.
func (c *Client) receiveHistory(e event.MessagesReceived) {
	c.mu.Lock()
	local := c.reconciler.LocalUserID()
	pages := make(map[string][]model.Message)
	var order []string
	for _, p := range e.Messages {
		msg := p.ToMessage(local, model.StatusDelivered)
		conv := e.ConversationID
		if conv == "" {
			conv = model.ConversationIDFor(&msg)
		}
		if conv == "" {
			continue
		}
		if _, seen := pages[conv]; !seen {
			order = append(order, conv)
		}
		pages[conv] = append(pages[conv], msg)
	}
	if e.ConversationID != "" && len(order) == 0 {
		order = append(order, e.ConversationID)
	}

	var updated []model.Conversation
	for _, conv := range order {
		msgs := c.reconciler.ReplaceHistory(conv, pages[conv])
		var summary model.Conversation
		var touched bool
		for _, msg := range msgs {
			summary, touched = c.directory.Apply(msg, false)
		}
		if touched {
			updated = append(updated, summary)
		}
	}
	c.mu.Unlock()

	for _, conv := range updated {
		c.hub.publish(conversationNotification(conv))
	}
}

func (c *Client) updateStatus(id string, status model.Status) {
	c.mu.Lock()
	res := c.reconciler.UpdateStatus(id, status)
	if res.Changed {
		c.directory.Refresh(res.ConversationID, res.Message)
		c.settleLocked(res.Message)
	}
	c.mu.Unlock()

	if res.Changed {
		c.hub.publish(messageNotification(res.ConversationID, res.Message))
	}
}

func (c *Client) applyTyping(e event.UserTyping) {
	typist := e.Typist()
	c.mu.Lock()
	local := c.reconciler.LocalUserID()
	c.mu.Unlock()
	if typist == "" || typist == local {
		return
	}

	entry := model.TypingEntry{
		UserID:   typist,
		Username: e.Username,
		GroupID:  e.GroupID,
	}
	if e.GroupID == "" {
		entry.TargetUserID = local
	}
	c.presence.ApplyTyping(entry, e.IsTyping)
}
