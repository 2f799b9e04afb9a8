package chat

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/capitalize-ai/realtime-chat/internal/event"
	"github.com/capitalize-ai/realtime-chat/internal/model"
	"github.com/capitalize-ai/realtime-chat/internal/reconcile"
	"github.com/capitalize-ai/realtime-chat/pkg/tracing"
)

// SendOptions addresses a message and carries its optional parts.
// Exactly one of TargetUserID and GroupID must be set.
type SendOptions struct {
	TargetUserID string
	GroupID      string
	Attachments  []model.Attachment
	Metadata     map[string]any
	ReplyTo      string
}

// SendMessage inserts an optimistic message and delivers it over the
// transport, then persists it through the store. It fails without
// touching state unless connected. A message the transport accepted is
// sent even if the store rejects it. Delivery failures are reported on
// the returned message's status, not as an error.
func (c *Client) SendMessage(ctx context.Context, content string, opts SendOptions) (model.Message, error) {
	ctx, span := startSpan(ctx, "chat.SendMessage",
		attribute.String("target_user_id", opts.TargetUserID),
		attribute.String("group_id", opts.GroupID),
	)
	defer span.End()

	if strings.TrimSpace(content) == "" && len(opts.Attachments) == 0 {
		return model.Message{}, ErrEmptyContent
	}
	if (opts.TargetUserID == "") == (opts.GroupID == "") {
		return model.Message{}, ErrInvalidTarget
	}
	if !c.connected() {
		span.SetStatus(codes.Error, ErrNotConnected.Error())
		return model.Message{}, ErrNotConnected
	}

	c.mu.Lock()
	added := c.reconciler.AddOptimistic(model.Message{
		Content:     content,
		RecipientID: opts.TargetUserID,
		GroupID:     opts.GroupID,
		Attachments: opts.Attachments,
		Metadata:    opts.Metadata,
		ReplyTo:     opts.ReplyTo,
	})
	conv, _ := c.directory.Apply(added.Message, false)
	c.armSendDeadlineLocked(added.Message.ClientID)
	c.mu.Unlock()

	clientID := added.Message.ClientID
	span.SetAttributes(attribute.String("client_id", clientID))
	c.hub.publish(messageNotification(added.ConversationID, added.Message))
	c.hub.publish(conversationNotification(conv))

	draft := model.Draft{
		ClientID:     clientID,
		Content:      content,
		TargetUserID: opts.TargetUserID,
		GroupID:      opts.GroupID,
		Attachments:  opts.Attachments,
		Metadata:     opts.Metadata,
		ReplyTo:      opts.ReplyTo,
	}

	sendErr := c.transport.Send(ctx, event.SendMessage{
		ClientID:     draft.ClientID,
		Content:      draft.Content,
		TargetUserID: draft.TargetUserID,
		GroupID:      draft.GroupID,
		Attachments:  draft.Attachments,
		Metadata:     draft.Metadata,
		ReplyTo:      draft.ReplyTo,
	})
	if sendErr != nil {
		c.logger.Warn("transport send failed", zap.String("client_id", clientID), zap.Error(sendErr))
	} else {
		// Accepted by the transport: sent, whatever the store reports.
		c.ack(reconcile.Ack{ClientID: clientID, Status: model.StatusSent})
	}

	var restErr error
	if c.store != nil {
		var persisted model.Message
		persisted, restErr = c.store.PersistMessage(ctx, draft)
		if restErr == nil {
			c.ack(reconcile.Ack{
				MessageID: persisted.ID,
				ClientID:  clientID,
				Status:    persistedStatus(persisted.Status),
			})
		} else {
			c.logger.Warn("persist message failed",
				zap.String("client_id", clientID),
				zap.Bool("transport_accepted", sendErr == nil),
				zap.Error(restErr),
			)
		}
	}

	if sendErr != nil && (c.store == nil || restErr != nil) {
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, "delivery failed")
		c.fail(clientID)
	}

	c.mu.Lock()
	msg, _, _ := c.reconciler.Find(clientID)
	c.mu.Unlock()
	return msg, nil
}

// GetMessages fetches a page of history and overwrites the
// conversation's sequence with it. The state lock is not held while
// fetching, so sends and inbound events proceed meanwhile.
func (c *Client) GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	ctx, span := startSpan(ctx, "chat.GetMessages", attribute.String("conversation_id", conversationID))
	defer span.End()

	if _, _, ok := model.ParseConversationID(conversationID); !ok {
		return nil, ErrInvalidConversation
	}
	if c.store == nil {
		return c.Messages(conversationID), nil
	}

	page, err := c.store.FetchMessages(ctx, conversationID, limit, offset)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.transient("history fetch failed", err, zap.String("conversation_id", conversationID))
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	c.mu.Lock()
	msgs := c.reconciler.ReplaceHistory(conversationID, page)
	var conv model.Conversation
	var touched bool
	for _, msg := range msgs {
		conv, touched = c.directory.Apply(msg, false)
	}
	c.mu.Unlock()

	if touched {
		c.hub.publish(conversationNotification(conv))
	}
	return msgs, nil
}

// LoadConversations merges the server's conversation list into the
// directory and returns the result.
func (c *Client) LoadConversations(ctx context.Context) ([]model.Conversation, error) {
	ctx, span := startSpan(ctx, "chat.LoadConversations")
	defer span.End()

	if c.store == nil {
		return c.Conversations(), nil
	}
	convs, err := c.store.FetchConversations(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.transient("conversation fetch failed", err)
		return nil, fmt.Errorf("failed to fetch conversations: %w", err)
	}

	c.mu.Lock()
	c.directory.Load(convs)
	list := c.directory.List()
	c.mu.Unlock()

	for _, conv := range list {
		c.hub.publish(conversationNotification(conv))
	}
	return list, nil
}

// StartTyping signals that the local user is composing. It is a no-op
// unless connected, and repeated starts for the same target inside the
// throttle interval send one signal.
func (c *Client) StartTyping(ctx context.Context, targetUserID, groupID string) error {
	if (targetUserID == "") == (groupID == "") {
		return ErrInvalidTarget
	}
	if !c.connected() {
		return nil
	}

	key := typingKey(targetUserID, groupID)
	c.mu.Lock()
	gate, ok := c.typingGates[key]
	if !ok {
		gate = rate.NewLimiter(rate.Every(c.typingThrottle), 1)
		c.typingGates[key] = gate
	}
	allowed := gate.AllowN(c.clock.Now(), 1)
	c.mu.Unlock()

	if !allowed {
		return nil
	}
	c.sendBestEffort(ctx, event.Typing{TargetUserID: targetUserID, GroupID: groupID, IsTyping: true})
	return nil
}

// StopTyping signals that the local user stopped composing. It is a
// no-op unless connected.
func (c *Client) StopTyping(ctx context.Context, targetUserID, groupID string) error {
	if (targetUserID == "") == (groupID == "") {
		return ErrInvalidTarget
	}
	if !c.connected() {
		return nil
	}

	c.mu.Lock()
	delete(c.typingGates, typingKey(targetUserID, groupID))
	c.mu.Unlock()

	c.sendBestEffort(ctx, event.Typing{TargetUserID: targetUserID, GroupID: groupID, IsTyping: false})
	return nil
}

// MarkAsRead reports messages as read and applies it locally at once. It
// is a no-op unless connected.
func (c *Client) MarkAsRead(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 || !c.connected() {
		return nil
	}
	c.sendBestEffort(ctx, event.MarkAsRead{MessageIDs: messageIDs})

	c.mu.Lock()
	convIDs := c.reconciler.MarkRead(messageIDs)
	c.directory.MarkRead(convIDs)
	var updated []Notification
	for _, id := range messageIDs {
		if msg, conv, ok := c.reconciler.Find(id); ok {
			c.directory.Refresh(conv, msg)
			updated = append(updated, messageNotification(conv, msg))
		}
	}
	for _, id := range convIDs {
		if conv, ok := c.directory.Get(id); ok {
			updated = append(updated, conversationNotification(conv))
		}
	}
	c.mu.Unlock()

	for _, n := range updated {
		c.hub.publish(n)
	}
	return nil
}

// CreateGroup asks the server to create a group. The conversation
// appears when the server confirms with groupCreated.
func (c *Client) CreateGroup(ctx context.Context, name string, memberIDs []string, description string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("chat: group name is required")
	}
	return c.command(ctx, event.CreateGroup{GroupName: name, MemberIDs: memberIDs, Description: description})
}

// JoinGroup asks the server to add the local user to a group.
func (c *Client) JoinGroup(ctx context.Context, groupID string) error {
	if groupID == "" {
		return ErrInvalidTarget
	}
	return c.command(ctx, event.JoinGroup{GroupID: groupID})
}

// LeaveGroup asks the server to remove the local user from a group. The
// conversation is removed when the server confirms with leftGroup.
func (c *Client) LeaveGroup(ctx context.Context, groupID string) error {
	if groupID == "" {
		return ErrInvalidTarget
	}
	return c.command(ctx, event.LeaveGroup{GroupID: groupID})
}

// RequestOnlineUsers asks for a fresh presence snapshot, optionally
// restricted to userIDs.
func (c *Client) RequestOnlineUsers(ctx context.Context, userIDs ...string) error {
	return c.command(ctx, event.GetUsersOnline{UserIDs: userIDs})
}

func (c *Client) command(ctx context.Context, e event.Outbound) error {
	ctx, span := startSpan(ctx, "chat."+e.Name())
	defer span.End()

	if !c.connected() {
		return ErrNotConnected
	}
	if err := c.transport.Send(ctx, e); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to send %s: %w", e.Name(), err)
	}
	return nil
}

func (c *Client) sendBestEffort(ctx context.Context, e event.Outbound) {
	if err := c.transport.Send(ctx, e); err != nil {
		c.logger.Debug("best-effort send failed", zap.String("event", e.Name()), zap.Error(err))
	}
}

// armSendDeadlineLocked fails the message if it is still sending when
// the deadline passes.
func (c *Client) armSendDeadlineLocked(clientID string) {
	if c.sendTimeout <= 0 {
		return
	}
	c.sendTimers[clientID] = c.clock.AfterFunc(c.sendTimeout, func() {
		c.mu.Lock()
		delete(c.sendTimers, clientID)
		res := c.reconciler.Expire(clientID)
		if res.Changed {
			c.directory.Refresh(res.ConversationID, res.Message)
		}
		c.mu.Unlock()

		if res.Changed {
			c.logger.Warn("message send timed out", zap.String("client_id", clientID))
			c.hub.publish(messageNotification(res.ConversationID, res.Message))
		}
	})
}

// settleLocked cancels the send deadline once a message leaves sending.
func (c *Client) settleLocked(msg model.Message) {
	if msg.ClientID == "" || msg.Status == model.StatusSending {
		return
	}
	if timer, ok := c.sendTimers[msg.ClientID]; ok {
		timer.Stop()
		delete(c.sendTimers, msg.ClientID)
	}
}

func (c *Client) ack(a reconcile.Ack) {
	c.mu.Lock()
	res := c.reconciler.Ack(a)
	if res.Changed {
		c.directory.Refresh(res.ConversationID, res.Message)
		c.settleLocked(res.Message)
	}
	c.mu.Unlock()

	if res.Changed {
		c.hub.publish(messageNotification(res.ConversationID, res.Message))
	}
}

func (c *Client) fail(id string) {
	c.mu.Lock()
	res := c.reconciler.Fail(id)
	if res.Changed {
		c.directory.Refresh(res.ConversationID, res.Message)
		c.settleLocked(res.Message)
	}
	c.mu.Unlock()

	if res.Changed {
		c.hub.publish(messageNotification(res.ConversationID, res.Message))
	}
}

// transient logs a failure that does not affect the connection and
// surfaces it once to subscribers.
func (c *Client) transient(msg string, err error, fields ...zap.Field) {
	c.logger.Warn(msg, append(fields, zap.Error(err))...)
	c.hub.publish(Notification{Kind: KindError, Error: fmt.Sprintf("%s: %v", msg, err)})
}

func persistedStatus(s model.Status) model.Status {
	if !s.Valid() || s == model.StatusSending || s == model.StatusError {
		return model.StatusSent
	}
	return s
}

func typingKey(targetUserID, groupID string) string {
	if groupID != "" {
		return model.GroupConversationID(groupID)
	}
	return model.DirectConversationID(targetUserID)
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracing.Tracer("chat").Start(ctx, name, trace.WithAttributes(attrs...))
}
