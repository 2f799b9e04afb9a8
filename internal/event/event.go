// Package event defines the closed set of events exchanged with the chat
// endpoint. Inbound and Outbound are sealed: only types in this package
// implement them, so a type switch over either is exhaustive.
package event

import (
	"time"

	"github.com/capitalize-ai/realtime-chat/internal/model"
)

// Event names on the wire.
const (
	NameSendMessage    = "sendMessage"
	NameTyping         = "typing"
	NameMarkAsRead     = "markAsRead"
	NameGetUsersOnline = "getUsersOnline"
	NameCreateGroup    = "createGroup"
	NameJoinGroup      = "joinGroup"
	NameLeaveGroup     = "leaveGroup"

	NameConnected            = "connected"
	NameReceiveMessage       = "receiveMessage"
	NameReceiveGroupMessage  = "receiveGroupMessage"
	NameMessagesReceived     = "messagesReceived"
	NameMessageSent          = "messageSent"
	NameMessageStatus        = "messageStatus"
	NameOnlineUsersReceived  = "onlineUsersReceived"
	NameUserTyping           = "userTyping"
	NameMessagesMarkedAsRead = "messagesMarkedAsRead"
	NameGroupCreated         = "groupCreated"
	NameUserLeftGroup        = "userLeftGroup"
	NameLeftGroup            = "leftGroup"
	NameError                = "error"
)

// Event is anything that travels in an envelope.
type Event interface {
	Name() string
}

// Outbound is an event the client sends.
type Outbound interface {
	Event
	outbound()
}

// Inbound is an event the server sends.
type Inbound interface {
	Event
	inbound()
}

// SendMessage asks the server to deliver a message. ClientID carries the
// pending id so the server can echo it in messageSent.
type SendMessage struct {
	ClientID     string             `json:"clientId,omitempty"`
	Content      string             `json:"content"`
	TargetUserID string             `json:"targetUserId,omitempty"`
	GroupID      string             `json:"groupId,omitempty"`
	Attachments  []model.Attachment `json:"attachments,omitempty"`
	Metadata     map[string]any     `json:"metadata,omitempty"`
	ReplyTo      string             `json:"replyTo,omitempty"`
}

// Typing signals that the local user started or stopped composing.
type Typing struct {
	TargetUserID string `json:"targetUserId,omitempty"`
	GroupID      string `json:"groupId,omitempty"`
	IsTyping     bool   `json:"isTyping"`
}

// MarkAsRead reports messages the local user has read.
type MarkAsRead struct {
	MessageIDs []string `json:"messageIds"`
}

// GetUsersOnline requests a presence snapshot.
type GetUsersOnline struct {
	UserIDs []string `json:"userIds,omitempty"`
}

// CreateGroup asks the server to create a group.
type CreateGroup struct {
	GroupName   string   `json:"name"`
	MemberIDs   []string `json:"memberIds"`
	Description string   `json:"description,omitempty"`
}

// JoinGroup asks to join a group.
type JoinGroup struct {
	GroupID string `json:"groupId"`
}

// LeaveGroup asks to leave a group.
type LeaveGroup struct {
	GroupID string `json:"groupId"`
}

func (SendMessage) Name() string    { return NameSendMessage }
func (Typing) Name() string         { return NameTyping }
func (MarkAsRead) Name() string     { return NameMarkAsRead }
func (GetUsersOnline) Name() string { return NameGetUsersOnline }
func (CreateGroup) Name() string    { return NameCreateGroup }
func (JoinGroup) Name() string      { return NameJoinGroup }
func (LeaveGroup) Name() string     { return NameLeaveGroup }

func (SendMessage) outbound()    {}
func (Typing) outbound()         {}
func (MarkAsRead) outbound()     {}
func (GetUsersOnline) outbound() {}
func (CreateGroup) outbound()    {}
func (JoinGroup) outbound()      {}
func (LeaveGroup) outbound()     {}

// MessagePayload is the wire form of a message.
type MessagePayload struct {
	MessageID   string             `json:"messageId"`
	ClientID    string             `json:"clientId,omitempty"`
	Content     string             `json:"content"`
	SenderID    string             `json:"senderId"`
	RecipientID string             `json:"recipientId,omitempty"`
	GroupID     string             `json:"groupId,omitempty"`
	Sender      *model.Sender      `json:"sender,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
	Status      model.Status       `json:"status,omitempty"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
	ReplyTo     string             `json:"replyTo,omitempty"`
}

// ToMessage converts the payload to a confirmed message. Ownership is
// derived from localUserID. A missing status defaults to fallback.
func (p MessagePayload) ToMessage(localUserID string, fallback model.Status) model.Message {
	status := p.Status
	if !status.Valid() {
		status = fallback
	}
	msg := model.Message{
		ID:          p.MessageID,
		ClientID:    p.ClientID,
		Content:     p.Content,
		SenderID:    p.SenderID,
		RecipientID: p.RecipientID,
		GroupID:     p.GroupID,
		Timestamp:   p.Timestamp,
		Status:      status,
		Sender:      p.Sender,
		Attachments: p.Attachments,
		Metadata:    p.Metadata,
		ReplyTo:     p.ReplyTo,
	}
	if msg.GroupID != "" {
		msg.RecipientID = ""
	}
	msg.DeriveOwnership(localUserID)
	return msg
}

// PayloadFromMessage converts a message to its wire form.
func PayloadFromMessage(m model.Message) MessagePayload {
	return MessagePayload{
		MessageID:   m.ID,
		ClientID:    m.ClientID,
		Content:     m.Content,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		GroupID:     m.GroupID,
		Sender:      m.Sender,
		Timestamp:   m.Timestamp,
		Status:      m.Status,
		Attachments: m.Attachments,
		Metadata:    m.Metadata,
		ReplyTo:     m.ReplyTo,
	}
}

// Connected is the post-handshake acknowledgement.
type Connected struct {
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// ReceiveMessage delivers a direct message.
type ReceiveMessage struct {
	MessagePayload
}

// ReceiveGroupMessage delivers a group message.
type ReceiveGroupMessage struct {
	MessagePayload
}

// MessagesReceived carries a page of history.
type MessagesReceived struct {
	ConversationID string           `json:"conversationId,omitempty"`
	Messages       []MessagePayload `json:"messages"`
}

// MessageSent acknowledges a local send.
type MessageSent struct {
	MessageID    string       `json:"messageId"`
	ClientID     string       `json:"clientId,omitempty"`
	TargetUserID string       `json:"targetUserId,omitempty"`
	GroupID      string       `json:"groupId,omitempty"`
	Content      string       `json:"content,omitempty"`
	Status       model.Status `json:"status"`
	Timestamp    time.Time    `json:"timestamp,omitempty"`
}

// MessageStatus reports a status change for a confirmed message.
type MessageStatus struct {
	MessageID string       `json:"messageId"`
	Status    model.Status `json:"status"`
}

// OnlineUsersReceived is a full presence snapshot.
type OnlineUsersReceived struct {
	OnlineUsers []string `json:"onlineUsers"`
}

// UserTyping reports a peer's typing state.
type UserTyping struct {
	UserID     string `json:"userId"`
	Username   string `json:"username,omitempty"`
	IsTyping   bool   `json:"isTyping"`
	GroupID    string `json:"groupId,omitempty"`
	FromUserID string `json:"fromUserId,omitempty"`
}

// Typist returns the id of the user who is typing.
func (e UserTyping) Typist() string {
	if e.UserID != "" {
		return e.UserID
	}
	return e.FromUserID
}

// MessagesMarkedAsRead reports messages a peer has read.
type MessagesMarkedAsRead struct {
	MessageIDs []string `json:"messageIds"`
}

// GroupCreated announces a group the local user belongs to.
type GroupCreated struct {
	GroupID     string   `json:"groupId"`
	GroupName   string   `json:"name"`
	MemberIDs   []string `json:"memberIds"`
	Description string   `json:"description,omitempty"`
	CreatedBy   string   `json:"createdBy,omitempty"`
}

// UserLeftGroup reports that a member left a group.
type UserLeftGroup struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId"`
}

// LeftGroup confirms that the local user left a group.
type LeftGroup struct {
	GroupID string `json:"groupId"`
}

// Error is a server-reported, non-fatal error.
type Error struct {
	Message string `json:"message"`
}

func (Connected) Name() string            { return NameConnected }
func (ReceiveMessage) Name() string       { return NameReceiveMessage }
func (ReceiveGroupMessage) Name() string  { return NameReceiveGroupMessage }
func (MessagesReceived) Name() string     { return NameMessagesReceived }
func (MessageSent) Name() string          { return NameMessageSent }
func (MessageStatus) Name() string        { return NameMessageStatus }
func (OnlineUsersReceived) Name() string  { return NameOnlineUsersReceived }
func (UserTyping) Name() string           { return NameUserTyping }
func (MessagesMarkedAsRead) Name() string { return NameMessagesMarkedAsRead }
func (GroupCreated) Name() string         { return NameGroupCreated }
func (UserLeftGroup) Name() string        { return NameUserLeftGroup }
func (LeftGroup) Name() string            { return NameLeftGroup }
func (Error) Name() string                { return NameError }

func (Connected) inbound()            {}
func (ReceiveMessage) inbound()       {}
func (ReceiveGroupMessage) inbound()  {}
func (MessagesReceived) inbound()     {}
func (MessageSent) inbound()          {}
func (MessageStatus) inbound()        {}
func (OnlineUsersReceived) inbound()  {}
func (UserTyping) inbound()           {}
func (MessagesMarkedAsRead) inbound() {}
func (GroupCreated) inbound()         {}
func (UserLeftGroup) inbound()        {}
func (LeftGroup) inbound()            {}
func (Error) inbound()                {}
