// Package model defines data structures for the chat client core.
package model

import (
	"strings"
	"time"
)

// ConversationType distinguishes direct threads from groups.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

const (
	directPrefix = "direct_"
	groupPrefix  = "group_"
)

// Conversation represents a direct or group thread summary.
type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"type"`
	Name         string           `json:"name,omitempty"`
	LastMessage  *Message         `json:"lastMessage,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
	UnreadCount  int              `json:"unreadCount"`
	Participants []string         `json:"participants,omitempty"`
}

// Clone returns a copy that shares no mutable state with c.
func (c Conversation) Clone() Conversation {
	if c.LastMessage != nil {
		last := c.LastMessage.Clone()
		c.LastMessage = &last
	}
	if c.Participants != nil {
		c.Participants = append([]string(nil), c.Participants...)
	}
	return c
}

// DirectConversationID derives the thread key for a peer.
func DirectConversationID(peerID string) string {
	return directPrefix + peerID
}

// GroupConversationID derives the thread key for a group.
func GroupConversationID(groupID string) string {
	return groupPrefix + groupID
}

// ParseConversationID splits a thread key into its type and subject id.
func ParseConversationID(id string) (ConversationType, string, bool) {
	switch {
	case strings.HasPrefix(id, directPrefix) && len(id) > len(directPrefix):
		return ConversationDirect, strings.TrimPrefix(id, directPrefix), true
	case strings.HasPrefix(id, groupPrefix) && len(id) > len(groupPrefix):
		return ConversationGroup, strings.TrimPrefix(id, groupPrefix), true
	}
	return "", "", false
}

// ConversationIDFor returns the thread a message belongs to. For direct
// messages the peer is the recipient of own messages and the sender of
// everyone else's. Returns "" for unaddressed messages.
func ConversationIDFor(m *Message) string {
	if m.GroupID != "" {
		return GroupConversationID(m.GroupID)
	}
	peer := m.SenderID
	if m.IsOwn {
		peer = m.RecipientID
	}
	if peer == "" {
		return ""
	}
	return DirectConversationID(peer)
}
