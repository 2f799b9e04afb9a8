package model

import "time"

// ConnectionState is the lifecycle state of the transport session.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// TypingEntry is an ephemeral indicator that a peer is composing.
type TypingEntry struct {
	UserID       string    `json:"userId"`
	Username     string    `json:"username,omitempty"`
	GroupID      string    `json:"groupId,omitempty"`
	TargetUserID string    `json:"targetUserId,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
}
