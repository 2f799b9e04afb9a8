package model

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusError     Status = "error"
)

// PendingPrefix marks identifiers generated locally for optimistic messages.
const PendingPrefix = "pending_"

// rank orders the forward lattice sending < sent < delivered < read.
func (s Status) rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusError || s.rank() >= 0
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusRead
}

// CanAdvanceTo reports whether moving from s to next respects the
// lattice. Statuses only move forward, or sideways into error from a
// non-terminal state. Staying put is not an advance.
func (s Status) CanAdvanceTo(next Status) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	if next == StatusError {
		return true
	}
	return next.rank() > s.rank()
}

// Sender is denormalized display information about a message author.
type Sender struct {
	ID        string `json:"id"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Attachment is a file reference carried by a message.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message represents one chat message.
type Message struct {
	// Identity. While Pending, ID holds a locally generated placeholder
	// and ClientID repeats it so the server can echo it back.
	ID       string `json:"id"`
	ClientID string `json:"clientId,omitempty"`
	Pending  bool   `json:"pending,omitempty"`

	Content string `json:"content"`

	// Addressing: exactly one of RecipientID and GroupID is set.
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId,omitempty"`
	GroupID     string `json:"groupId,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
	IsOwn     bool      `json:"isOwn"`

	Sender      *Sender        `json:"sender,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ReplyTo     string         `json:"replyTo,omitempty"`
}

// Draft is an outgoing message before the server has seen it.
type Draft struct {
	ClientID     string         `json:"clientId,omitempty"`
	Content      string         `json:"content"`
	TargetUserID string         `json:"targetUserId,omitempty"`
	GroupID      string         `json:"groupId,omitempty"`
	Attachments  []Attachment   `json:"attachments,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ReplyTo      string         `json:"replyTo,omitempty"`
}

var (
	errNoAddress     = errors.New("message must address a recipient or a group")
	errDoubleAddress = errors.New("message cannot address both a recipient and a group")
)

// Validate checks the addressing invariant.
func (m *Message) Validate() error {
	switch {
	case m.RecipientID == "" && m.GroupID == "":
		return errNoAddress
	case m.RecipientID != "" && m.GroupID != "":
		return errDoubleAddress
	}
	return nil
}

// DeriveOwnership sets IsOwn from the sender.
func (m *Message) DeriveOwnership(localUserID string) {
	m.IsOwn = localUserID != "" && m.SenderID == localUserID
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	if m.Sender != nil {
		sender := *m.Sender
		m.Sender = &sender
	}
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Metadata != nil {
		metadata := make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			metadata[k] = v
		}
		m.Metadata = metadata
	}
	return m
}

// NewPendingID returns a fresh placeholder identifier for an optimistic message.
func NewPendingID() string {
	return PendingPrefix + uuid.Must(uuid.NewV7()).String()
}

// IsPendingID reports whether id was generated by NewPendingID.
func IsPendingID(id string) bool {
	return strings.HasPrefix(id, PendingPrefix)
}
