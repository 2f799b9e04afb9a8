// Package directory keeps the conversation list: last message, unread
// count and timestamp for every direct and group thread.
package directory

import (
	"sort"

	"github.com/capitalize-ai/realtime-chat/internal/model"
)

// Directory holds conversation summaries keyed by conversation id. It is
// not safe for concurrent use; the owner serializes access.
type Directory struct {
	conversations map[string]*model.Conversation
	active        string
}

// New returns an empty directory.
func New() *Directory {
	return &Directory{conversations: make(map[string]*model.Conversation)}
}

// Apply records a processed message in its conversation, creating the
// conversation when unseen. Unread counts only grow for inbound messages
// that are not read and not in the active conversation. Returns the
// updated summary, or false when the message has no conversation.
func (d *Directory) Apply(msg model.Message, inbound bool) (model.Conversation, bool) {
	id := model.ConversationIDFor(&msg)
	if id == "" {
		return model.Conversation{}, false
	}
	conv := d.ensure(id)

	if conv.LastMessage == nil || !msg.Timestamp.Before(conv.LastMessage.Timestamp) || sameMessage(conv.LastMessage, &msg) {
		last := msg.Clone()
		conv.LastMessage = &last
	}
	if msg.Timestamp.After(conv.Timestamp) {
		conv.Timestamp = msg.Timestamp
	}
	if inbound && !msg.IsOwn && msg.Status != model.StatusRead && id != d.active {
		conv.UnreadCount++
	}
	if msg.GroupID != "" && msg.SenderID != "" {
		addParticipant(conv, msg.SenderID)
	}
	return conv.Clone(), true
}

// Refresh replaces the stored last message when it is the same logical
// message, keeping summaries in step with acks and status changes.
func (d *Directory) Refresh(conversationID string, msg model.Message) {
	conv, ok := d.conversations[conversationID]
	if !ok || conv.LastMessage == nil {
		return
	}
	if sameMessage(conv.LastMessage, &msg) {
		updated := msg.Clone()
		conv.LastMessage = &updated
	}
}

// SetActive records the conversation the UI has open and clears its
// unread count. An empty id means none.
func (d *Directory) SetActive(id string) {
	d.active = id
	if conv, ok := d.conversations[id]; ok {
		conv.UnreadCount = 0
	}
}

// Active returns the open conversation id.
func (d *Directory) Active() string {
	return d.active
}

// MarkRead resets unread counts for the given conversations.
func (d *Directory) MarkRead(ids []string) {
	for _, id := range ids {
		if conv, ok := d.conversations[id]; ok {
			conv.UnreadCount = 0
		}
	}
}

// Load merges a server conversation list. Server fields win except that
// a newer local last message is kept.
func (d *Directory) Load(convs []model.Conversation) {
	for i := range convs {
		if convs[i].ID == "" {
			continue
		}
		conv := convs[i].Clone()
		if conv.Type == "" {
			if typ, _, ok := model.ParseConversationID(conv.ID); ok {
				conv.Type = typ
			}
		}
		existing, ok := d.conversations[conv.ID]
		if ok && existing.LastMessage != nil && (conv.LastMessage == nil || existing.LastMessage.Timestamp.After(conv.LastMessage.Timestamp)) {
			conv.LastMessage = existing.LastMessage
			if existing.Timestamp.After(conv.Timestamp) {
				conv.Timestamp = existing.Timestamp
			}
		}
		if ok && conv.Name == "" {
			conv.Name = existing.Name
		}
		if conv.ID == d.active {
			conv.UnreadCount = 0
		}
		d.conversations[conv.ID] = &conv
	}
}

// EnsureGroup creates or updates a group conversation.
func (d *Directory) EnsureGroup(groupID, name string, members []string) model.Conversation {
	conv := d.ensure(model.GroupConversationID(groupID))
	if name != "" {
		conv.Name = name
	}
	for _, member := range members {
		addParticipant(conv, member)
	}
	return conv.Clone()
}

// RemoveMember drops a user from a group's participants.
func (d *Directory) RemoveMember(groupID, userID string) {
	conv, ok := d.conversations[model.GroupConversationID(groupID)]
	if !ok {
		return
	}
	kept := conv.Participants[:0]
	for _, p := range conv.Participants {
		if p != userID {
			kept = append(kept, p)
		}
	}
	conv.Participants = kept
}

// Remove deletes a conversation. Only an explicit leave does this.
func (d *Directory) Remove(id string) bool {
	if _, ok := d.conversations[id]; !ok {
		return false
	}
	delete(d.conversations, id)
	if d.active == id {
		d.active = ""
	}
	return true
}

// OpenDirect returns the thread with peer, creating it only when absent.
func (d *Directory) OpenDirect(peerID string) model.Conversation {
	return d.ensure(model.DirectConversationID(peerID)).Clone()
}

// Get returns one conversation.
func (d *Directory) Get(id string) (model.Conversation, bool) {
	conv, ok := d.conversations[id]
	if !ok {
		return model.Conversation{}, false
	}
	return conv.Clone(), true
}

// List returns every conversation, most recent first. Ties break on id.
func (d *Directory) List() []model.Conversation {
	out := make([]model.Conversation, 0, len(d.conversations))
	for _, conv := range d.conversations {
		out = append(out, conv.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UnreadTotal sums unread counts across conversations.
func (d *Directory) UnreadTotal() int {
	total := 0
	for _, conv := range d.conversations {
		total += conv.UnreadCount
	}
	return total
}

func (d *Directory) ensure(id string) *model.Conversation {
	if conv, ok := d.conversations[id]; ok {
		return conv
	}
	conv := &model.Conversation{ID: id}
	if typ, subject, ok := model.ParseConversationID(id); ok {
		conv.Type = typ
		if typ == model.ConversationDirect {
			conv.Participants = []string{subject}
		}
	}
	d.conversations[id] = conv
	return conv
}

func addParticipant(conv *model.Conversation, userID string) {
	for _, p := range conv.Participants {
		if p == userID {
			return
		}
	}
	conv.Participants = append(conv.Participants, userID)
}

func sameMessage(a, b *model.Message) bool {
	if a.ID != "" && a.ID == b.ID {
		return true
	}
	return a.ClientID != "" && a.ClientID == b.ClientID
}
