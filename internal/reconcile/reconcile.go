// Package reconcile merges optimistic sends, server acknowledgements,
// inbound peer messages and history pages into one deduplicated,
// status-accurate sequence per conversation.
//
// Matching prefers identifiers: the server id, then the client id the
// server echoes back. A content, sender and time-window heuristic is the
// fallback for servers that do not echo client ids; a zero window turns
// it off. Reconciliation never fails outward: anything it cannot match
// is inserted as new.
package reconcile

import (
	"sort"
	"time"

	"github.com/capitalize-ai/realtime-chat/internal/clock"
	"github.com/capitalize-ai/realtime-chat/internal/model"
	"github.com/capitalize-ai/realtime-chat/pkg/metrics"
)

// DefaultWindow is the heuristic match tolerance.
const DefaultWindow = 5 * time.Second

// Ack is a server acknowledgement of a local send.
type Ack struct {
	MessageID      string
	ClientID       string
	ConversationID string
	Content        string
	Status         model.Status
	Timestamp      time.Time
}

// Result describes what happened to one message.
type Result struct {
	Message        model.Message
	ConversationID string
	Outcome        string
	// Changed is false when the call left state untouched.
	Changed bool
}

// Reconciler holds the message sequences. It is not safe for concurrent
// use; the owner serializes access.
type Reconciler struct {
	localUserID string
	window      time.Duration
	clock       clock.Clock

	sequences map[string][]*model.Message
	// index maps server ids and client ids to their conversation.
	index map[string]string
}

// New returns an empty reconciler for localUserID.
func New(localUserID string, window time.Duration, clk clock.Clock) *Reconciler {
	if clk == nil {
		clk = clock.Real()
	}
	if window < 0 {
		window = 0
	}
	return &Reconciler{
		localUserID: localUserID,
		window:      window,
		clock:       clk,
		sequences:   make(map[string][]*model.Message),
		index:       make(map[string]string),
	}
}

// LocalUserID returns the user whose messages count as own.
func (r *Reconciler) LocalUserID() string { return r.localUserID }

// SetLocalUserID changes the local user, rederives ownership and
// regroups direct messages under their new peer. Used when the server
// reports the authenticated identity after connecting.
func (r *Reconciler) SetLocalUserID(userID string) {
	if userID == r.localUserID {
		return
	}
	r.localUserID = userID

	convs := make([]string, 0, len(r.sequences))
	for conv := range r.sequences {
		convs = append(convs, conv)
	}
	sort.Strings(convs)

	old := r.sequences
	r.sequences = make(map[string][]*model.Message, len(old))
	r.index = make(map[string]string, len(r.index))
	for _, conv := range convs {
		for _, m := range old[conv] {
			if !m.Pending {
				m.DeriveOwnership(userID)
			}
			next := model.ConversationIDFor(m)
			if next == "" {
				next = conv
			}
			r.sequences[next] = append(r.sequences[next], m)
			r.indexMessage(next, m)
		}
	}
}

// AddOptimistic appends a locally authored message before any network
// round trip. It assigns a pending id when msg has none.
func (r *Reconciler) AddOptimistic(msg model.Message) Result {
	if msg.ID == "" {
		msg.ID = model.NewPendingID()
	}
	msg.ClientID = msg.ID
	msg.Pending = true
	msg.Status = model.StatusSending
	msg.SenderID = r.localUserID
	msg.IsOwn = true
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.clock.Now()
	}

	conv := model.ConversationIDFor(&msg)
	stored := msg.Clone()
	r.sequences[conv] = append(r.sequences[conv], &stored)
	r.indexMessage(conv, &stored)

	metrics.MessagesReconciled.WithLabelValues(metrics.OutcomeOptimistic).Inc()
	return Result{Message: stored.Clone(), ConversationID: conv, Outcome: metrics.OutcomeOptimistic, Changed: true}
}

// Ack applies a send acknowledgement in place. It never inserts: an ack
// that matches nothing is reported with Changed false.
func (r *Reconciler) Ack(a Ack) Result {
	conv, m := r.lookup(a.ClientID)
	if m == nil {
		conv, m = r.lookup(a.MessageID)
	}
	if m == nil {
		at := a.Timestamp
		if at.IsZero() {
			at = r.clock.Now()
		}
		conv, m = r.matchPending(a.ConversationID, a.Content, at)
	}
	if m == nil {
		return Result{Outcome: metrics.OutcomeFailed}
	}

	status := a.Status
	if !status.Valid() {
		status = model.StatusSent
	}
	changed := r.confirm(conv, m, a.MessageID, time.Time{})
	if m.Status.CanAdvanceTo(status) {
		m.Status = status
		changed = true
	}
	if changed {
		metrics.MessagesReconciled.WithLabelValues(metrics.OutcomeAcked).Inc()
	}
	return Result{Message: m.Clone(), ConversationID: conv, Outcome: metrics.OutcomeAcked, Changed: changed}
}

// Inbound merges a message received from the server: a peer message, an
// echo of an own send, or a redelivery. It appends only when nothing
// matches.
func (r *Reconciler) Inbound(msg model.Message) Result {
	msg.DeriveOwnership(r.localUserID)
	msg.Pending = false
	conv := model.ConversationIDFor(&msg)
	if conv == "" || msg.Validate() != nil {
		metrics.MessagesReconciled.WithLabelValues(metrics.OutcomeFailed).Inc()
		return Result{Message: msg, Outcome: metrics.OutcomeFailed}
	}

	existingConv, existing := r.lookup(msg.ID)
	if existing == nil && msg.ClientID != "" {
		existingConv, existing = r.lookup(msg.ClientID)
	}
	if existing == nil {
		existingConv, existing = r.matchDuplicate(conv, msg)
	}

	if existing != nil {
		changed := false
		if existing.Pending {
			changed = r.confirm(existingConv, existing, msg.ID, msg.Timestamp)
		}
		if existing.Status.CanAdvanceTo(msg.Status) && msg.Status != model.StatusError {
			existing.Status = msg.Status
			changed = true
		}
		if existing.Sender == nil && msg.Sender != nil {
			sender := *msg.Sender
			existing.Sender = &sender
			changed = true
		}
		metrics.MessagesReconciled.WithLabelValues(metrics.OutcomeDeduplicated).Inc()
		return Result{Message: existing.Clone(), ConversationID: existingConv, Outcome: metrics.OutcomeDeduplicated, Changed: changed}
	}

	stored := msg.Clone()
	r.sequences[conv] = append(r.sequences[conv], &stored)
	r.indexMessage(conv, &stored)

	metrics.MessagesReconciled.WithLabelValues(metrics.OutcomeInserted).Inc()
	return Result{Message: stored.Clone(), ConversationID: conv, Outcome: metrics.OutcomeInserted, Changed: true}
}

// ReplaceHistory overwrites conv's sequence with a server page. Own
// messages still in flight that the page does not contain are kept at
// the end.
func (r *Reconciler) ReplaceHistory(conv string, msgs []model.Message) []model.Message {
	seen := make(map[string]bool, len(msgs))
	next := make([]*model.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ID != "" && seen[msg.ID] {
			continue
		}
		msg.DeriveOwnership(r.localUserID)
		msg.Pending = false
		if !msg.Status.Valid() {
			msg.Status = model.StatusDelivered
		}
		stored := msg.Clone()
		seen[stored.ID] = true
		if stored.ClientID != "" {
			seen[stored.ClientID] = true
		}
		next = append(next, &stored)
	}

	history := len(next)
	for _, m := range r.sequences[conv] {
		r.unindex(m)
		if m.Pending && m.Status != model.StatusError && !seen[m.ID] && !r.covered(next[:history], m) {
			next = append(next, m)
		}
	}

	r.sequences[conv] = next
	for _, m := range next {
		r.indexMessage(conv, m)
	}
	return r.Messages(conv)
}

// Fail moves a non-terminal message to error. Failed messages are never
// retried; the user sends again.
func (r *Reconciler) Fail(id string) Result {
	conv, m := r.lookup(id)
	if m == nil || !m.Status.CanAdvanceTo(model.StatusError) {
		return Result{Outcome: metrics.OutcomeFailed}
	}
	m.Status = model.StatusError
	metrics.MessagesReconciled.WithLabelValues(metrics.OutcomeFailed).Inc()
	return Result{Message: m.Clone(), ConversationID: conv, Outcome: metrics.OutcomeFailed, Changed: true}
}

// Expire fails a message only if it is still sending.
func (r *Reconciler) Expire(id string) Result {
	conv, m := r.lookup(id)
	if m == nil || m.Status != model.StatusSending {
		return Result{Outcome: metrics.OutcomeExpired}
	}
	m.Status = model.StatusError
	metrics.MessagesReconciled.WithLabelValues(metrics.OutcomeExpired).Inc()
	return Result{Message: m.Clone(), ConversationID: conv, Outcome: metrics.OutcomeExpired, Changed: true}
}

// UpdateStatus advances a message's status if the lattice allows it.
func (r *Reconciler) UpdateStatus(id string, status model.Status) Result {
	conv, m := r.lookup(id)
	if m == nil || !m.Status.CanAdvanceTo(status) {
		return Result{}
	}
	m.Status = status
	return Result{Message: m.Clone(), ConversationID: conv, Changed: true}
}

// MarkRead advances the given messages to read and returns the
// conversations they belong to, in first-seen order.
func (r *Reconciler) MarkRead(ids []string) []string {
	var convs []string
	seen := make(map[string]bool)
	for _, id := range ids {
		conv, m := r.lookup(id)
		if m == nil {
			continue
		}
		if m.Status.CanAdvanceTo(model.StatusRead) {
			m.Status = model.StatusRead
		}
		if !seen[conv] {
			seen[conv] = true
			convs = append(convs, conv)
		}
	}
	return convs
}

// Find returns a copy of the message with the given server or client id.
func (r *Reconciler) Find(id string) (model.Message, string, bool) {
	conv, m := r.lookup(id)
	if m == nil {
		return model.Message{}, "", false
	}
	return m.Clone(), conv, true
}

// Messages returns a copy of conv's sequence in insertion order.
func (r *Reconciler) Messages(conv string) []model.Message {
	seq := r.sequences[conv]
	out := make([]model.Message, len(seq))
	for i, m := range seq {
		out[i] = m.Clone()
	}
	return out
}

// All returns a copy of every sequence keyed by conversation id.
func (r *Reconciler) All() map[string][]model.Message {
	out := make(map[string][]model.Message, len(r.sequences))
	for conv := range r.sequences {
		out[conv] = r.Messages(conv)
	}
	return out
}

// Len returns the total number of messages held.
func (r *Reconciler) Len() int {
	n := 0
	for _, seq := range r.sequences {
		n += len(seq)
	}
	return n
}

// confirm replaces a pending placeholder with its server identity.
func (r *Reconciler) confirm(conv string, m *model.Message, serverID string, serverTime time.Time) bool {
	changed := false
	if serverID != "" && serverID != m.ID {
		if r.index[m.ID] == conv && m.ID != m.ClientID {
			delete(r.index, m.ID)
		}
		m.ID = serverID
		r.index[serverID] = conv
		changed = true
	}
	if m.Pending && !model.IsPendingID(m.ID) {
		m.Pending = false
		changed = true
	}
	if !serverTime.IsZero() && !serverTime.Equal(m.Timestamp) {
		m.Timestamp = serverTime
		changed = true
	}
	return changed
}

func (r *Reconciler) lookup(id string) (string, *model.Message) {
	if id == "" {
		return "", nil
	}
	conv, ok := r.index[id]
	if !ok {
		return "", nil
	}
	for _, m := range r.sequences[conv] {
		if m.ID == id || m.ClientID == id {
			return conv, m
		}
	}
	return "", nil
}

// matchPending finds the oldest own pending message in conv that an ack
// without ids plausibly refers to.
func (r *Reconciler) matchPending(conv, content string, at time.Time) (string, *model.Message) {
	if r.window == 0 || conv == "" {
		return "", nil
	}
	for _, m := range r.sequences[conv] {
		if !m.Pending || !m.IsOwn {
			continue
		}
		if content != "" && m.Content != content {
			continue
		}
		if r.within(m.Timestamp, at) {
			return conv, m
		}
	}
	return "", nil
}

// matchDuplicate applies the content, sender and time-window heuristic.
// Two confirmed messages with different server ids are never merged.
func (r *Reconciler) matchDuplicate(conv string, msg model.Message) (string, *model.Message) {
	if r.window == 0 {
		return "", nil
	}
	for _, m := range r.sequences[conv] {
		if m.SenderID != msg.SenderID || m.Content != msg.Content {
			continue
		}
		if !m.Pending && m.ID != "" && msg.ID != "" && m.ID != msg.ID {
			continue
		}
		if r.within(m.Timestamp, msg.Timestamp) {
			return conv, m
		}
	}
	return "", nil
}

// covered reports whether a page contains the confirmed copy of a
// pending message.
func (r *Reconciler) covered(page []*model.Message, pending *model.Message) bool {
	if r.window == 0 {
		return false
	}
	for _, m := range page {
		if m.SenderID == pending.SenderID && m.Content == pending.Content && r.within(m.Timestamp, pending.Timestamp) {
			return true
		}
	}
	return false
}

func (r *Reconciler) within(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= r.window
}

func (r *Reconciler) indexMessage(conv string, m *model.Message) {
	if m.ID != "" {
		r.index[m.ID] = conv
	}
	if m.ClientID != "" {
		r.index[m.ClientID] = conv
	}
}

func (r *Reconciler) unindex(m *model.Message) {
	delete(r.index, m.ID)
	if m.ClientID != "" {
		delete(r.index, m.ClientID)
	}
}
