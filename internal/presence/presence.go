// Package presence tracks which peers are online and which are typing.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/capitalize-ai/realtime-chat/internal/clock"
	"github.com/capitalize-ai/realtime-chat/internal/model"
	"github.com/capitalize-ai/realtime-chat/pkg/metrics"
)

// DefaultTypingTTL is how long a typing indicator lives without a refresh.
const DefaultTypingTTL = 3 * time.Second

// ChangeFunc is called after the typing set changes, outside the lock.
type ChangeFunc func(typing []model.TypingEntry)

// Tracker holds the online set and the typing set. Safe for concurrent
// use: expiry timers fire on clock goroutines.
type Tracker struct {
	clock    clock.Clock
	ttl      time.Duration
	onChange ChangeFunc

	mu     sync.Mutex
	online map[string]struct{}
	typing map[string]*typingState
}

type typingState struct {
	entry model.TypingEntry
	timer *clock.Timer
}

// New returns an empty tracker. A non-positive ttl takes DefaultTypingTTL.
func New(clk clock.Clock, ttl time.Duration, onChange ChangeFunc) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &Tracker{
		clock:    clk,
		ttl:      ttl,
		onChange: onChange,
		online:   make(map[string]struct{}),
		typing:   make(map[string]*typingState),
	}
}

// SetOnline replaces the online set wholesale.
func (t *Tracker) SetOnline(userIDs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.online = make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if id != "" {
			t.online[id] = struct{}{}
		}
	}
	metrics.OnlineUsers.Set(float64(len(t.online)))
}

// Online returns the online set sorted by id.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsOnline reports whether userID is in the online set.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[userID]
	return ok
}

// ApplyTyping applies a peer typing signal. A start inserts or refreshes
// the entry and replaces its expiry timer, so each user has at most one
// armed timer; a stop removes it and cancels the timer.
func (t *Tracker) ApplyTyping(entry model.TypingEntry, isTyping bool) {
	if entry.UserID == "" {
		return
	}

	t.mu.Lock()
	state, exists := t.typing[entry.UserID]
	changed := false
	switch {
	case isTyping:
		if exists {
			state.timer.Stop()
		}
		entry.ExpiresAt = t.clock.Now().Add(t.ttl)
		next := &typingState{entry: entry}
		t.typing[entry.UserID] = next
		userID := entry.UserID
		next.timer = t.clock.AfterFunc(t.ttl, func() { t.expire(userID, next) })
		changed = true
	case exists:
		state.timer.Stop()
		delete(t.typing, entry.UserID)
		changed = true
	}
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	if changed {
		t.notify(snapshot)
	}
}

func (t *Tracker) expire(userID string, state *typingState) {
	t.mu.Lock()
	if t.typing[userID] != state {
		t.mu.Unlock()
		return
	}
	delete(t.typing, userID)
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.notify(snapshot)
}

// TypingUsers returns the live typing entries sorted by user id.
func (t *Tracker) TypingUsers() []model.TypingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Reset clears every typing entry and cancels their timers. The online
// set is kept until the next snapshot replaces it.
func (t *Tracker) Reset() {
	t.mu.Lock()
	if len(t.typing) == 0 {
		t.mu.Unlock()
		return
	}
	for _, state := range t.typing {
		state.timer.Stop()
	}
	t.typing = make(map[string]*typingState)
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.notify(snapshot)
}

func (t *Tracker) snapshotLocked() []model.TypingEntry {
	entries := make([]model.TypingEntry, 0, len(t.typing))
	for _, state := range t.typing {
		entries = append(entries, state.entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UserID < entries[j].UserID
	})
	return entries
}

func (t *Tracker) notify(snapshot []model.TypingEntry) {
	metrics.TypingEntries.Set(float64(len(snapshot)))
	if t.onChange != nil {
		t.onChange(snapshot)
	}
}
