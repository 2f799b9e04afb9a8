// Package chat is the single surface the UI collaborator consumes. It
// wires the transport session, message reconciler, presence tracker and
// conversation directory together, exposes read-only snapshots and
// accepts imperative commands.
//
// Transport problems are observed through the connection state; only
// command-level failures are returned as errors.
package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/capitalize-ai/realtime-chat/internal/clock"
	"github.com/capitalize-ai/realtime-chat/internal/directory"
	"github.com/capitalize-ai/realtime-chat/internal/event"
	"github.com/capitalize-ai/realtime-chat/internal/model"
	"github.com/capitalize-ai/realtime-chat/internal/presence"
	"github.com/capitalize-ai/realtime-chat/internal/reconcile"
	"github.com/capitalize-ai/realtime-chat/internal/transport"
	"github.com/capitalize-ai/realtime-chat/pkg/logger"
)

var (
	// ErrNotConnected is returned by commands that need a live connection.
	ErrNotConnected = errors.New("chat: not connected")
	// ErrInvalidTarget is returned when a command does not address
	// exactly one of a user or a group.
	ErrInvalidTarget = errors.New("chat: exactly one of target user or group is required")
	// ErrEmptyContent is returned for a message with neither text nor
	// attachments.
	ErrEmptyContent = errors.New("chat: message is empty")
	// ErrInvalidConversation is returned for a malformed conversation id.
	ErrInvalidConversation = errors.New("chat: invalid conversation id")
)

const (
	DefaultSendTimeout    = 30 * time.Second
	DefaultTypingThrottle = time.Second
)

// Transport is the connection the client drives. *transport.Session
// implements it.
type Transport interface {
	Connect(ctx context.Context, creds transport.Credentials) error
	Disconnect()
	Send(ctx context.Context, e event.Outbound) error
	State() model.ConnectionState
	Err() error
	UserID() string
	SetHandlers(onState transport.StateFunc, onEvent transport.EventFunc)
}

// Store is the history and persistence collaborator. *api.Client and
// the JetStream store implement it.
type Store interface {
	FetchConversations(ctx context.Context) ([]model.Conversation, error)
	FetchMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error)
	PersistMessage(ctx context.Context, draft model.Draft) (model.Message, error)
}

// Options configures a Client. Zero values take the defaults.
type Options struct {
	Clock  clock.Clock
	Logger *logger.Logger
	// LocalUserID is replaced by the identity the transport resolves.
	LocalUserID    string
	DedupeWindow   time.Duration
	TypingTTL      time.Duration
	SendTimeout    time.Duration
	TypingThrottle time.Duration
	// DisableDedupeHeuristic turns off content matching, leaving only id
	// matching.
	DisableDedupeHeuristic bool
}

// Client is the chat façade.
type Client struct {
	transport      Transport
	store          Store
	clock          clock.Clock
	logger         *logger.Logger
	presence       *presence.Tracker
	hub            *hub
	sendTimeout    time.Duration
	typingThrottle time.Duration

	mu          sync.Mutex
	reconciler  *reconcile.Reconciler
	directory   *directory.Directory
	sendTimers  map[string]*clock.Timer
	typingGates map[string]*rate.Limiter
}

// New wires a client around an explicitly owned transport. store may be
// nil, in which case history and persistence calls are skipped.
func New(t Transport, store Store, opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = reconcile.DefaultWindow
	}
	if opts.DisableDedupeHeuristic {
		opts.DedupeWindow = 0
	}
	if opts.SendTimeout == 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.TypingThrottle <= 0 {
		opts.TypingThrottle = DefaultTypingThrottle
	}
	log := logger.OrNop(opts.Logger).Named("chat")

	c := &Client{
		transport:      t,
		store:          store,
		clock:          opts.Clock,
		logger:         log,
		hub:            newHub(log),
		sendTimeout:    opts.SendTimeout,
		typingThrottle: opts.TypingThrottle,
		reconciler:     reconcile.New(opts.LocalUserID, opts.DedupeWindow, opts.Clock),
		directory:      directory.New(),
		sendTimers:     make(map[string]*clock.Timer),
		typingGates:    make(map[string]*rate.Limiter),
	}
	c.presence = presence.New(opts.Clock, opts.TypingTTL, func(typing []model.TypingEntry) {
		c.hub.publish(Notification{Kind: KindTyping, Typing: typing})
	})
	t.SetHandlers(c.handleState, c.handleEvent)
	return c
}

// Connect opens the transport. It returns only command errors such as
// missing credentials; connection failures show up in the state.
func (c *Client) Connect(ctx context.Context, creds transport.Credentials) error {
	if creds.UserID != "" {
		c.setLocalUser(creds.UserID)
	}
	return c.transport.Connect(ctx, creds)
}

// Disconnect closes the transport and suppresses reconnects.
func (c *Client) Disconnect() {
	c.transport.Disconnect()
	c.presence.Reset()
}

// State returns the connection state.
func (c *Client) State() model.ConnectionState {
	return c.transport.State()
}

// Subscribe returns a channel of notifications and a function that ends
// the subscription. Slow subscribers miss notifications rather than
// stall the client.
func (c *Client) Subscribe(buffer int) (<-chan Notification, func()) {
	return c.hub.subscribe(buffer)
}

// Snapshot is a read-only copy of the client state.
type Snapshot struct {
	UserID             string                     `json:"userId,omitempty"`
	ConnectionState    model.ConnectionState      `json:"connectionState"`
	Error              string                     `json:"error,omitempty"`
	Messages           map[string][]model.Message `json:"messages"`
	Conversations      []model.Conversation       `json:"conversations"`
	OnlineUsers        []string                   `json:"onlineUsers"`
	TypingUsers        []model.TypingEntry        `json:"typingUsers"`
	ActiveConversation string                     `json:"activeConversation,omitempty"`
}

// Snapshot returns a copy of the current state.
func (c *Client) Snapshot() Snapshot {
	snap := Snapshot{
		ConnectionState: c.transport.State(),
		OnlineUsers:     c.presence.Online(),
		TypingUsers:     c.presence.TypingUsers(),
	}
	if err := c.transport.Err(); err != nil && snap.ConnectionState == model.StateError {
		snap.Error = err.Error()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	snap.UserID = c.reconciler.LocalUserID()
	snap.Messages = c.reconciler.All()
	snap.Conversations = c.directory.List()
	snap.ActiveConversation = c.directory.Active()
	return snap
}

// Messages returns a copy of one conversation's sequence.
func (c *Client) Messages(conversationID string) []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconciler.Messages(conversationID)
}

// Conversations returns the conversation list, most recent first.
func (c *Client) Conversations() []model.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.directory.List()
}

// SetActiveConversation records the conversation the UI has open.
func (c *Client) SetActiveConversation(conversationID string) error {
	if conversationID != "" {
		if _, _, ok := model.ParseConversationID(conversationID); !ok {
			return ErrInvalidConversation
		}
	}

	c.mu.Lock()
	c.directory.SetActive(conversationID)
	conv, ok := c.directory.Get(conversationID)
	c.mu.Unlock()

	if ok {
		c.hub.publish(conversationNotification(conv))
	}
	return nil
}

// OpenDirect returns the direct conversation with peer, reusing an
// existing thread.
func (c *Client) OpenDirect(peerID string) (model.Conversation, error) {
	if peerID == "" {
		return model.Conversation{}, ErrInvalidTarget
	}
	c.mu.Lock()
	conv := c.directory.OpenDirect(peerID)
	c.mu.Unlock()

	c.hub.publish(conversationNotification(conv))
	return conv, nil
}

func (c *Client) handleState(state model.ConnectionState, err error) {
	n := Notification{Kind: KindState, State: state}
	if err != nil {
		n.Error = err.Error()
	}

	switch state {
	case model.StateConnected:
		if userID := c.transport.UserID(); userID != "" {
			c.setLocalUser(userID)
		}
		c.logger.Info("chat connected")
	case model.StateError:
		c.presence.Reset()
		c.logger.Warn("chat connection failed", zap.String("error", n.Error))
	default:
		c.presence.Reset()
	}
	c.hub.publish(n)
}

func (c *Client) setLocalUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconciler.SetLocalUserID(userID)
}

func (c *Client) connected() bool {
	return c.transport.State() == model.StateConnected
}
