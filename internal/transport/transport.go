// Package transport owns the single bidirectional connection between the
// chat client and the chat endpoint: connect, reconnect with exponential
// backoff, disconnect, and raw event send/receive.
//
// The lifecycle is a pure state machine ([Machine]) driven by a
// [Session], which performs the dials, timers and reads the machine
// asks for. Concrete wires implement [Dialer] and [Conn]: see
// [WebSocketDialer] and the NATS dialer in internal/nats.
package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/capitalize-ai/realtime-chat/internal/event"
)

var (
	// ErrNoCredentials is returned by Connect without credential material.
	ErrNoCredentials = errors.New("no credentials supplied")
	// ErrSessionActive is returned when another session for the same
	// user is already connecting or connected.
	ErrSessionActive = errors.New("another session is active for this user")
	// ErrNotConnected is returned by Send outside the connected state.
	ErrNotConnected = errors.New("transport not connected")
	// ErrUnauthorized is returned by a Dialer when the endpoint rejects
	// the credentials. It is not retried.
	ErrUnauthorized = errors.New("credentials rejected")
	// ErrServerClosed is returned by Conn.Receive when the server ended
	// the session on purpose. It is not retried.
	ErrServerClosed = errors.New("session closed by server")
)

// Credentials is the externally supplied authentication material.
type Credentials struct {
	UserID string
	Token  string
}

// Empty reports whether no credential material is present.
func (c Credentials) Empty() bool {
	return strings.TrimSpace(c.Token) == ""
}

// inspect reads the subject and expiry from a JWT token without
// verifying it; verification is the server's job. Opaque tokens are
// passed through untouched.
func (c Credentials) inspect(now time.Time) (Credentials, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.Token, claims); err != nil {
		return c, nil
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
		return c, errors.New("credentials expired")
	}
	if c.UserID == "" {
		c.UserID = claims.Subject
	}
	return c, nil
}

// Dialer opens connections to the chat endpoint.
type Dialer interface {
	// Dial connects and completes the handshake. It returns
	// ErrUnauthorized (possibly wrapped) when credentials are rejected.
	Dial(ctx context.Context, creds Credentials) (Conn, error)
}

// Conn is one live connection.
type Conn interface {
	// Send writes one event. Safe for concurrent use.
	Send(ctx context.Context, e event.Outbound) error
	// Receive blocks for the next event. It returns ErrServerClosed
	// (possibly wrapped) when the server ended the session and any
	// other error for network failures.
	Receive() (event.Inbound, error)
	// Close tears the connection down. Idempotent.
	Close() error
}

// Registry enforces one live session per user within a process.
type Registry struct {
	mu     sync.Mutex
	active map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*Session)}
}

func (r *Registry) claim(userID string, s *Session) bool {
	if r == nil || userID == "" {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.active[userID]; ok && owner != s {
		return false
	}
	r.active[userID] = s
	return true
}

func (r *Registry) release(userID string, s *Session) {
	if r == nil || userID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[userID] == s {
		delete(r.active, userID)
	}
}
