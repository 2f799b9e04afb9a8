package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-chat/internal/event"
	"github.com/capitalize-ai/realtime-chat/internal/transport"
	"github.com/capitalize-ai/realtime-chat/pkg/logger"
)

const (
	// SubjectRoot prefixes every per-user chat subject.
	SubjectRoot = "chat"

	inboxBuffer  = 256
	flushTimeout = 10 * time.Second
)

var errConnectionClosed = errors.New("nats connection closed")

// InboxSubject is where the server publishes events for a user.
func InboxSubject(userID string) string {
	return fmt.Sprintf("%s.%s.inbox", SubjectRoot, userID)
}

// OutboxSubject is where a user's client publishes its commands.
func OutboxSubject(userID string) string {
	return fmt.Sprintf("%s.%s.outbox", SubjectRoot, userID)
}

// Dialer is a transport.Dialer over core NATS. Library reconnects are
// disabled: the transport session owns the retry policy, so one Dial is
// one connection attempt.
type Dialer struct {
	Config Config
	Logger *logger.Logger
}

// Dial connects with the caller's token and subscribes to the user's
// inbox. Authorization failures map to transport.ErrUnauthorized.
func (d *Dialer) Dial(ctx context.Context, creds transport.Credentials) (transport.Conn, error) {
	if !validToken(creds.UserID) {
		return nil, fmt.Errorf("%w: user id %q is not a valid subject token", transport.ErrUnauthorized, creds.UserID)
	}
	log := logger.OrNop(d.Logger).Named("nats-transport").With(zap.String("user_id", creds.UserID))

	cfg := d.Config
	if creds.Token != "" {
		cfg.Token = creds.Token
	}
	if cfg.Name == "" {
		cfg.Name = "realtime-chat/" + creds.UserID
	}
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}

	c := &natsConn{
		outbox:  OutboxSubject(creds.UserID),
		inbound: make(chan *nats.Msg, inboxBuffer),
		done:    make(chan struct{}),
		logger:  log,
	}
	opts = append(opts,
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.finish(err)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.finish(nc.LastError())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Warn("NATS async error", zap.Error(err))
			if isAuthError(err) {
				c.finish(err)
			}
		}),
	)
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: %v", transport.ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	c.nc = nc

	sub, err := nc.ChanSubscribe(InboxSubject(creds.UserID), c.inbound)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to inbox: %w", err)
	}
	c.sub = sub

	if err := flush(ctx, nc); err != nil {
		nc.Close()
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: %v", transport.ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("failed to confirm inbox subscription: %w", err)
	}

	log.Info("NATS transport connected", zap.String("url", nc.ConnectedUrl()))
	return c, nil
}

type natsConn struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	outbox  string
	inbound chan *nats.Msg
	logger  *logger.Logger

	once sync.Once
	done chan struct{}
	err  error
}

func (c *natsConn) Send(ctx context.Context, e event.Outbound) error {
	data, err := event.Encode(e)
	if err != nil {
		return err
	}
	if err := c.nc.Publish(c.outbox, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", e.Name(), err)
	}
	return flush(ctx, c.nc)
}

// Receive returns queued events before reporting the close reason.
func (c *natsConn) Receive() (event.Inbound, error) {
	for {
		var msg *nats.Msg
		select {
		case msg = <-c.inbound:
		case <-c.done:
			select {
			case msg = <-c.inbound:
			default:
				return nil, c.err
			}
		}

		e, err := event.DecodeInbound(msg.Data)
		if err != nil {
			c.logger.Debug("skipping undecodable event", zap.Error(err))
			continue
		}
		return e, nil
	}
}

func (c *natsConn) Close() error {
	c.finish(errConnectionClosed)
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	c.nc.Close()
	return nil
}

// finish records why the connection ended. Only the first reason counts.
func (c *natsConn) finish(err error) {
	c.once.Do(func() {
		c.err = classify(err)
		close(c.done)
	})
}

// classify maps revoked or expired authorization to ErrServerClosed.
// Anything else is a network failure and is retried.
func classify(err error) error {
	switch {
	case err == nil:
		return errConnectionClosed
	case isAuthError(err):
		return fmt.Errorf("%w: %v", transport.ErrServerClosed, err)
	}
	return err
}

// permissionsViolation is the server's -ERR text for a subject the user may
// not publish or subscribe to. The client reports it as a plain error.
const permissionsViolation = "permissions violation"

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, nats.ErrAuthorization) ||
		errors.Is(err, nats.ErrAuthExpired) ||
		errors.Is(err, nats.ErrAuthRevoked) ||
		strings.Contains(strings.ToLower(err.Error()), permissionsViolation)
}

func flush(ctx context.Context, nc *nats.Conn) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	return nc.FlushWithContext(ctx)
}

// validToken reports whether s can stand as a single subject or key
// token.
func validToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".*> \t\r\n")
}

var _ transport.Dialer = (*Dialer)(nil)
