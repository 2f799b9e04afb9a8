package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-chat/internal/event"
	"github.com/capitalize-ai/realtime-chat/pkg/logger"
)

const (
	wsReadLimit    = 64 * 1024
	wsWriteTimeout = 10 * time.Second
)

// WebSocketDialer connects to a chat endpoint speaking JSON envelopes
// over a WebSocket.
type WebSocketDialer struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	Logger           *logger.Logger
}

// Dial implements Dialer. The token travels as a bearer Authorization
// header; a 401 or 403 handshake response maps to ErrUnauthorized.
func (d *WebSocketDialer) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	header := http.Header{}
	for k, v := range d.Header {
		header[k] = append([]string(nil), v...)
	}
	header.Set("Authorization", "Bearer "+creds.Token)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", d.URL, err)
	}
	conn.SetReadLimit(wsReadLimit)
	return &wsConn{conn: conn, logger: logger.OrNop(d.Logger).Named("websocket")}, nil
}

type wsConn struct {
	conn   *websocket.Conn
	logger *logger.Logger

	writeMu sync.Mutex
	once    sync.Once
}

func (c *wsConn) Send(ctx context.Context, e event.Outbound) error {
	frame, err := event.Encode(e)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Receive() (event.Inbound, error) {
	for {
		kind, frame, err := c.conn.ReadMessage()
		if err != nil {
			return nil, classifyClose(err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		e, err := event.DecodeInbound(frame)
		if err != nil {
			c.logger.Debug("skipping undecodable event", zap.Error(err), zap.Int("bytes", len(frame)))
			continue
		}
		return e, nil
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// classifyClose maps policy closes and application close codes to
// ErrServerClosed. Everything else is a network failure and is retried.
func classifyClose(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.ClosePolicyViolation || (ce.Code >= 4000 && ce.Code <= 4999) {
			return fmt.Errorf("%w: %s", ErrServerClosed, ce.Text)
		}
	}
	return err
}

var _ Dialer = (*WebSocketDialer)(nil)
