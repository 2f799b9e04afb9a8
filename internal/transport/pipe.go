package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/capitalize-ai/realtime-chat/internal/event"
)

// PipeDialer is an in-memory Dialer. Each Dial pops the next queued
// failure, if any, and otherwise returns a fresh PipeConn.
type PipeDialer struct {
	mu       sync.Mutex
	failures []error
	conns    []*PipeConn
	dials    int
}

// NewPipeDialer returns a dialer that succeeds until told otherwise.
func NewPipeDialer() *PipeDialer {
	return &PipeDialer{}
}

// FailNext queues errors returned by the next dials, in order.
func (d *PipeDialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, errs...)
}

// Dial implements Dialer.
func (d *PipeDialer) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return nil, err
	}
	conn := newPipeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

// Dials returns how many times Dial was called.
func (d *PipeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Last returns the most recent connection, or nil.
func (d *PipeDialer) Last() *PipeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// PipeConn is the client half of an in-memory connection. The test (or
// loopback server) plays the server through Deliver, Drop and Sent.
type PipeConn struct {
	inbound chan event.Inbound
	closed  chan struct{}

	mu       sync.Mutex
	sent     []event.Outbound
	closeErr error
	sendErr  error
	once     sync.Once
}

func newPipeConn() *PipeConn {
	return &PipeConn{
		inbound: make(chan event.Inbound, 64),
		closed:  make(chan struct{}),
	}
}

// Send implements Conn.
func (c *PipeConn) Send(ctx context.Context, e event.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return errors.New("pipe closed")
	default:
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, e)
	return nil
}

// Receive implements Conn.
func (c *PipeConn) Receive() (event.Inbound, error) {
	select {
	case e := <-c.inbound:
		return e, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closeErr != nil {
			return nil, c.closeErr
		}
		return nil, errors.New("pipe closed")
	}
}

// Close implements Conn.
func (c *PipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Deliver queues an inbound event as if the server sent it.
func (c *PipeConn) Deliver(e event.Inbound) {
	c.inbound <- e
}

// Drop ends the connection from the far side with err, which Receive
// returns. Wrap ErrServerClosed to simulate a server-initiated close.
func (c *PipeConn) Drop(err error) {
	c.mu.Lock()
	c.closeErr = err
	c.mu.Unlock()
	c.Close()
}

// FailSends makes every later Send return err.
func (c *PipeConn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Sent returns a copy of the events written so far.
func (c *PipeConn) Sent() []event.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Outbound(nil), c.sent...)
}

// IsClosed reports whether either side closed the connection.
func (c *PipeConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

var _ Dialer = (*PipeDialer)(nil)
var _ Conn = (*PipeConn)(nil)
