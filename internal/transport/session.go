package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-chat/internal/clock"
	"github.com/capitalize-ai/realtime-chat/internal/event"
	"github.com/capitalize-ai/realtime-chat/internal/model"
	"github.com/capitalize-ai/realtime-chat/pkg/logger"
	"github.com/capitalize-ai/realtime-chat/pkg/metrics"
)

const (
	DefaultBaseDelay      = time.Second
	DefaultMaxAttempts    = 5
	DefaultConnectTimeout = 10 * time.Second
)

// StateFunc observes state transitions. err carries the human-readable
// cause when state is error.
type StateFunc func(state model.ConnectionState, err error)

// EventFunc receives every inbound event, in arrival order.
type EventFunc func(e event.Inbound)

// Options configures a Session. Zero values take the defaults.
type Options struct {
	Clock          clock.Clock
	Logger         *logger.Logger
	Registry       *Registry
	BaseDelay      time.Duration
	MaxAttempts    int
	ConnectTimeout time.Duration
	OnState        StateFunc
	OnEvent        EventFunc
}

// Session owns exactly one logical connection at a time.
type Session struct {
	dialer         Dialer
	clock          clock.Clock
	baseLogger     *logger.Logger
	logger         atomic.Pointer[logger.Logger]
	registry       *Registry
	backoff        Backoff
	connectTimeout time.Duration
	onState        StateFunc
	onEvent        EventFunc

	mu         sync.Mutex
	machine    Machine
	creds      Credentials
	conn       Conn
	generation uint64
	retryTimer *clock.Timer
	lastErr    error
}

// NewSession creates a disconnected session.
func NewSession(dialer Dialer, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}

	s := &Session{
		dialer:         dialer,
		clock:          opts.Clock,
		baseLogger:     logger.OrNop(opts.Logger).Named("transport"),
		registry:       opts.Registry,
		backoff:        Backoff{Base: opts.BaseDelay, MaxAttempts: opts.MaxAttempts},
		connectTimeout: opts.ConnectTimeout,
		onState:        opts.OnState,
		onEvent:        opts.OnEvent,
		machine:        NewMachine(opts.MaxAttempts),
	}
	s.logger.Store(s.baseLogger)
	return s
}

// log returns the logger scoped to the current user and session.
func (s *Session) log() *logger.Logger {
	return s.logger.Load()
}

// SetHandlers replaces the callbacks. Call before Connect.
func (s *Session) SetHandlers(onState StateFunc, onEvent EventFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = onState
	s.onEvent = onEvent
}

// State returns the current connection state.
func (s *Session) State() model.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.State
}

// Err returns the cause of the last error state, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// UserID returns the user the session was opened for.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.UserID
}

// Connect opens the connection. It is a no-op while connecting or
// connected. Dial failures are reported through the state, not the
// return value; Connect only returns ErrNoCredentials and
// ErrSessionActive.
func (s *Session) Connect(ctx context.Context, creds Credentials) error {
	if creds.Empty() {
		s.step(Input{Kind: InputNoCredentials, Reason: ErrNoCredentials.Error()})
		return ErrNoCredentials
	}

	creds, inspectErr := creds.inspect(s.clock.Now())
	if inspectErr != nil {
		s.step(Input{Kind: InputNoCredentials, Reason: inspectErr.Error()})
		return fmt.Errorf("%w: %v", ErrNoCredentials, inspectErr)
	}

	s.mu.Lock()
	state := s.machine.State
	if state == model.StateConnecting || state == model.StateConnected {
		s.mu.Unlock()
		return nil
	}
	if s.registry != nil && !s.registry.claim(creds.UserID, s) {
		s.mu.Unlock()
		return ErrSessionActive
	}
	if s.creds.UserID != creds.UserID {
		s.registry.release(s.creds.UserID, s)
	}
	s.creds = creds
	s.logger.Store(s.baseLogger.WithSession(creds.UserID, uuid.NewString()))
	s.mu.Unlock()

	s.log().Info("connecting")
	s.step(Input{Kind: InputConnect})
	return nil
}

// Disconnect tears the connection down and suppresses reconnects.
func (s *Session) Disconnect() {
	s.step(Input{Kind: InputDisconnect})
	s.log().Info("disconnected by caller")
}

// Send writes one outbound event on the live connection.
func (s *Session) Send(ctx context.Context, e event.Outbound) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.machine.State == model.StateConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	if err := conn.Send(ctx, e); err != nil {
		return fmt.Errorf("failed to send %s: %w", e.Name(), err)
	}
	return nil
}

// step applies one input and performs the resulting effect.
func (s *Session) step(in Input) {
	s.mu.Lock()
	before := s.machine.State
	next, eff := s.machine.Step(in)
	s.machine = next
	after := next.State

	var conn Conn
	if eff.CloseConn {
		conn = s.conn
		s.conn = nil
		s.generation++
	}
	if eff.CancelRetry && s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if eff.Error != "" {
		s.lastErr = errors.New(eff.Error)
	} else if after != model.StateError && after != before {
		s.lastErr = nil
	}
	if eff.ScheduleRetry {
		s.scheduleRetryLocked(eff.RetryAttempt)
	}
	if after == model.StateError || (in.Kind == InputDisconnect && !next.RetryPending()) {
		s.registry.release(s.creds.UserID, s)
	}
	lastErr := s.lastErr
	onState := s.onState
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if after != before {
		s.notifyState(onState, after, lastErr)
	}
	if eff.Dial {
		s.dial()
	}
}

func (s *Session) scheduleRetryLocked(attempt int) {
	delay := s.backoff.Delay(attempt)
	metrics.RecordReconnect(delay.Seconds())
	s.log().Info("scheduling reconnect",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
	)
	s.retryTimer = s.clock.AfterFunc(delay, func() {
		s.step(Input{Kind: InputRetryDue})
	})
}

func (s *Session) dial() {
	s.mu.Lock()
	creds := s.creds
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.connectTimeout)
	conn, err := s.dialer.Dial(ctx, creds)
	cancel()

	if err != nil {
		fatal := errors.Is(err, ErrUnauthorized)
		s.log().Warn("dial failed", zap.Error(err), zap.Bool("fatal", fatal))
		s.step(Input{Kind: InputDialFailed, Fatal: fatal, Reason: err.Error()})
		return
	}

	s.mu.Lock()
	before := s.machine.State
	next, eff := s.machine.Step(Input{Kind: InputDialed})
	s.machine = next
	if eff.CloseConn {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.generation++
	generation := s.generation
	s.lastErr = nil
	onState := s.onState
	onEvent := s.onEvent
	s.mu.Unlock()

	s.log().Info("connected", zap.Uint64("generation", generation))
	if next.State != before {
		s.notifyState(onState, next.State, nil)
	}

	go s.readLoop(conn, generation, onEvent)

	if eff.RequestPresence {
		if err := conn.Send(context.Background(), event.GetUsersOnline{}); err != nil {
			s.log().Warn("failed to request presence snapshot", zap.Error(err))
		}
	}
}

func (s *Session) readLoop(conn Conn, generation uint64, onEvent EventFunc) {
	for {
		e, err := conn.Receive()
		if err != nil {
			s.connectionLost(conn, generation, err)
			return
		}
		if onEvent != nil {
			onEvent(e)
		}
	}
}

func (s *Session) connectionLost(conn Conn, generation uint64, err error) {
	s.mu.Lock()
	current := generation == s.generation && s.conn != nil
	if current {
		s.conn = nil
	}
	s.mu.Unlock()
	if !current {
		return
	}
	_ = conn.Close()

	serverInitiated := errors.Is(err, ErrServerClosed)
	s.log().Warn("connection lost", zap.Error(err), zap.Bool("server_initiated", serverInitiated))
	s.step(Input{Kind: InputClosed, ServerInitiated: serverInitiated, Reason: err.Error()})
}

func (s *Session) notifyState(onState StateFunc, state model.ConnectionState, err error) {
	metrics.ConnectionTransitions.WithLabelValues(string(state)).Inc()
	if onState != nil {
		onState(state, err)
	}
}
