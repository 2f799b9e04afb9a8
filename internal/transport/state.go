package transport

import (
	"github.com/capitalize-ai/realtime-chat/internal/model"
)

// InputKind enumerates what can happen to a session.
type InputKind int

const (
	// InputConnect is a caller asking to connect.
	InputConnect InputKind = iota
	// InputNoCredentials is a connect request without credential material.
	InputNoCredentials
	// InputDialed is a successful dial.
	InputDialed
	// InputDialFailed is a failed dial. Fatal failures skip the backoff.
	InputDialFailed
	// InputClosed is an unexpected close of a live connection.
	InputClosed
	// InputRetryDue is the backoff timer firing.
	InputRetryDue
	// InputDisconnect is an explicit teardown.
	InputDisconnect
)

func (k InputKind) String() string {
	switch k {
	case InputConnect:
		return "connect"
	case InputNoCredentials:
		return "no_credentials"
	case InputDialed:
		return "dialed"
	case InputDialFailed:
		return "dial_failed"
	case InputClosed:
		return "closed"
	case InputRetryDue:
		return "retry_due"
	case InputDisconnect:
		return "disconnect"
	}
	return "unknown"
}

// Input is one event fed to the state machine.
type Input struct {
	Kind InputKind
	// Fatal marks a dial failure the server decided (auth rejected).
	Fatal bool
	// ServerInitiated marks a close the server forced.
	ServerInitiated bool
	// Reason is a human-readable cause, surfaced when the input leads to error.
	Reason string
}

// Effect is what the session must do after a transition.
type Effect struct {
	Dial            bool
	CloseConn       bool
	CancelRetry     bool
	RequestPresence bool
	// ScheduleRetry asks for a reconnect after the delay for RetryAttempt.
	ScheduleRetry bool
	RetryAttempt  int
	// Error is set when the transition entered the error state.
	Error string
}

// Machine is the pure connection lifecycle. It holds no timers or
// connections; Step returns the next machine and the effect to perform.
type Machine struct {
	State       model.ConnectionState
	Attempt     int
	MaxAttempts int

	retryPending bool
}

// NewMachine returns a machine in the initial disconnected state.
func NewMachine(maxAttempts int) Machine {
	return Machine{State: model.StateDisconnected, MaxAttempts: maxAttempts}
}

// RetryPending reports whether a reconnect is scheduled.
func (m Machine) RetryPending() bool { return m.retryPending }

// Step applies in and returns the resulting machine and effect.
func (m Machine) Step(in Input) (Machine, Effect) {
	var eff Effect

	switch in.Kind {
	case InputConnect:
		if m.State == model.StateConnecting || m.State == model.StateConnected {
			return m, eff
		}
		eff.CancelRetry = m.retryPending
		m.retryPending = false
		m.Attempt = 0
		m.State = model.StateConnecting
		eff.Dial = true

	case InputNoCredentials:
		if m.State == model.StateConnecting || m.State == model.StateConnected {
			return m, eff
		}
		eff.CancelRetry = m.retryPending
		m.retryPending = false
		m.State = model.StateError
		eff.Error = reasonOr(in.Reason, "no credentials supplied")

	case InputDialed:
		if m.State != model.StateConnecting {
			// Torn down while dialing: the new connection is unwanted.
			eff.CloseConn = true
			return m, eff
		}
		m.State = model.StateConnected
		m.Attempt = 0
		eff.RequestPresence = true

	case InputDialFailed:
		if m.State != model.StateConnecting {
			return m, eff
		}
		if in.Fatal {
			m.State = model.StateError
			eff.Error = reasonOr(in.Reason, "connection rejected")
			return m, eff
		}
		return m.retry(in.Reason)

	case InputClosed:
		if m.State != model.StateConnected {
			return m, eff
		}
		if in.ServerInitiated {
			m.State = model.StateError
			eff.Error = reasonOr(in.Reason, "server closed the session")
			return m, eff
		}
		return m.retry(in.Reason)

	case InputRetryDue:
		if m.State != model.StateDisconnected || !m.retryPending {
			return m, eff
		}
		m.retryPending = false
		m.State = model.StateConnecting
		eff.Dial = true

	case InputDisconnect:
		eff.CancelRetry = m.retryPending
		eff.CloseConn = m.State == model.StateConnected || m.State == model.StateConnecting
		m.retryPending = false
		m.Attempt = 0
		m.State = model.StateDisconnected
	}

	return m, eff
}

func (m Machine) retry(reason string) (Machine, Effect) {
	var eff Effect
	if m.Attempt >= m.MaxAttempts {
		m.State = model.StateError
		m.retryPending = false
		eff.Error = "reconnect attempts exhausted"
		if reason != "" {
			eff.Error += ": " + reason
		}
		return m, eff
	}
	m.State = model.StateDisconnected
	m.retryPending = true
	eff.ScheduleRetry = true
	eff.RetryAttempt = m.Attempt
	m.Attempt++
	return m, eff
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}
