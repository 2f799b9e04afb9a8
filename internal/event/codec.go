package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEvent is returned when an envelope names an event this
// package does not define.
var ErrUnknownEvent = errors.New("unknown event")

// Envelope is the wire frame: the event name plus its JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode wraps e in an envelope.
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", e.Name(), err)
	}
	frame, err := json.Marshal(Envelope{Event: e.Name(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return frame, nil
}

// DecodeInbound parses a server frame.
func DecodeInbound(frame []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	var e Inbound
	switch env.Event {
	case NameConnected:
		e = &Connected{}
	case NameReceiveMessage:
		e = &ReceiveMessage{}
	case NameReceiveGroupMessage:
		e = &ReceiveGroupMessage{}
	case NameMessagesReceived:
		e = &MessagesReceived{}
	case NameMessageSent:
		e = &MessageSent{}
	case NameMessageStatus:
		e = &MessageStatus{}
	case NameOnlineUsersReceived:
		e = &OnlineUsersReceived{}
	case NameUserTyping:
		e = &UserTyping{}
	case NameMessagesMarkedAsRead:
		e = &MessagesMarkedAsRead{}
	case NameGroupCreated:
		e = &GroupCreated{}
	case NameUserLeftGroup:
		e = &UserLeftGroup{}
	case NameLeftGroup:
		e = &LeftGroup{}
	case NameError:
		e = &Error{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	if err := unmarshalData(env, e); err != nil {
		return nil, err
	}
	return deref(e), nil
}

// DecodeOutbound parses a client frame. Servers and test doubles use it.
func DecodeOutbound(frame []byte) (Outbound, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	switch env.Event {
	case NameSendMessage:
		return decodeAs[SendMessage](env)
	case NameTyping:
		return decodeAs[Typing](env)
	case NameMarkAsRead:
		return decodeAs[MarkAsRead](env)
	case NameGetUsersOnline:
		return decodeAs[GetUsersOnline](env)
	case NameCreateGroup:
		return decodeAs[CreateGroup](env)
	case NameJoinGroup:
		return decodeAs[JoinGroup](env)
	case NameLeaveGroup:
		return decodeAs[LeaveGroup](env)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}

func decodeAs[T Outbound](env Envelope) (Outbound, error) {
	var e T
	if err := unmarshalData(env, &e); err != nil {
		return nil, err
	}
	return e, nil
}

func unmarshalData(env Envelope, target any) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", env.Event, err)
	}
	return nil
}

// deref returns inbound events by value so consumers switch on value types.
func deref(e Inbound) Inbound {
	switch v := e.(type) {
	case *Connected:
		return *v
	case *ReceiveMessage:
		return *v
	case *ReceiveGroupMessage:
		return *v
	case *MessagesReceived:
		return *v
	case *MessageSent:
		return *v
	case *MessageStatus:
		return *v
	case *OnlineUsersReceived:
		return *v
	case *UserTyping:
		return *v
	case *MessagesMarkedAsRead:
		return *v
	case *GroupCreated:
		return *v
	case *UserLeftGroup:
		return *v
	case *LeftGroup:
		return *v
	case *Error:
		return *v
	}
	return e
}
