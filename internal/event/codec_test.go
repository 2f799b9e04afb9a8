package event

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/realtime-chat/internal/model"
)

func TestDecodeInboundMessageSent(t *testing.T) {
	frame := []byte(`{"event":"messageSent","data":{"messageId":"m1","targetUserId":"b","status":"delivered"}}`)

	e, err := DecodeInbound(frame)
	require.NoError(t, err)

	sent, ok := e.(MessageSent)
	require.True(t, ok, "got %T", e)
	assert.Equal(t, "m1", sent.MessageID)
	assert.Equal(t, "b", sent.TargetUserID)
	assert.Equal(t, model.StatusDelivered, sent.Status)
}

func TestDecodeInboundFlattensMessagePayload(t *testing.T) {
	frame := []byte(`{"event":"receiveGroupMessage","data":{"messageId":"m2","content":"hi","senderId":"b","groupId":"g1","timestamp":"2026-01-01T00:00:00Z","sender":{"id":"b","username":"bob"}}}`)

	e, err := DecodeInbound(frame)
	require.NoError(t, err)

	msg, ok := e.(ReceiveGroupMessage)
	require.True(t, ok, "got %T", e)
	assert.Equal(t, "g1", msg.GroupID)
	assert.Equal(t, "bob", msg.Sender.Username)

	converted := msg.ToMessage("a", model.StatusDelivered)
	assert.Equal(t, model.StatusDelivered, converted.Status)
	assert.False(t, converted.IsOwn)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), converted.Timestamp)
}

func TestDecodeInboundUnknownEvent(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"event":"sendMesage","data":{}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownEvent))
}

func TestDecodeInboundMalformed(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"event":"userTyping","data":{"isTyping":"yes"}}`))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnknownEvent))
}

func TestEncodeOutboundRoundTrip(t *testing.T) {
	frame, err := Encode(SendMessage{ClientID: "pending_1", Content: "hello", TargetUserID: "b"})
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"event":"sendMessage"`)

	e, err := DecodeOutbound(frame)
	require.NoError(t, err)
	send, ok := e.(SendMessage)
	require.True(t, ok, "got %T", e)
	assert.Equal(t, "pending_1", send.ClientID)
	assert.Equal(t, "hello", send.Content)
}

func TestUserTypingTypist(t *testing.T) {
	assert.Equal(t, "a", UserTyping{UserID: "a", FromUserID: "b"}.Typist())
	assert.Equal(t, "b", UserTyping{FromUserID: "b"}.Typist())
}

func TestGroupEventsCarryName(t *testing.T) {
	frame, err := Encode(CreateGroup{GroupName: "Team", MemberIDs: []string{"b"}})
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"event":"createGroup"`)
	assert.Contains(t, string(frame), `"name":"Team"`)

	e, err := DecodeInbound([]byte(`{"event":"groupCreated","data":{"groupId":"team","name":"Team","memberIds":["a","b"]}}`))
	require.NoError(t, err)
	created, ok := e.(GroupCreated)
	require.True(t, ok, "got %T", e)
	assert.Equal(t, "Team", created.GroupName)
	assert.Equal(t, NameGroupCreated, created.Name())
}
