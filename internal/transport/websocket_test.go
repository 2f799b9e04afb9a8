package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/realtime-chat/internal/event"
)

func wsServer(t *testing.T, serve func(conn *websocket.Conn)) *WebSocketDialer {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer opaque-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(server.Close)
	return &WebSocketDialer{
		URL:              "ws" + strings.TrimPrefix(server.URL, "http"),
		HandshakeTimeout: time.Second,
	}
}

func TestWebSocketSkipsUndecodableFrames(t *testing.T) {
	dialer := wsServer(t, func(conn *websocket.Conn) {
		frames := []string{
			`{"event":"receiveMessage","data":{"messageId":"m1","content":"hi","senderId":"b","recipientId":"a","timestamp":"not-a-time"}}`,
			`{"event":"sendMesage","data":{}}`,
			`{"event":"error","data":{"message":"slow down"}}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4001, "session replaced"),
			time.Now().Add(time.Second))
	})

	conn, err := dialer.Dial(context.Background(), alice)
	require.NoError(t, err)
	defer conn.Close()

	e, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, event.Error{Message: "slow down"}, e)

	_, err = conn.Receive()
	assert.ErrorIs(t, err, ErrServerClosed)
}

func TestWebSocketRejectedHandshake(t *testing.T) {
	dialer := wsServer(t, func(conn *websocket.Conn) {})

	_, err := dialer.Dial(context.Background(), Credentials{UserID: "alice", Token: "wrong"})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestWebSocketSendEncodesEnvelope(t *testing.T) {
	received := make(chan string, 1)
	dialer := wsServer(t, func(conn *websocket.Conn) {
		_, frame, err := conn.ReadMessage()
		if err == nil {
			received <- string(frame)
		}
	})

	conn, err := dialer.Dial(context.Background(), alice)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(context.Background(), event.GetUsersOnline{}))
	select {
	case frame := <-received:
		assert.Contains(t, frame, `"event":"getUsersOnline"`)
	case <-time.After(time.Second):
		t.Fatal("server did not receive the frame")
	}
}
