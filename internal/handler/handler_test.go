package handler

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/realtime-chat/internal/chat"
	"github.com/capitalize-ai/realtime-chat/internal/clock"
	"github.com/capitalize-ai/realtime-chat/internal/middleware"
	"github.com/capitalize-ai/realtime-chat/internal/model"
	"github.com/capitalize-ai/realtime-chat/internal/transport"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type bridge struct {
	router http.Handler
	client *chat.Client
	clock  *clock.FakeClock
	dialer *transport.PipeDialer
}

func newBridge(t *testing.T, secret string) *bridge {
	t.Helper()
	fc := clock.Fake(epoch)
	dialer := transport.NewPipeDialer()
	session := transport.NewSession(dialer, transport.Options{Clock: fc})
	client := chat.New(session, nil, chat.Options{Clock: fc})
	t.Cleanup(client.Disconnect)

	router := NewRouter(RouterConfig{
		Client:      client,
		Credentials: transport.Credentials{UserID: "a", Token: "token"},
		Clock:       fc,
		JWTSecret:   secret,
	})
	return &bridge{router: router, client: client, clock: fc, dialer: dialer}
}

func (b *bridge) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	b.router.ServeHTTP(rec, req)
	return rec
}

func (b *bridge) connect(t *testing.T) {
	t.Helper()
	rec := b.do(http.MethodPost, "/api/v1/connect", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Equal(t, model.StateConnected, b.client.State())
}

func TestHealthAndReadiness(t *testing.T) {
	b := newBridge(t, "")

	assert.Equal(t, http.StatusOK, b.do(http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, b.do(http.MethodGet, "/ready", "").Code)

	b.connect(t)
	assert.Equal(t, http.StatusOK, b.do(http.MethodGet, "/ready", "").Code)
}

func TestConnectWithExplicitCredentials(t *testing.T) {
	b := newBridge(t, "")

	rec := b.do(http.MethodPost, "/api/v1/connect", `{"user_id":"zed","token":"other"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "zed", b.client.Snapshot().UserID)

	rec = b.do(http.MethodPost, "/api/v1/disconnect", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.StateDisconnected, b.client.State())
}

func TestSendMessage(t *testing.T) {
	b := newBridge(t, "")
	b.connect(t)

	rec := b.do(http.MethodPost, "/api/v1/messages", `{"content":"hi","target_user_id":"b"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var msg model.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, model.StatusSent, msg.Status)
	assert.True(t, msg.Pending)

	b.dialer.Last().FailSends(errors.New("broken pipe"))
	rec = b.do(http.MethodPost, "/api/v1/messages", `{"content":"again","target_user_id":"b"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, model.StatusError, msg.Status)

	rec = b.do(http.MethodGet, "/api/v1/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap chat.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Messages["direct_b"], 2)
	require.Len(t, snap.Conversations, 1)
}

func TestSendMessageRejections(t *testing.T) {
	b := newBridge(t, "")

	rec := b.do(http.MethodPost, "/api/v1/messages", `{"content":"hi","target_user_id":"b"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	b.connect(t)
	assert.Equal(t, http.StatusBadRequest, b.do(http.MethodPost, "/api/v1/messages", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, b.do(http.MethodPost, "/api/v1/messages", `{"content":" ","target_user_id":"b"}`).Code)
	assert.Equal(t, http.StatusBadRequest, b.do(http.MethodPost, "/api/v1/messages", `{"content":"hi"}`).Code)
}

func TestConversationRoutes(t *testing.T) {
	b := newBridge(t, "")
	b.connect(t)

	rec := b.do(http.MethodPost, "/api/v1/conversations/direct", `{"user_id":"b"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNoContent, b.do(http.MethodPut, "/api/v1/conversations/direct_b/active", "").Code)
	assert.Equal(t, "direct_b", b.client.Snapshot().ActiveConversation)
	assert.Equal(t, http.StatusNoContent, b.do(http.MethodDelete, "/api/v1/conversations/active", "").Code)
	assert.Empty(t, b.client.Snapshot().ActiveConversation)

	assert.Equal(t, http.StatusBadRequest, b.do(http.MethodPut, "/api/v1/conversations/bogus/active", "").Code)
	assert.Equal(t, http.StatusBadRequest, b.do(http.MethodGet, "/api/v1/conversations/bogus/messages", "").Code)

	rec = b.do(http.MethodGet, "/api/v1/conversations/direct_b/messages?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"messages":[]}`, rec.Body.String())

	rec = b.do(http.MethodGet, "/api/v1/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"direct_b"`)
}

func TestTypingAndReadRoutes(t *testing.T) {
	b := newBridge(t, "")
	b.connect(t)

	assert.Equal(t, http.StatusNoContent, b.do(http.MethodPost, "/api/v1/typing", `{"target_user_id":"b","is_typing":true}`).Code)
	assert.Equal(t, http.StatusNoContent, b.do(http.MethodPost, "/api/v1/typing", `{"target_user_id":"b","is_typing":false}`).Code)
	assert.Equal(t, http.StatusBadRequest, b.do(http.MethodPost, "/api/v1/typing", `{"is_typing":true}`).Code)

	assert.Equal(t, http.StatusNoContent, b.do(http.MethodPost, "/api/v1/messages/read", `{"message_ids":["m1"]}`).Code)
	assert.Equal(t, http.StatusBadRequest, b.do(http.MethodPost, "/api/v1/messages/read", `{"message_ids":[]}`).Code)

	sent := b.dialer.Last().Sent()
	names := make([]string, 0, len(sent))
	for _, e := range sent {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"getUsersOnline", "typing", "typing", "markAsRead"}, names)
}

func TestGroupRoutes(t *testing.T) {
	b := newBridge(t, "")

	assert.Equal(t, http.StatusConflict, b.do(http.MethodPost, "/api/v1/groups/team/join", "").Code)

	b.connect(t)
	assert.Equal(t, http.StatusAccepted, b.do(http.MethodPost, "/api/v1/groups", `{"name":"Team","member_ids":["b"]}`).Code)
	assert.Equal(t, http.StatusBadRequest, b.do(http.MethodPost, "/api/v1/groups", `{"name":""}`).Code)
	assert.Equal(t, http.StatusAccepted, b.do(http.MethodPost, "/api/v1/groups/team/join", "").Code)
	assert.Equal(t, http.StatusAccepted, b.do(http.MethodPost, "/api/v1/groups/team/leave", "").Code)
}

func TestAuthenticatedBridge(t *testing.T) {
	const secret = "s3cret"
	b := newBridge(t, secret)

	sign := func(scopes ...string) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "ui"},
			Scopes:           scopes,
		}).SignedString([]byte(secret))
		require.NoError(t, err)
		return "Bearer " + token
	}

	assert.Equal(t, http.StatusUnauthorized, b.do(http.MethodGet, "/api/v1/snapshot", "").Code)
	assert.Equal(t, http.StatusOK, b.do(http.MethodGet, "/api/v1/snapshot", "", "Authorization", sign(middleware.ScopeRead)).Code)
	assert.Equal(t, http.StatusForbidden, b.do(http.MethodPost, "/api/v1/connect", "", "Authorization", sign(middleware.ScopeRead)).Code)
	assert.Equal(t, http.StatusAccepted, b.do(http.MethodPost, "/api/v1/connect", "", "Authorization", sign(middleware.ScopeConnect)).Code)

	assert.Equal(t, http.StatusOK, b.do(http.MethodGet, "/health", "").Code)
}

func TestEventStream(t *testing.T) {
	b := newBridge(t, "")
	server := httptest.NewServer(b.router)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
				events <- name
			}
		}
		close(events)
	}()

	require.Equal(t, "connected", <-events)

	_, err = b.client.OpenDirect("b")
	require.NoError(t, err)
	require.Equal(t, "conversation", <-events)

	b.clock.WaitForTimers(1)
	b.clock.Advance(DefaultHeartbeat)
	require.Equal(t, "heartbeat", <-events)
}
