package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"parley/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testFrame struct {
	Type    string          `json:"type"`
	ChatID  string          `json:"chatId"`
	UserID  string          `json:"userId"`
	Payload json.RawMessage `json:"payload"`
}

func parseFrame(t *testing.T, raw []byte) testFrame {
	t.Helper()
	require.NotNil(t, raw)
	var f testFrame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func TestHandleInbound(t *testing.T) {
	ts := newTestServer(t, false)
	ctx := context.Background()

	sessionID, err := ts.srv.realtime.Connect("alice", &fakeConn{})
	require.NoError(t, err)
	chat := createChat(t, ts, "alice", createChatRequest{Type: models.ChatTypeDirect, Participants: []string{"bob"}})

	send := func(frame interface{}) []byte {
		raw, err := json.Marshal(frame)
		require.NoError(t, err)
		return ts.srv.handleInbound(ctx, "alice", sessionID, raw)
	}

	t.Run("invalid json", func(t *testing.T) {
		f := parseFrame(t, ts.srv.handleInbound(ctx, "alice", sessionID, []byte("{")))
		assert.Equal(t, "error", f.Type)
		var p errorPayload
		require.NoError(t, json.Unmarshal(f.Payload, &p))
		assert.Equal(t, models.CodeValidation, p.Code)
	})

	t.Run("unknown type", func(t *testing.T) {
		f := parseFrame(t, send(fiberMap{"type": "dance", "ref": "r0"}))
		assert.Equal(t, "error", f.Type)
		var p errorPayload
		require.NoError(t, json.Unmarshal(f.Payload, &p))
		assert.Equal(t, "r0", p.Ref)
	})

	t.Run("view acks", func(t *testing.T) {
		f := parseFrame(t, send(fiberMap{"type": "view", "ref": "r1", "chatId": chat.ID}))
		assert.Equal(t, "ack", f.Type)
		assert.True(t, ts.srv.registry.IsViewing("alice", chat.ID))

		assert.Nil(t, send(fiberMap{"type": "unview", "chatId": chat.ID}))
		assert.False(t, ts.srv.registry.IsViewing("alice", chat.ID))
	})

	t.Run("view of a foreign chat fails", func(t *testing.T) {
		other := createChat(t, ts, "bob", createChatRequest{Type: models.ChatTypeDirect, Participants: []string{"carol"}})
		f := parseFrame(t, send(fiberMap{"type": "view", "ref": "r2", "chatId": other.ID}))
		assert.Equal(t, "error", f.Type)
		var p errorPayload
		require.NoError(t, json.Unmarshal(f.Payload, &p))
		assert.Equal(t, models.CodeForbidden, p.Code)
		assert.False(t, p.Retryable)
	})

	t.Run("message acks with seq", func(t *testing.T) {
		f := parseFrame(t, send(fiberMap{"type": "message", "ref": "r3", "id": "ws-1", "chatId": chat.ID, "content": "hi"}))
		assert.Equal(t, "ack", f.Type)
		var p struct {
			Ref    string `json:"ref"`
			Result struct {
				ID  string `json:"id"`
				Seq int64  `json:"seq"`
			} `json:"result"`
		}
		require.NoError(t, json.Unmarshal(f.Payload, &p))
		assert.Equal(t, "r3", p.Ref)
		assert.Equal(t, "ws-1", p.Result.ID)
		assert.Equal(t, int64(1), p.Result.Seq)
	})

	t.Run("failed message is reported", func(t *testing.T) {
		f := parseFrame(t, send(fiberMap{"type": "message", "id": "ws-2", "chatId": chat.ID, "content": "   "}))
		assert.Equal(t, "message_failed", f.Type)
		var p failedMessagePayload
		require.NoError(t, json.Unmarshal(f.Payload, &p))
		assert.Equal(t, "ws-2", p.ID)
		assert.Equal(t, models.MessageStatusFailed, p.Status)
		assert.Equal(t, models.CodeValidation, p.Code)
		assert.False(t, p.Retryable)
	})

	t.Run("typing is silent", func(t *testing.T) {
		assert.Nil(t, send(fiberMap{"type": "typing", "chatId": chat.ID, "isTyping": true}))
		assert.Equal(t, []string{"alice"}, ts.srv.realtime.Typing().TypingUsersFor(chat.ID, "bob"))
	})

	t.Run("receipts are silent on success", func(t *testing.T) {
		assert.Nil(t, send(fiberMap{"type": "read", "chatId": chat.ID}))
		f := parseFrame(t, send(fiberMap{"type": "delivered", "ref": "r4", "chatId": "missing"}))
		assert.Equal(t, "error", f.Type)
	})

	t.Run("presence acks with record", func(t *testing.T) {
		f := parseFrame(t, send(fiberMap{"type": "presence", "ref": "r5", "status": "away"}))
		assert.Equal(t, "ack", f.Type)
		var p struct {
			Result models.PresenceRecord `json:"result"`
		}
		require.NoError(t, json.Unmarshal(f.Payload, &p))
		assert.Equal(t, models.PresenceAway, p.Result.Status)

		// Activity brings an away user back.
		assert.Nil(t, send(fiberMap{"type": "activity"}))
		rec, err := ts.srv.realtime.GetPresence(ctx, "bob", "alice")
		require.NoError(t, err)
		assert.Equal(t, models.PresenceOnline, rec.Status)
	})
}

func TestHandleInbound_StorageFailureHidesCause(t *testing.T) {
	ts := newTestServer(t, false)
	ctx := context.Background()

	sessionID, err := ts.srv.realtime.Connect("alice", &fakeConn{})
	require.NoError(t, err)
	chat := createChat(t, ts, "alice", createChatRequest{Type: models.ChatTypeDirect, Participants: []string{"bob"}})
	require.NoError(t, ts.srv.db.Migrator().DropTable(&models.Message{}))

	raw, err := json.Marshal(fiberMap{"type": "message", "id": "ws-9", "chatId": chat.ID, "content": "hi"})
	require.NoError(t, err)
	f := parseFrame(t, ts.srv.handleInbound(ctx, "alice", sessionID, raw))
	assert.Equal(t, "message_failed", f.Type)
	var p failedMessagePayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, models.CodeUnavailable, p.Code)
	assert.True(t, p.Retryable)
	assert.NotContains(t, p.Error, "no such table")
	assert.NotContains(t, p.Error, "messages")
}

func TestClientMessage(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.5:5432: connection refused")
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"unavailable keeps only the summary", models.NewUnavailableError("append message", cause), "append message temporarily unavailable"},
		{"wrapped app error", fmt.Errorf("send: %w", models.NewForbiddenError("Not a participant")), "Not a participant"},
		{"internal", models.NewInternalError(cause), "Internal server error"},
		{"plain error", cause, "Internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clientMessage(tt.err)
			assert.Equal(t, tt.want, got)
			assert.NotContains(t, got, "10.0.0.5")
		})
	}
}

// wsClient is a real WebSocket client against a listening test server.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialWS(t *testing.T, addr, token string) *wsClient {
	t.Helper()
	u := url.URL{Scheme: "ws", Host: addr, Path: "/api/ws", RawQuery: url.Values{"token": {token}}.Encode()}
	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(frame interface{}) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(frame))
}

// await reads frames until one of type typ arrives that satisfies every match.
func (c *wsClient) await(typ string, match ...func(testFrame) bool) testFrame {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		_, raw, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %q", typ)
		f := parseFrame(c.t, raw)
		if f.Type != typ {
			continue
		}
		ok := true
		for _, m := range match {
			ok = ok && m(f)
		}
		if ok {
			return f
		}
	}
}

func TestWebSocketEndToEnd(t *testing.T) {
	ts := newTestServer(t, false)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = ts.app.Listener(ln) }()
	t.Cleanup(func() { _ = ts.app.Shutdown() })
	addr := ln.Addr().String()

	chat := createChat(t, ts, "alice", createChatRequest{Type: models.ChatTypeDirect, Participants: []string{"bob"}})

	alice := dialWS(t, addr, ts.token(t, "alice"))
	connected := alice.await("connected")
	var hello struct {
		UserID    string `json:"userId"`
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(connected.Payload, &hello))
	assert.Equal(t, "alice", hello.UserID)
	assert.NotEmpty(t, hello.SessionID)

	bob := dialWS(t, addr, ts.token(t, "bob"))
	bob.await("connected")

	// Alice sees bob come online.
	presence := alice.await("presence", func(f testFrame) bool { return f.UserID == "bob" })
	var rec models.PresenceRecord
	require.NoError(t, json.Unmarshal(presence.Payload, &rec))
	assert.Equal(t, models.PresenceOnline, rec.Status)

	bob.send(fiberMap{"type": "view", "ref": "v1", "chatId": chat.ID})
	bob.await("ack")

	alice.send(fiberMap{"type": "typing", "chatId": chat.ID, "isTyping": true})
	typing := bob.await("typing", func(f testFrame) bool { return f.UserID == "alice" })
	assert.Equal(t, chat.ID, typing.ChatID)
	assert.Equal(t, "alice", typing.UserID)

	alice.send(fiberMap{"type": "message", "ref": "m1", "id": "e2e-1", "chatId": chat.ID, "content": "hello over the wire"})
	alice.await("ack")

	got := bob.await("message")
	assert.Equal(t, chat.ID, got.ChatID)
	var msg models.Message
	require.NoError(t, json.Unmarshal(got.Payload, &msg))
	assert.Equal(t, "e2e-1", msg.ID)
	assert.Equal(t, "hello over the wire", msg.Content)

	// Bob is viewing the chat, so nothing is unread.
	resp := ts.do(t, http.MethodGet, "/api/chats/"+chat.ID, "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view models.Chat
	decodeJSON(t, resp, &view)
	assert.Zero(t, view.UnreadCount)

	bob.send(fiberMap{"type": "read", "chatId": chat.ID, "messageIds": []string{"e2e-1"}})
	receipt := alice.await("read_receipt")
	assert.Equal(t, chat.ID, receipt.ChatID)
	assert.Equal(t, "bob", receipt.UserID)
}
