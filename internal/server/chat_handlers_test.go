package server

import (
	"net/http"
	"testing"

	"parley/internal/models"
	"parley/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createChat(t *testing.T, ts *testServer, creator string, req createChatRequest) models.Chat {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/api/chats", creator, req)
	require.Contains(t, []int{http.StatusCreated, http.StatusOK}, resp.StatusCode)
	var chat models.Chat
	decodeJSON(t, resp, &chat)
	return chat
}

func sendMessage(t *testing.T, ts *testServer, sender, chatID string, req sendMessageRequest) models.Message {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/api/chats/"+chatID+"/messages", sender, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var msg models.Message
	decodeJSON(t, resp, &msg)
	return msg
}

func TestCreateChat(t *testing.T) {
	ts := newTestServer(t, false)

	t.Run("direct chat is created once", func(t *testing.T) {
		req := createChatRequest{Type: models.ChatTypeDirect, Participants: []string{"bob"}}

		first := ts.do(t, http.MethodPost, "/api/chats", "alice", req)
		require.Equal(t, http.StatusCreated, first.StatusCode)
		var a models.Chat
		decodeJSON(t, first, &a)

		// Either side asking again gets the same chat back.
		again := ts.do(t, http.MethodPost, "/api/chats", "bob", createChatRequest{
			Type: models.ChatTypeDirect, Participants: []string{"alice"},
		})
		require.Equal(t, http.StatusOK, again.StatusCode)
		var b models.Chat
		decodeJSON(t, again, &b)

		assert.Equal(t, a.ID, b.ID)
		assert.ElementsMatch(t, []string{"alice", "bob"}, a.Participants)
	})

	t.Run("group requires a name", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/api/chats", "alice", createChatRequest{
			Type: models.ChatTypeGroup, Participants: []string{"bob", "carol"},
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var body models.ErrorResponse
		decodeJSON(t, resp, &body)
		assert.Equal(t, models.CodeValidation, body.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/api/chats", "alice", "not an object")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestMessagesFlow(t *testing.T) {
	ts := newTestServer(t, false)

	chat := createChat(t, ts, "alice", createChatRequest{Type: models.ChatTypeDirect, Participants: []string{"bob"}})

	first := sendMessage(t, ts, "alice", chat.ID, sendMessageRequest{ID: "m-1", Content: "hello bob"})
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, models.MessageStatusSent, first.Status)
	assert.Equal(t, models.MessageTypeText, first.Type)

	// Retrying with the same client id does not append twice.
	retry := sendMessage(t, ts, "alice", chat.ID, sendMessageRequest{ID: "m-1", Content: "hello bob"})
	assert.Equal(t, first.Seq, retry.Seq)

	second := sendMessage(t, ts, "alice", chat.ID, sendMessageRequest{Content: "are you there?"})
	assert.Equal(t, int64(2), second.Seq)

	t.Run("unread count for recipient", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet, "/api/chats", "bob", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var chats []models.Chat
		decodeJSON(t, resp, &chats)
		require.Len(t, chats, 1)
		assert.Equal(t, 2, chats[0].UnreadCount)
		require.NotNil(t, chats[0].LastMessage)
		assert.Equal(t, second.ID, chats[0].LastMessage.ID)
	})

	t.Run("outsiders cannot read history", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet, "/api/chats/"+chat.ID+"/messages", "mallory", nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("history paging", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet, "/api/chats/"+chat.ID+"/messages?limit=1", "bob", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var page []models.Message
		decodeJSON(t, resp, &page)
		require.Len(t, page, 1)
		assert.Equal(t, second.ID, page[0].ID)

		resp = ts.do(t, http.MethodGet, "/api/chats/"+chat.ID+"/messages?before="+second.ID, "bob", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		decodeJSON(t, resp, &page)
		require.Len(t, page, 1)
		assert.Equal(t, first.ID, page[0].ID)
	})

	t.Run("read receipts", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/read", "bob", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body struct {
			Updated []service.StatusChange `json:"updated"`
		}
		decodeJSON(t, resp, &body)
		require.Len(t, body.Updated, 2)
		for _, ch := range body.Updated {
			assert.Equal(t, models.MessageStatusRead, ch.Status)
			assert.Equal(t, "alice", ch.SenderID)
		}

		// Reading again changes nothing.
		resp = ts.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/read", "bob", receiptRequest{})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		decodeJSON(t, resp, &body)
		assert.Empty(t, body.Updated)

		resp = ts.do(t, http.MethodGet, "/api/chats/"+chat.ID, "bob", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var got models.Chat
		decodeJSON(t, resp, &got)
		assert.Zero(t, got.UnreadCount)
	})

	t.Run("edit and delete", func(t *testing.T) {
		resp := ts.do(t, http.MethodPatch, "/api/messages/"+second.ID, "bob", fiberMap{"content": "hijack"})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp = ts.do(t, http.MethodPatch, "/api/messages/"+second.ID, "alice", fiberMap{"content": "you there?"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var edited models.Message
		decodeJSON(t, resp, &edited)
		assert.Equal(t, "you there?", edited.Content)
		assert.True(t, edited.Edited)

		resp = ts.do(t, http.MethodDelete, "/api/messages/"+second.ID, "alice", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var deleted models.Message
		decodeJSON(t, resp, &deleted)
		assert.NotNil(t, deleted.DeletedAt)
		assert.Empty(t, deleted.Content)
	})

	t.Run("typing", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/typing", "alice", fiberMap{"isTyping": true})
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = ts.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/typing", "mallory", fiberMap{"isTyping": true})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestGroupManagement(t *testing.T) {
	ts := newTestServer(t, false)

	group := createChat(t, ts, "alice", createChatRequest{
		Type: models.ChatTypeGroup, Name: "Weekend", Participants: []string{"bob", "carol"},
	})
	assert.Equal(t, models.ChatStatusActive, group.Status)

	t.Run("rename", func(t *testing.T) {
		resp := ts.do(t, http.MethodPatch, "/api/chats/"+group.ID, "alice", fiberMap{"name": "Long weekend"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var chat models.Chat
		decodeJSON(t, resp, &chat)
		assert.Equal(t, "Long weekend", chat.Name)
	})

	t.Run("add and remove participants", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/api/chats/"+group.ID+"/participants", "alice", fiberMap{"userId": "dave"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var chat models.Chat
		decodeJSON(t, resp, &chat)
		assert.Contains(t, chat.Participants, "dave")

		resp = ts.do(t, http.MethodDelete, "/api/chats/"+group.ID+"/participants/carol", "alice", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		decodeJSON(t, resp, &chat)
		assert.NotContains(t, chat.Participants, "carol")

		resp = ts.do(t, http.MethodGet, "/api/chats/"+group.ID, "carol", nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("archive blocks sending", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/api/chats/"+group.ID+"/archive", "alice", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var chat models.Chat
		decodeJSON(t, resp, &chat)
		assert.Equal(t, models.ChatStatusArchived, chat.Status)

		resp = ts.do(t, http.MethodPost, "/api/chats/"+group.ID+"/messages", "bob", sendMessageRequest{Content: "hi"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp = ts.do(t, http.MethodPost, "/api/chats/"+group.ID+"/unarchive", "alice", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		sendMessage(t, ts, "bob", group.ID, sendMessageRequest{Content: "hi"})
	})

	t.Run("delete hides the chat", func(t *testing.T) {
		resp := ts.do(t, http.MethodDelete, "/api/chats/"+group.ID, "alice", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = ts.do(t, http.MethodPost, "/api/chats/"+group.ID+"/messages", "bob", sendMessageRequest{Content: "hello?"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

type fiberMap = map[string]interface{}
