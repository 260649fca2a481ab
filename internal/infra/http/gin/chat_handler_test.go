package ginserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradepost/internal/app/dto"
	chatservice "tradepost/internal/app/services/chat"
	domainidentity "tradepost/internal/domain/identity"
	"tradepost/internal/infra/config"
	"tradepost/internal/infra/obs"
	"tradepost/internal/infra/security"
	"tradepost/internal/infra/storage/memory"
	"tradepost/internal/infra/storage/s3"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	hasher := security.BcryptHasher{Cost: 4}
	directory := memory.NewDirectory(hasher)
	for _, id := range []string{"user-a", "user-b"} {
		hash, err := hasher.Hash("secret")
		require.NoError(t, err)
		directory.Put(domainidentity.User{ID: id, Name: id, Active: true}, hash)
	}

	chat := &chatservice.Service{
		Repo:      memory.NewConversationRepository(),
		Directory: directory,
	}

	server := NewServer(config.Config{Env: "test", HTTPAddr: ":0"}, obs.Middleware{}, obs.HealthHandlers{
		Ready: func() error { return nil },
	}, Handlers{
		Chat: ChatHandler{
			Chat:      chat,
			Directory: directory,
			Uploads:   s3.NoopStore{},
			PageSize:  20,
		},
		AuthMiddleware: AuthMiddleware{
			Verifier:  directory,
			Directory: directory,
		}.Handle,
	})
	return server.Handler
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestChatEndpoints(t *testing.T) {
	handler := newTestServer(t)

	t.Run("auth is required", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/api/v1/chat/conversations", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = doJSON(t, handler, http.MethodGet, "/api/v1/chat/conversations", "user-a:wrong", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	var conversationID string
	t.Run("create direct conversation", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/chat/conversations/direct", "user-a:secret",
			map[string]string{"user_id": "user-b"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var created dto.Conversation
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
		assert.Equal(t, "direct", created.Kind)
		require.Len(t, created.Participants, 2)
		conversationID = created.ID

		rec = doJSON(t, handler, http.MethodPost, "/api/v1/chat/conversations/direct", "user-b:secret",
			map[string]string{"user_id": "user-a"})
		require.Equal(t, http.StatusOK, rec.Code)
		var again dto.Conversation
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
		assert.Equal(t, conversationID, again.ID)
	})

	t.Run("self conversation is rejected", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/chat/conversations/direct", "user-a:secret",
			map[string]string{"user_id": "user-a"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown peer is 404", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/chat/conversations/direct", "user-a:secret",
			map[string]string{"user_id": "ghost"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	var messageID string
	t.Run("send and fetch messages", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost,
			fmt.Sprintf("/api/v1/chat/conversations/%s/messages", conversationID), "user-a:secret",
			map[string]string{"content": "hello there"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var message dto.Message
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &message))
		messageID = message.ID

		rec = doJSON(t, handler, http.MethodGet,
			"/api/v1/chat/conversations/"+conversationID, "user-b:secret", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var detail dto.ConversationDetail
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
		require.Len(t, detail.Messages, 1)
		assert.Equal(t, "hello there", detail.Messages[0].Content)
		assert.Equal(t, 0, detail.Conversation.UnreadCount,
			"the fetch that marks read reports the reader caught up")
	})

	t.Run("immediate resend returns the stored message", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost,
			fmt.Sprintf("/api/v1/chat/conversations/%s/messages", conversationID), "user-a:secret",
			map[string]string{"content": "hello there"})
		require.Equal(t, http.StatusOK, rec.Code)
		var message dto.Message
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &message))
		assert.Equal(t, messageID, message.ID)
	})

	t.Run("empty message is rejected", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost,
			fmt.Sprintf("/api/v1/chat/conversations/%s/messages", conversationID), "user-a:secret",
			map[string]string{"content": "   "})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("edit and delete", func(t *testing.T) {
		path := fmt.Sprintf("/api/v1/chat/conversations/%s/messages/%s", conversationID, messageID)

		rec := doJSON(t, handler, http.MethodPatch, path, "user-b:secret", map[string]string{"content": "hijack"})
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = doJSON(t, handler, http.MethodPatch, path, "user-a:secret", map[string]string{"content": "hello, edited"})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = doJSON(t, handler, http.MethodDelete, path, "user-a:secret", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var deleted dto.Message
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deleted))
		assert.True(t, deleted.IsDeleted)
	})

	t.Run("block forbids the peer", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost,
			fmt.Sprintf("/api/v1/chat/conversations/%s/block", conversationID), "user-a:secret", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = doJSON(t, handler, http.MethodPost,
			fmt.Sprintf("/api/v1/chat/conversations/%s/messages", conversationID), "user-b:secret",
			map[string]string{"content": "hello?"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("list conversations", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/api/v1/chat/conversations", "user-a:secret", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var list dto.ConversationList
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
		require.Len(t, list.Items, 1)
		assert.Equal(t, conversationID, list.Items[0].ID)
	})

	t.Run("search requires a query", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/api/v1/chat/search?q=", "user-a:secret", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("attachment upload without storage is 503", func(t *testing.T) {
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		part, err := writer.CreateFormFile("file", "photo.jpg")
		require.NoError(t, err)
		_, err = part.Write([]byte("not really a jpeg"))
		require.NoError(t, err)
		require.NoError(t, writer.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/attachments", &buf)
		req.Header.Set("Content-Type", writer.FormDataContentType())
		req.Header.Set("Authorization", "Bearer user-a:secret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("missing conversation is 404", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/api/v1/chat/conversations/missing", "user-a:secret", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("health endpoints are open", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/livez", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		rec = doJSON(t, handler, http.MethodGet, "/readyz", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
