package chat

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	now := time.Now().UTC()

	t.Run("defaults to text and marks sender as reader", func(t *testing.T) {
		message, err := NewMessage(MessageParams{
			ID:        "msg-1",
			SenderID:  "user-a",
			Content:   "  hello  ",
			CreatedAt: now,
		})
		require.NoError(t, err)
		assert.Equal(t, TypeText, message.Type)
		assert.Equal(t, "hello", message.Content)
		assert.True(t, message.IsReadBy("user-a"))
		assert.False(t, message.IsReadBy("user-b"))
	})

	t.Run("rejects empty text content", func(t *testing.T) {
		_, err := NewMessage(MessageParams{ID: "msg-2", SenderID: "user-a", Content: "   "})
		assert.ErrorIs(t, err, ErrContentRequired)
	})

	t.Run("allows empty content for attachments", func(t *testing.T) {
		message, err := NewMessage(MessageParams{
			ID:          "msg-3",
			SenderID:    "user-a",
			Type:        TypeImage,
			Attachments: []Attachment{{URL: "https://cdn.example/img.png"}},
		})
		require.NoError(t, err)
		assert.Empty(t, message.Content)
		assert.Len(t, message.Attachments, 1)
	})

	t.Run("enforces the length cap", func(t *testing.T) {
		_, err := NewMessage(MessageParams{
			ID:       "msg-4",
			SenderID: "user-a",
			Content:  strings.Repeat("x", MaxContentLength+1),
		})
		assert.ErrorIs(t, err, ErrContentTooLong)

		_, err = NewMessage(MessageParams{
			ID:       "msg-5",
			SenderID: "user-a",
			Content:  strings.Repeat("я", MaxContentLength),
		})
		assert.NoError(t, err)
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		_, err := NewMessage(MessageParams{ID: "msg-6", SenderID: "user-a", Content: "hi", Type: "video"})
		assert.ErrorIs(t, err, ErrInvalidType)
	})

	t.Run("requires a sender", func(t *testing.T) {
		_, err := NewMessage(MessageParams{ID: "msg-7", Content: "hi"})
		assert.ErrorIs(t, err, ErrSenderRequired)
	})
}

func TestMessageMarkReadBy(t *testing.T) {
	now := time.Now().UTC()
	message, err := NewMessage(MessageParams{ID: "msg-1", SenderID: "user-a", Content: "hi", CreatedAt: now})
	require.NoError(t, err)

	assert.True(t, message.MarkReadBy("user-b", now))
	assert.False(t, message.MarkReadBy("user-b", now.Add(time.Minute)))
	assert.Len(t, message.ReadBy, 2)

	require.NoError(t, message.SoftDelete("user-a", now))
	assert.False(t, message.MarkReadBy("user-c", now))
}

func TestMessageSoftDelete(t *testing.T) {
	now := time.Now().UTC()
	message, err := NewMessage(MessageParams{ID: "msg-1", SenderID: "user-a", Content: "hi", CreatedAt: now})
	require.NoError(t, err)

	assert.ErrorIs(t, message.SoftDelete("user-b", now), ErrNotAuthor)

	require.NoError(t, message.SoftDelete("user-a", now))
	assert.True(t, message.IsDeleted)
	require.NotNil(t, message.DeletedAt)

	// repeated delete is a no-op
	require.NoError(t, message.SoftDelete("user-a", now.Add(time.Hour)))
	assert.Equal(t, now, *message.DeletedAt)
}

func TestMessageEdit(t *testing.T) {
	now := time.Now().UTC()
	message, err := NewMessage(MessageParams{ID: "msg-1", SenderID: "user-a", Content: "hi", CreatedAt: now})
	require.NoError(t, err)

	assert.ErrorIs(t, message.Edit("user-b", "new", now), ErrNotAuthor)
	assert.ErrorIs(t, message.Edit("user-a", "  ", now), ErrContentRequired)

	later := now.Add(time.Minute)
	require.NoError(t, message.Edit("user-a", "hello there", later))
	assert.Equal(t, "hello there", message.Content)
	require.NotNil(t, message.EditedAt)
	assert.Equal(t, later, *message.EditedAt)
	assert.Equal(t, now, message.CreatedAt)

	require.NoError(t, message.SoftDelete("user-a", later))
	assert.ErrorIs(t, message.Edit("user-a", "again", later), ErrMessageDeleted)
}
