package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainchat "tradepost/internal/domain/chat"
)

func newDirect(t *testing.T, id, a, b string) *domainchat.Conversation {
	t.Helper()
	conversation, err := domainchat.NewConversation(domainchat.CreateParams{
		ID:        id,
		Kind:      domainchat.KindDirect,
		UserA:     a,
		UserB:     b,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	return conversation
}

func newText(t *testing.T, id, sender, content string, at time.Time) *domainchat.Message {
	t.Helper()
	message, err := domainchat.NewMessage(domainchat.MessageParams{
		ID:        id,
		SenderID:  sender,
		Content:   content,
		CreatedAt: at,
	})
	require.NoError(t, err)
	return message
}

func TestInsertConversationConflict(t *testing.T) {
	ctx := context.Background()
	repo := NewConversationRepository()

	first := newDirect(t, "conv-1", "user-a", "user-b")
	require.NoError(t, repo.InsertConversation(ctx, first))

	t.Run("same pair conflicts regardless of order", func(t *testing.T) {
		second := newDirect(t, "conv-2", "user-b", "user-a")
		assert.ErrorIs(t, repo.InsertConversation(ctx, second), domainchat.ErrConflict)
	})

	t.Run("different pair inserts", func(t *testing.T) {
		other := newDirect(t, "conv-3", "user-a", "user-c")
		assert.NoError(t, repo.InsertConversation(ctx, other))
	})

	t.Run("find by key returns the stored conversation", func(t *testing.T) {
		found, err := repo.FindDirect(ctx, domainchat.ParticipantKey("user-b", "user-a"))
		require.NoError(t, err)
		assert.Equal(t, "conv-1", found.ID)
	})
}

func TestAppendMessageDerivedState(t *testing.T) {
	ctx := context.Background()
	repo := NewConversationRepository()
	require.NoError(t, repo.InsertConversation(ctx, newDirect(t, "conv-1", "user-a", "user-b")))

	now := time.Now().UTC()
	msg := newText(t, "msg-1", "user-a", "hello", now)
	require.NoError(t, repo.AppendMessage(ctx, "conv-1", msg, []string{"user-b"}))

	stored, err := repo.ByID(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, stored.LastMessage)
	assert.Equal(t, "hello", stored.LastMessage.Content)
	assert.Equal(t, 1, stored.UnreadCountFor("user-b"))
	assert.Equal(t, 0, stored.UnreadCountFor("user-a"))
	require.Len(t, stored.Messages, 1)

	t.Run("read state clears the counter", func(t *testing.T) {
		require.NoError(t, repo.MarkRead(ctx, "conv-1", "user-b", now.Add(time.Second)))
		stored, err := repo.ByID(ctx, "conv-1")
		require.NoError(t, err)
		assert.Equal(t, 0, stored.UnreadCountFor("user-b"))
		assert.True(t, stored.Messages[0].IsReadBy("user-b"))
	})

	t.Run("unknown conversation", func(t *testing.T) {
		err := repo.AppendMessage(ctx, "missing", msg, nil)
		assert.ErrorIs(t, err, domainchat.ErrConversationNotFound)
	})

	t.Run("inactive conversation rejects appends", func(t *testing.T) {
		closed := newDirect(t, "conv-closed", "user-a", "user-c")
		closed.Active = false
		require.NoError(t, repo.InsertConversation(ctx, closed))

		err := repo.AppendMessage(ctx, "conv-closed", msg, []string{"user-c"})
		assert.ErrorIs(t, err, domainchat.ErrConversationNotFound)
	})
}

func TestRepositoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewConversationRepository()
	require.NoError(t, repo.InsertConversation(ctx, newDirect(t, "conv-1", "user-a", "user-b")))
	require.NoError(t, repo.AppendMessage(ctx, "conv-1", newText(t, "msg-1", "user-a", "hello", time.Now()), []string{"user-b"}))

	first, err := repo.ByID(ctx, "conv-1")
	require.NoError(t, err)
	first.Messages[0].Content = "mutated"
	first.UnreadCounts["user-b"] = 99

	second, err := repo.ByID(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", second.Messages[0].Content)
	assert.Equal(t, 1, second.UnreadCountFor("user-b"))
}

func TestListForUserOrdering(t *testing.T) {
	ctx := context.Background()
	repo := NewConversationRepository()
	base := time.Now().UTC()

	require.NoError(t, repo.InsertConversation(ctx, newDirect(t, "conv-1", "user-a", "user-b")))
	require.NoError(t, repo.InsertConversation(ctx, newDirect(t, "conv-2", "user-a", "user-c")))
	require.NoError(t, repo.InsertConversation(ctx, newDirect(t, "conv-3", "user-b", "user-c")))

	require.NoError(t, repo.AppendMessage(ctx, "conv-1", newText(t, "msg-1", "user-a", "old", base), []string{"user-b"}))
	require.NoError(t, repo.AppendMessage(ctx, "conv-2", newText(t, "msg-2", "user-c", "new", base.Add(time.Minute)), []string{"user-a"}))

	conversations, err := repo.ListForUser(ctx, "user-a", 1, 10)
	require.NoError(t, err)
	require.Len(t, conversations, 2)
	assert.Equal(t, "conv-2", conversations[0].ID)
	assert.Equal(t, "conv-1", conversations[1].ID)
	assert.Nil(t, conversations[0].Messages, "listing omits message bodies")

	t.Run("pagination", func(t *testing.T) {
		pageTwo, err := repo.ListForUser(ctx, "user-a", 2, 1)
		require.NoError(t, err)
		require.Len(t, pageTwo, 1)
		assert.Equal(t, "conv-1", pageTwo[0].ID)

		empty, err := repo.ListForUser(ctx, "user-a", 5, 10)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestUpdateMessage(t *testing.T) {
	ctx := context.Background()
	repo := NewConversationRepository()
	require.NoError(t, repo.InsertConversation(ctx, newDirect(t, "conv-1", "user-a", "user-b")))

	now := time.Now().UTC()
	msg := newText(t, "msg-1", "user-a", "hello", now)
	require.NoError(t, repo.AppendMessage(ctx, "conv-1", msg, []string{"user-b"}))

	require.NoError(t, msg.SoftDelete("user-a", now.Add(time.Second)))
	require.NoError(t, repo.UpdateMessage(ctx, "conv-1", msg, nil, map[string]int{"user-a": 0, "user-b": 0}))

	stored, err := repo.ByID(ctx, "conv-1")
	require.NoError(t, err)
	assert.True(t, stored.Messages[0].IsDeleted)
	assert.Nil(t, stored.LastMessage)
	assert.Equal(t, 0, stored.UnreadCountFor("user-b"))

	t.Run("unknown message", func(t *testing.T) {
		ghost := newText(t, "msg-x", "user-a", "ghost", now)
		err := repo.UpdateMessage(ctx, "conv-1", ghost, nil, nil)
		assert.ErrorIs(t, err, domainchat.ErrMessageNotFound)
	})
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	repo := NewConversationRepository()
	require.NoError(t, repo.InsertConversation(ctx, newDirect(t, "conv-1", "user-a", "user-b")))
	require.NoError(t, repo.InsertConversation(ctx, newDirect(t, "conv-2", "user-b", "user-c")))

	now := time.Now().UTC()
	require.NoError(t, repo.AppendMessage(ctx, "conv-1", newText(t, "msg-1", "user-a", "Selling a blue bike", now), []string{"user-b"}))
	require.NoError(t, repo.AppendMessage(ctx, "conv-2", newText(t, "msg-2", "user-b", "bike still available?", now), []string{"user-c"}))

	t.Run("scoped to the caller's conversations", func(t *testing.T) {
		hits, err := repo.Search(ctx, "user-a", "BIKE", 10)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "msg-1", hits[0].MessageID)
	})

	t.Run("deleted messages are invisible", func(t *testing.T) {
		msg := newText(t, "msg-3", "user-a", "red bike too", now)
		require.NoError(t, repo.AppendMessage(ctx, "conv-1", msg, []string{"user-b"}))
		require.NoError(t, msg.SoftDelete("user-a", now))
		require.NoError(t, repo.UpdateMessage(ctx, "conv-1", msg, nil, nil))

		hits, err := repo.Search(ctx, "user-a", "red bike", 10)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("empty query yields nothing", func(t *testing.T) {
		hits, err := repo.Search(ctx, "user-a", "   ", 10)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}

func TestTouchLastSeen(t *testing.T) {
	ctx := context.Background()
	repo := NewConversationRepository()
	require.NoError(t, repo.InsertConversation(ctx, newDirect(t, "conv-1", "user-a", "user-b")))

	at := time.Now().Add(time.Hour).UTC()
	require.NoError(t, repo.TouchLastSeen(ctx, "user-a", at))

	stored, err := repo.ByID(ctx, "conv-1")
	require.NoError(t, err)
	for _, p := range stored.Participants {
		if p.UserID == "user-a" {
			assert.Equal(t, at, p.LastSeenAt)
		} else {
			assert.NotEqual(t, at, p.LastSeenAt)
		}
	}
}
