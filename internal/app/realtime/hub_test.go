package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradepost/internal/app/dto"
	chatservice "tradepost/internal/app/services/chat"
	"tradepost/internal/app/services/presence"
	domainidentity "tradepost/internal/domain/identity"
	"tradepost/internal/infra/storage/memory"
)

type fakeConn struct {
	inbound chan Envelope
	closed  chan struct{}
	once    sync.Once

	mu     sync.Mutex
	writes []Outbound
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan Envelope, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadJSON(v any) error {
	select {
	case env := <-c.inbound:
		*(v.(*Envelope)) = env
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	out, ok := v.(Outbound)
	if !ok {
		return errors.New("unexpected frame type")
	}
	c.mu.Lock()
	c.writes = append(c.writes, out)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) send(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	c.inbound <- Envelope{Event: event, Data: data}
}

func (c *fakeConn) frames(event string) []Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	matches := make([]Outbound, 0)
	for _, out := range c.writes {
		if out.Event == event {
			matches = append(matches, out)
		}
	}
	return matches
}

func waitForFrame(t *testing.T, conn *fakeConn, event string, count int) []Outbound {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(conn.frames(event)) >= count
	}, time.Second, 5*time.Millisecond, "expected %d %q frame(s)", count, event)
	return conn.frames(event)
}

type hubFixture struct {
	hub     *Hub
	chat    *chatservice.Service
	tracker *presence.Tracker
}

var hubTestTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	directory := memory.NewDirectory(nil)
	for _, id := range []string{"user-a", "user-b", "user-c"} {
		directory.Put(domainidentity.User{ID: id, Name: id, Active: true}, "")
	}
	clock := func() time.Time { return hubTestTime }
	chat := &chatservice.Service{
		Repo:      memory.NewConversationRepository(),
		Directory: directory,
		Clock:     clock,
	}
	tracker := presence.NewTracker()
	hub := NewHub(chat, tracker, directory, nil)
	hub.Clock = clock
	return &hubFixture{
		hub:     hub,
		chat:    chat,
		tracker: tracker,
	}
}

func (fx *hubFixture) connect(t *testing.T, userID string) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		fx.hub.HandleConnection(context.Background(), conn, userID)
		close(done)
	}()
	t.Cleanup(func() {
		conn.Close()
		<-done
	})
	waitForFrame(t, conn, EventOnlineUsers, 1)
	return conn
}

func TestHubPresenceLifecycle(t *testing.T) {
	fx := newHubFixture(t)

	connA := fx.connect(t, "user-a")

	snapshot := connA.frames(EventOnlineUsers)[0]
	users, ok := snapshot.Data.([]dto.User)
	require.True(t, ok)
	require.Len(t, users, 1)
	assert.Equal(t, "user-a", users[0].ID)

	connB := fx.connect(t, "user-b")
	online := waitForFrame(t, connA, EventUserOnline, 1)
	presenceFrame, ok := online[0].Data.(presencePayload)
	require.True(t, ok)
	assert.Equal(t, "user-b", presenceFrame.UserID)
	assert.True(t, presenceFrame.At.Equal(hubTestTime), "presence frames carry the hub clock")
	assert.Empty(t, connB.frames(EventUserOnline), "own connect is not echoed back")

	t.Run("second device is silent", func(t *testing.T) {
		fx.connect(t, "user-b")
		time.Sleep(20 * time.Millisecond)
		assert.Len(t, connA.frames(EventUserOnline), 1)
	})

	assert.True(t, fx.tracker.IsOnline("user-a"))
	assert.True(t, fx.tracker.IsOnline("user-b"))
}

func TestHubMessageFanOut(t *testing.T) {
	fx := newHubFixture(t)
	ctx := context.Background()

	conversation, _, err := fx.chat.GetOrCreateDirect(ctx, "user-a", "user-b")
	require.NoError(t, err)

	connA := fx.connect(t, "user-a")
	connB := fx.connect(t, "user-b")

	connA.send(t, EventJoin, joinRequest{ConversationID: conversation.ID})
	waitForFrame(t, connA, EventJoined, 1)
	connB.send(t, EventJoin, joinRequest{ConversationID: conversation.ID})
	waitForFrame(t, connB, EventJoined, 1)

	connA.send(t, EventMessage, sendRequest{ConversationID: conversation.ID, Content: "hello"})

	framesB := waitForFrame(t, connB, EventNewMessage, 1)
	payload, ok := framesB[0].Data.(dto.Message)
	require.True(t, ok)
	assert.Equal(t, "hello", payload.Content)
	assert.Equal(t, "user-a", payload.SenderID)

	t.Run("sender receives the stored message too", func(t *testing.T) {
		frames := waitForFrame(t, connA, EventNewMessage, 1)
		assert.Len(t, frames, 1, "room and personal delivery collapse into one frame")
	})

	t.Run("duplicate resend is not fanned out again", func(t *testing.T) {
		connA.send(t, EventMessage, sendRequest{ConversationID: conversation.ID, Content: "hello"})
		waitForFrame(t, connA, EventNewMessage, 2)
		time.Sleep(20 * time.Millisecond)
		assert.Len(t, connB.frames(EventNewMessage), 1)
	})

	t.Run("read receipts reach the other side", func(t *testing.T) {
		connB.send(t, EventRead, readRequest{ConversationID: conversation.ID})
		frames := waitForFrame(t, connA, EventReadReceipt, 1)
		receipt, ok := frames[0].Data.(readReceiptPayload)
		require.True(t, ok)
		assert.Equal(t, "user-b", receipt.UserID)
		assert.NotEmpty(t, receipt.MessageIDs)
		assert.True(t, receipt.ReadAt.Equal(hubTestTime), "receipts carry the hub clock")
	})
}

func TestHubJoinAuthorization(t *testing.T) {
	fx := newHubFixture(t)
	ctx := context.Background()

	conversation, _, err := fx.chat.GetOrCreateDirect(ctx, "user-a", "user-b")
	require.NoError(t, err)

	connC := fx.connect(t, "user-c")
	connC.send(t, EventJoin, joinRequest{ConversationID: conversation.ID})

	frames := waitForFrame(t, connC, EventError, 1)
	payload, ok := frames[0].Data.(errorPayload)
	require.True(t, ok)
	assert.Equal(t, "not_participant", payload.Code)
	assert.Empty(t, connC.frames(EventJoined))

	t.Run("unknown conversation", func(t *testing.T) {
		connC.send(t, EventJoin, joinRequest{ConversationID: "missing"})
		frames := waitForFrame(t, connC, EventError, 2)
		payload, ok := frames[1].Data.(errorPayload)
		require.True(t, ok)
		assert.Equal(t, "not_found", payload.Code)
	})

	t.Run("malformed frame", func(t *testing.T) {
		connC.inbound <- Envelope{Event: EventJoin}
		frames := waitForFrame(t, connC, EventError, 3)
		payload := frames[2].Data.(errorPayload)
		assert.Equal(t, "validation_error", payload.Code)
	})
}

func TestHubTypingRelay(t *testing.T) {
	fx := newHubFixture(t)
	ctx := context.Background()

	conversation, _, err := fx.chat.GetOrCreateDirect(ctx, "user-a", "user-b")
	require.NoError(t, err)

	connA := fx.connect(t, "user-a")
	connB := fx.connect(t, "user-b")

	t.Run("typing requires joining first", func(t *testing.T) {
		connA.send(t, EventTyping, typingRequest{ConversationID: conversation.ID, Typing: true})
		frames := waitForFrame(t, connA, EventError, 1)
		payload := frames[0].Data.(errorPayload)
		assert.Equal(t, "not_participant", payload.Code)
	})

	connA.send(t, EventJoin, joinRequest{ConversationID: conversation.ID})
	waitForFrame(t, connA, EventJoined, 1)
	connB.send(t, EventJoin, joinRequest{ConversationID: conversation.ID})
	waitForFrame(t, connB, EventJoined, 1)

	connA.send(t, EventTyping, typingRequest{ConversationID: conversation.ID, Typing: true})
	frames := waitForFrame(t, connB, EventTypingRelay, 1)
	payload, ok := frames[0].Data.(typingPayload)
	require.True(t, ok)
	assert.Equal(t, "user-a", payload.UserID)
	assert.True(t, payload.Typing)

	t.Run("typing is not echoed to the typist", func(t *testing.T) {
		time.Sleep(20 * time.Millisecond)
		assert.Empty(t, connA.frames(EventTypingRelay))
	})

	t.Run("leaving stops delivery", func(t *testing.T) {
		connB.send(t, EventLeave, joinRequest{ConversationID: conversation.ID})
		waitForFrame(t, connB, EventLeft, 1)

		connA.send(t, EventTyping, typingRequest{ConversationID: conversation.ID, Typing: false})
		time.Sleep(20 * time.Millisecond)
		assert.Len(t, connB.frames(EventTypingRelay), 1)
	})
}

func TestHubLocationMessage(t *testing.T) {
	fx := newHubFixture(t)
	ctx := context.Background()

	conversation, _, err := fx.chat.GetOrCreateDirect(ctx, "user-a", "user-b")
	require.NoError(t, err)

	connA := fx.connect(t, "user-a")
	connB := fx.connect(t, "user-b")
	connB.send(t, EventJoin, joinRequest{ConversationID: conversation.ID})
	waitForFrame(t, connB, EventJoined, 1)

	connA.send(t, EventLocation, locationRequest{
		ConversationID: conversation.ID,
		Latitude:       50.087465,
		Longitude:      14.421254,
	})

	frames := waitForFrame(t, connB, EventNewMessage, 1)
	payload, ok := frames[0].Data.(dto.Message)
	require.True(t, ok)
	assert.Equal(t, "location", payload.Type)
	assert.Equal(t, "50.087465,14.421254", payload.Content)
}

func TestHubRoomSize(t *testing.T) {
	fx := newHubFixture(t)
	ctx := context.Background()

	conversation, _, err := fx.chat.GetOrCreateDirect(ctx, "user-a", "user-b")
	require.NoError(t, err)

	assert.Equal(t, 0, fx.hub.RoomSize(conversation.ID))

	connA := fx.connect(t, "user-a")
	connA.send(t, EventJoin, joinRequest{ConversationID: conversation.ID})
	waitForFrame(t, connA, EventJoined, 1)
	assert.Equal(t, 1, fx.hub.RoomSize(conversation.ID))

	connA.send(t, EventLeave, joinRequest{ConversationID: conversation.ID})
	waitForFrame(t, connA, EventLeft, 1)
	assert.Equal(t, 0, fx.hub.RoomSize(conversation.ID))
}
