package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTrackerConnectionCounting(t *testing.T) {
	tracker := NewTracker()
	now := time.Now()

	assert.True(t, tracker.MarkOnline("user-a", "conn-1", now))
	assert.False(t, tracker.MarkOnline("user-a", "conn-2", now), "second device is not a presence transition")
	assert.True(t, tracker.IsOnline("user-a"))
	assert.Equal(t, 1, tracker.OnlineCount())

	assert.False(t, tracker.MarkOffline("user-a", "conn-1"), "one device remains")
	assert.True(t, tracker.IsOnline("user-a"))

	assert.True(t, tracker.MarkOffline("user-a", "conn-2"), "last device disconnecting is the offline transition")
	assert.False(t, tracker.IsOnline("user-a"))
	assert.Equal(t, 0, tracker.OnlineCount())
}

func TestTrackerUnknownOffline(t *testing.T) {
	tracker := NewTracker()
	assert.False(t, tracker.MarkOffline("ghost", "conn-1"))
}

func TestTrackerOnlineUsers(t *testing.T) {
	tracker := NewTracker()
	now := time.Now()
	tracker.MarkOnline("user-a", "conn-1", now)
	tracker.MarkOnline("user-b", "conn-2", now)
	tracker.MarkOnline("user-b", "conn-3", now)

	users := tracker.OnlineUsers()
	assert.ElementsMatch(t, []string{"user-a", "user-b"}, users)

	tracker.Reset()
	assert.Empty(t, tracker.OnlineUsers())
}
