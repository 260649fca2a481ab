package presence

import (
	"sync"
	"time"
)

// Connection describes one live connection of a user. A user may hold
// several (multi-device); they count as online while at least one remains.
type Connection struct {
	ID          string
	UserID      string
	ConnectedAt time.Time
}

// Tracker is the process-local presence registry. It is advisory state: a
// restart forgets everyone, which is acceptable because presence is
// re-established by reconnecting clients.
type Tracker struct {
	mu    sync.RWMutex
	users map[string]map[string]Connection
}

func NewTracker() *Tracker {
	return &Tracker{users: make(map[string]map[string]Connection)}
}

// MarkOnline registers a connection. Returns true when this is the user's
// first live connection, i.e. the user just came online.
func (t *Tracker) MarkOnline(userID, connID string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	conns, ok := t.users[userID]
	if !ok {
		conns = make(map[string]Connection)
		t.users[userID] = conns
	}
	conns[connID] = Connection{ID: connID, UserID: userID, ConnectedAt: at.UTC()}
	return len(conns) == 1
}

// MarkOffline removes a connection. Returns true when it was the user's last
// one, i.e. the user just went offline.
func (t *Tracker) MarkOffline(userID, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	conns, ok := t.users[userID]
	if !ok {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(t.users, userID)
		return true
	}
	return false
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.users[userID]) > 0
}

// OnlineCount returns the number of distinct online users.
func (t *Tracker) OnlineCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.users)
}

// OnlineUsers snapshots the distinct online user ids.
func (t *Tracker) OnlineUsers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.users))
	for id := range t.users {
		ids = append(ids, id)
	}
	return ids
}

// Reset clears all presence state; used at shutdown and between tests.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.users = make(map[string]map[string]Connection)
}
