package realtime

import (
	"sync"
	"time"
)

// Conn is the transport seam between the hub and a websocket connection.
// *websocket.Conn satisfies it; tests plug in scripted fakes.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

const (
	sendBuffer = 32
	writeWait  = 10 * time.Second
)

// Client is one live connection of one user. Writes go through a buffered
// channel drained by a single writer goroutine, so fan-out never blocks on a
// slow peer.
type Client struct {
	id     string
	userID string
	conn   Conn

	send      chan Outbound
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(id, userID string, conn Conn) *Client {
	return &Client{
		id:     id,
		userID: userID,
		conn:   conn,
		send:   make(chan Outbound, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Client) UserID() string { return c.userID }

// enqueue hands a frame to the writer. Frames to a client whose buffer is
// full are dropped; live events are advisory and the durable state is
// re-fetched on reconnect.
func (c *Client) enqueue(out Outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- out:
		return true
	default:
		return false
	}
}

// writePump drains the send channel until the client closes.
func (c *Client) writePump() {
	for {
		select {
		case out := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(out); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
