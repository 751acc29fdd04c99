package live

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"copytrade-core/pkg/db"
)

// State is the lifecycle of one connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateLive:
		return "LIVE"
	default:
		return "CLOSED"
	}
}

const maxMessageSize = 1 << 20

// Client is one live connection and the account it is bound to.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	log  *logrus.Entry

	mu              sync.Mutex
	state           State
	accountID       string
	accountType     db.AccountType
	parentAccountID string
	ownLease        func()
	parentLease     func()
	lastPingSentAt  time.Time
	lastPongAt      time.Time

	closeOnce sync.Once
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AccountID is empty until the client authenticates.
func (c *Client) AccountID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountID
}

// follow swaps the non-viewer lease on the parent this client copies from.
func (c *Client) follow(parentID string, watcher Watcher) {
	c.mu.Lock()
	if c.state != StateLive || c.parentAccountID == parentID {
		c.mu.Unlock()
		return
	}
	old := c.parentLease
	c.parentAccountID = parentID
	c.parentLease = nil
	if parentID != "" {
		c.parentLease = watcher.Watch(parentID, false)
	}
	c.mu.Unlock()
	if old != nil {
		old()
	}
}

func (c *Client) markPong(at time.Time) {
	c.mu.Lock()
	c.lastPongAt = at
	c.mu.Unlock()
}

// enqueue queues msg without blocking. It fails when the client is closed
// or its queue is full.
func (c *Client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) sendJSON(msg Outbound) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.WithError(err).Error("encode live message")
		return false
	}
	return c.enqueue(data)
}

func (c *Client) readPump() {
	defer c.hub.remove(c, "read closed")

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.markPong(c.hub.now())
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("live read failed")
			}
			return
		}
		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendJSON(Outbound{Type: MsgError, Message: "malformed message"})
			continue
		}
		c.hub.handle(c, msg)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.WithError(err).Debug("live write failed")
				c.hub.remove(c, "write failed")
				return
			}
		}
	}
}

// close stops pushes, releases monitoring leases and closes the socket.
// Safe to call more than once.
func (c *Client) close() bool {
	closed := false
	c.closeOnce.Do(func() {
		closed = true
		close(c.done)
		c.mu.Lock()
		c.state = StateClosed
		own, parent := c.ownLease, c.parentLease
		c.ownLease, c.parentLease = nil, nil
		c.mu.Unlock()
		for _, release := range []func(){own, parent} {
			if release != nil {
				release()
			}
		}
		// Unblocks readPump.
		_ = c.conn.SetReadDeadline(time.Now())
	})
	return closed
}
