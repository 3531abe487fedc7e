package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	sendBufferSize = 128
)

var errClientClosed = errors.New("client closed")

// State is the lifecycle stage of a gateway connection.
type State int

const (
	StateConnected State = iota
	StateIdentified
	StateInConversation
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateIdentified:
		return "identified"
	case StateInConversation:
		return "in_conversation"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Client is one socket connection. Outbound frames go through a buffered
// channel drained by a single writer goroutine.
type Client struct {
	ID string

	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu            sync.Mutex
	userID        int64
	conversations map[int64]struct{}
	disconnected  bool
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		ID:            uuid.NewString(),
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		done:          make(chan struct{}),
		conversations: make(map[int64]struct{}),
	}
}

// UserID returns the identified user, or 0 for an anonymous connection.
func (c *Client) UserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.disconnected:
		return StateDisconnected
	case len(c.conversations) > 0:
		return StateInConversation
	case c.userID > 0:
		return StateIdentified
	default:
		return StateConnected
	}
}

// identify binds the connection to userID and returns the previous binding.
func (c *Client) identify(userID int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.userID
	c.userID = userID
	return prev
}

func (c *Client) enterConversation(id int64) {
	c.mu.Lock()
	c.conversations[id] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) leaveConversation(id int64) {
	c.mu.Lock()
	delete(c.conversations, id)
	c.mu.Unlock()
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	c.disconnected = true
	c.conversations = make(map[int64]struct{})
	c.mu.Unlock()
}

func (c *Client) start() {
	go c.writeLoop()
}

// Send enqueues payload without blocking. A client whose buffer is full is
// too slow to keep up and gets disconnected.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		go c.Close(websocket.CloseTryAgainLater, "send buffer full")
		return errors.New("client send buffer full")
	}
}

// Close stops the writer and closes the socket. Safe to call many times.
func (c *Client) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.conn.Close()
	})
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseGoingAway, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

func (c *Client) write(messageType int, payload []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, payload)
}
