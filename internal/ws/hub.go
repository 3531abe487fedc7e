package ws

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// UserRoom is the personal room every connection of a user joins on identify.
func UserRoom(userID int64) string { return "user:" + strconv.FormatInt(userID, 10) }

// ConversationRoom is the broadcast room for one private conversation.
func ConversationRoom(conversationID int64) string {
	return "conversation:" + strconv.FormatInt(conversationID, 10)
}

// Envelope is a fan-out travelling between gateway processes. An empty Room
// addresses every connection.
type Envelope struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room,omitempty"`
	Except  string          `json:"except,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Publisher forwards fan-outs to other gateway processes.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Hub tracks the clients held by this process and their rooms.
type Hub struct {
	mu          sync.RWMutex
	clients     map[string]*Client
	rooms       map[string]map[string]*Client // room -> clientID -> client
	clientRooms map[string]map[string]struct{}
	closed      bool

	relay Publisher
}

func NewHub() *Hub {
	return &Hub{
		clients:     make(map[string]*Client),
		rooms:       make(map[string]map[string]*Client),
		clientRooms: make(map[string]map[string]struct{}),
	}
}

// SetRelay enables cross-process fan-out. Call before serving traffic.
func (h *Hub) SetRelay(p Publisher) {
	h.mu.Lock()
	h.relay = p
	h.mu.Unlock()
}

// Register adds a client. It reports false once the hub is closed.
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c.ID] = c
	h.clientRooms[c.ID] = make(map[string]struct{})
	h.mu.Unlock()
	return true
}

// Unregister removes a client from the hub and from every room it joined.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	delete(h.clients, c.ID)
	for room := range h.clientRooms[c.ID] {
		h.leaveLocked(room, c.ID)
	}
	delete(h.clientRooms, c.ID)
}

func (h *Hub) Join(room string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]*Client)
		h.rooms[room] = members
	}
	members[c.ID] = c
	h.clientRooms[c.ID][room] = struct{}{}
}

func (h *Hub) Leave(room string, c *Client) {
	h.mu.Lock()
	h.leaveLocked(room, c.ID)
	h.mu.Unlock()
}

// RoomSize counts the local clients in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Emit sends event to every client in room except the given one, and
// forwards it to the relay when one is configured. It returns the number of
// local deliveries.
func (h *Hub) Emit(ctx context.Context, room, event string, data any, except *Client) int {
	return h.emit(ctx, room, event, data, except)
}

// EmitAll sends event to every client except the given one.
func (h *Hub) EmitAll(ctx context.Context, event string, data any, except *Client) int {
	return h.emit(ctx, "", event, data, except)
}

func (h *Hub) emit(ctx context.Context, room, event string, data any, except *Client) int {
	payload, err := encodeFrame(event, data)
	if err != nil {
		log.Error().Err(err).Str("component", "ws").Str("event", event).Msg("encode frame")
		return 0
	}
	env := Envelope{Room: room, Payload: payload}
	if except != nil {
		env.Except = except.ID
	}
	n := h.DeliverLocal(env)

	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay != nil {
		if err := relay.Publish(ctx, env); err != nil {
			log.Warn().Err(err).Str("component", "ws").Str("room", room).Msg("relay publish failed")
		}
	}
	return n
}

// DeliverLocal writes an encoded frame to the matching local clients.
func (h *Hub) DeliverLocal(env Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := h.clients
	if env.Room != "" {
		targets = h.rooms[env.Room]
	}
	delivered := 0
	for id, c := range targets {
		if id == env.Except {
			continue
		}
		if err := c.Send(env.Payload); err == nil {
			delivered++
		}
	}
	return delivered
}

// Close disconnects every client and refuses new registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Hub) leaveLocked(room, clientID string) {
	members := h.rooms[room]
	if members == nil {
		return
	}
	delete(members, clientID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	if joined, ok := h.clientRooms[clientID]; ok {
		delete(joined, room)
	}
}
