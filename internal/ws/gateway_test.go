package ws_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asyv_realtime/internal/domain"
	"asyv_realtime/internal/presence"
	"asyv_realtime/internal/service"
	"asyv_realtime/internal/store/sqlite"
	"asyv_realtime/internal/ws"
)

const (
	waitFor   = 2 * time.Second
	quietWait = 250 * time.Millisecond
)

type backend struct {
	db    *sql.DB
	mr    *miniredis.Miniredis
	convs *sqlite.ConversationRepo
	msgs  *sqlite.MessageRepo
	users *sqlite.UserRepo
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, sqlite.Migrate(db))
	t.Cleanup(func() { _ = db.Close() })

	users := sqlite.NewUserRepo(db)
	for _, name := range []string{"Alice", "Bob", "Carol"} {
		first := name
		require.NoError(t, users.Create(context.Background(), &domain.User{
			FirstName: &first,
			Username:  strings.ToLower(name),
		}))
	}

	return &backend{
		db:    db,
		mr:    miniredis.RunT(t),
		convs: sqlite.NewConversationRepo(db),
		msgs:  sqlite.NewMessageRepo(db),
		users: users,
	}
}

type stackConfig struct {
	messages domain.MessageRepository
	relay    bool
}

type stack struct {
	srv   *httptest.Server
	hub   *ws.Hub
	store *presence.Store
	relay *ws.Relay
}

func newStack(t *testing.T, b *backend, cfg stackConfig) *stack {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	rdb := redis.NewClient(&redis.Options{Addr: b.mr.Addr(), MaxRetries: -1})
	store := presence.NewStore(rdb, b.users, presence.Options{
		Retries:       1,
		RetryInterval: time.Millisecond,
	})

	messages := cfg.messages
	if messages == nil {
		messages = b.msgs
	}
	convSvc := service.NewConversationService(b.convs, b.users)
	msgSvc := service.NewMessageService(b.convs, sqlite.NewParticipantRepo(b.db), messages)

	hub := ws.NewHub()
	s := &stack{hub: hub, store: store}
	if cfg.relay {
		s.relay = ws.NewRelay(rdb, "test:fanout", hub)
		hub.SetRelay(s.relay)
		go func() { _ = s.relay.Run(ctx) }()
	}

	gw := ws.NewGateway(ctx, hub, store, convSvc, msgSvc, b.users, ws.Options{HandlerTimeout: 5 * time.Second})
	s.srv = httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		hub.Close()
		s.srv.Close()
		cancel()
		_ = rdb.Close()
	})
	return s
}

type frame struct {
	Event string          `json:"event"`
	Ack   *int64          `json:"ack"`
	Data  json.RawMessage `json:"data"`
}

type testClient struct {
	t       *testing.T
	conn    *websocket.Conn
	frames  chan frame
	pending []frame
}

func (s *stack) dial(t *testing.T) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	c := &testClient{t: t, conn: conn, frames: make(chan frame, 64)}
	go func() {
		defer close(c.frames)
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			c.frames <- f
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *testClient) emit(event string, data any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

func (c *testClient) request(ack int64, event string, data any) ws.Result {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(map[string]any{"event": event, "ack": ack, "data": data}))
	for {
		f := c.next(ws.EventAck)
		if f.Ack != nil && *f.Ack == ack {
			var res ws.Result
			require.NoError(c.t, json.Unmarshal(f.Data, &res))
			return res
		}
	}
}

// next returns the oldest unseen frame carrying event. Frames for other
// events stay queued for later calls.
func (c *testClient) next(event string) frame {
	c.t.Helper()
	for i, f := range c.pending {
		if f.Event == event {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return f
		}
	}
	timeout := time.After(waitFor)
	for {
		select {
		case f, ok := <-c.frames:
			require.True(c.t, ok, "connection closed while waiting for %q", event)
			if f.Event == event {
				return f
			}
			c.pending = append(c.pending, f)
		case <-timeout:
			c.t.Fatalf("timed out waiting for %q", event)
		}
	}
}

// none asserts no frame carrying event arrives for a short while.
func (c *testClient) none(event string) {
	c.t.Helper()
	for _, f := range c.pending {
		assert.NotEqual(c.t, event, f.Event, "unexpected %q frame: %s", event, f.Data)
	}
	timeout := time.After(quietWait)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				return
			}
			assert.NotEqual(c.t, event, f.Event, "unexpected %q frame: %s", event, f.Data)
			c.pending = append(c.pending, f)
		case <-timeout:
			return
		}
	}
}

func (c *testClient) identify(userID int64) []domain.ProfileView {
	c.t.Helper()
	c.emit(ws.EventIdentify, map[string]any{"userId": userID})
	var users []domain.ProfileView
	require.NoError(c.t, json.Unmarshal(c.next(ws.EventOnlineUsers).Data, &users))
	return users
}

func (c *testClient) join(conversationID int64) {
	c.t.Helper()
	res := c.request(900, ws.EventJoinConversation, map[string]any{"conversationId": conversationID})
	require.True(c.t, res.Success)
}

func decode[T any](t *testing.T, f frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}

func TestGateway_IdentifyAndOnlineUsers(t *testing.T) {
	b := newBackend(t)
	s := newStack(t, b, stackConfig{})
	ctx := context.Background()

	c1 := s.dial(t)
	assert.Empty(t, c1.identify(1))

	c2 := s.dial(t)
	others := c2.identify(2)
	require.Len(t, others, 1)
	assert.Equal(t, int64(1), others[0].ID)
	assert.Equal(t, "Alice", others[0].Name)

	announced := decode[map[string]any](t, c1.next(ws.EventUserOnline))
	assert.EqualValues(t, 2, announced["userId"])
	assert.Equal(t, "Bob", announced["name"])

	c1.emit(ws.EventGetOnlineUsers, nil)
	users := decode[[]domain.ProfileView](t, c1.next(ws.EventOnlineUsers))
	require.Len(t, users, 1)
	assert.Equal(t, domain.ProfileView{ID: 2, Name: "Bob", Username: "bob", Status: "online"}, users[0])

	assert.True(t, s.store.IsOnline(ctx, 1))
	assert.True(t, s.store.IsOnline(ctx, 2))
}

func TestGateway_SendMessageBroadcastsToRoom(t *testing.T) {
	b := newBackend(t)
	s := newStack(t, b, stackConfig{})
	conv, err := b.convs.CreatePair(context.Background(), 1, 2)
	require.NoError(t, err)

	c1, c2 := s.dial(t), s.dial(t)
	c1.identify(1)
	c2.identify(2)
	c2.join(conv.ID)

	res := c1.request(1, ws.EventSendMessage, map[string]any{
		"conversationId": conv.ID,
		"senderId":       1,
		"content":        "hi",
	})
	require.True(t, res.Success, res.Error)
	require.NotNil(t, res.Message)
	require.NotNil(t, res.Message.Content)
	assert.Equal(t, "hi", *res.Message.Content)
	assert.Positive(t, res.Message.ID)

	got := decode[domain.Message](t, c2.next(ws.EventNewMessage))
	assert.Equal(t, res.Message.ID, got.ID)
	assert.Equal(t, int64(1), got.SenderID)
	require.NotNil(t, got.Content)
	assert.Equal(t, "hi", *got.Content)
}

func TestGateway_SendMessageByOutsiderIsRejected(t *testing.T) {
	b := newBackend(t)
	s := newStack(t, b, stackConfig{})
	ctx := context.Background()
	conv, err := b.convs.CreatePair(ctx, 1, 2)
	require.NoError(t, err)

	c2, c3 := s.dial(t), s.dial(t)
	c2.identify(2)
	c2.join(conv.ID)
	c3.identify(3)

	res := c3.request(1, ws.EventSendMessage, map[string]any{
		"conversationId": conv.ID,
		"senderId":       3,
		"content":        "let me in",
	})
	assert.Equal(t, ws.Result{Success: false, Error: "not a participant"}, res)
	c2.none(ws.EventNewMessage)

	stored, err := b.msgs.ListForConversation(ctx, conv.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

type failingMessages struct {
	domain.MessageRepository
}

func (failingMessages) Create(context.Context, *domain.Message) error {
	return errors.New("database is locked")
}

func TestGateway_NoBroadcastWhenPersistenceFails(t *testing.T) {
	b := newBackend(t)
	s := newStack(t, b, stackConfig{messages: failingMessages{b.msgs}})
	conv, err := b.convs.CreatePair(context.Background(), 1, 2)
	require.NoError(t, err)

	c1, c2 := s.dial(t), s.dial(t)
	c1.identify(1)
	c1.join(conv.ID)
	c2.identify(2)
	c2.join(conv.ID)

	res := c1.request(1, ws.EventSendMessage, map[string]any{
		"conversationId": conv.ID,
		"senderId":       1,
		"content":        "lost",
	})
	assert.False(t, res.Success)
	assert.Nil(t, res.Message)
	assert.NotContains(t, res.Error, "database is locked")
	c2.none(ws.EventNewMessage)
	c1.none(ws.EventNewMessage)
}

func TestGateway_SendMessageValidation(t *testing.T) {
	b := newBackend(t)
	s := newStack(t, b, stackConfig{})
	conv, err := b.convs.CreatePair(context.Background(), 1, 2)
	require.NoError(t, err)

	c1 := s.dial(t)
	c1.identify(1)

	res := c1.request(1, ws.EventSendMessage, map[string]any{"conversationId": conv.ID, "senderId": 1, "content": "   "})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "content or mediaUrl is required")

	res = c1.request(2, ws.EventSendMessage, map[string]any{"conversationId": conv.ID, "senderId": 2, "content": "spoof"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "senderId does not match")

	res = c1.request(3, ws.EventSendMessage, map[string]any{"conversationId": 999, "senderId": 1, "content": "x"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not found")

	// without an ack id the failure comes back as an error event
	c1.emit(ws.EventSendMessage, map[string]any{"conversationId": conv.ID, "senderId": 1})
	errEvt := decode[map[string]string](t, c1.next(ws.EventError))
	assert.Equal(t, ws.EventSendMessage, errEvt["event"])

	res = c1.request(4, ws.EventSendMessage, map[string]any{"conversationId": conv.ID, "senderId": 1, "mediaUrl": "/media/cat.png"})
	require.True(t, res.Success, res.Error)
	assert.Nil(t, res.Message.Content)
	require.NotNil(t, res.Message.MediaURL)
	assert.Equal(t, "/media/cat.png", *res.Message.MediaURL)
}

func TestGateway_CreateConversation(t *testing.T) {
	b := newBackend(t)
	s := newStack(t, b, stackConfig{})

	c1, c2 := s.dial(t), s.dial(t)
	c1.identify(1)
	c2.identify(2)

	res := c1.request(1, ws.EventCreateConversation, map[string]any{"userA": "2", "userB": 1})
	require.True(t, res.Success, res.Error)
	require.NotNil(t, res.Conversation)
	assert.Equal(t, int64(1), res.Conversation.User1ID)
	assert.Equal(t, int64(2), res.Conversation.User2ID)

	for _, c := range []*testClient{c1, c2} {
		got := decode[domain.Conversation](t, c.next(ws.EventConversationCreated))
		assert.Equal(t, res.Conversation.ID, got.ID)
	}

	again := c2.request(2, ws.EventCreateConversation, map[string]any{"userA": 1, "userB": 2})
	require.True(t, again.Success)
	assert.Equal(t, res.Conversation.ID, again.Conversation.ID)

	convs, err := b.convs.ListForUser(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestGateway_CreateConversationRequiresBothUsers(t *testing.T) {
	b := newBackend(t)
	s := newStack(t, b, stackConfig{})

	c1 := s.dial(t)
	c1.identify(1)

	res := c1.request(1, ws.EventCreateConversation, map[string]any{"userA": 1})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "userA and userB are required")
	c1.none(ws.EventConversationCreated)
}

func TestGateway_JoinAndLeaveRequireConversationID(t *testing.T) {
	b := newBackend(t)
	s := newStack(t, b, stackConfig{})

	c1 := s.dial(t)
	c1.identify(1)

	for i, event := range []string{ws.EventJoinConversation, ws.EventLeaveConversation} {
		res := c1.request(int64(i+1), event, map[string]any{})
		assert.False(t, res.Success, event)
		assert.Equal(t, "invalid input: conversationId is required", res.Error)
	}

	// without an ack id a missing conversationId is silently ignored
	c1.emit(ws.EventJoinConversation, map[string]any{})
	c1.none(ws.EventError)
}

func TestGateway_CheckUserOnline(t *testing.T) {
	b := newBackend(t)
	s := newStack(t, b, stackConfig{})

	c1 := s.dial(t)
	c1.identify(1)

	c1.emit(ws.EventCheckUserOnline, map[string]any{"targetUserId": 2})
	status := decode[map[string]any](t, c1.next(ws.EventUserStatus))
	assert.Equal(t, true, status["success"])
	assert.Equal(t, false, status["online"])

	c2 := s.dial(t)
	c2.identify(2)

	c1.emit(ws.EventCheckUserOnline, map[string]any{"targetUserId": "2"})
	status = decode[map[string]any](t, c1.next(ws.EventUserStatus))
	assert.Equal(t, true, status["online"])

	c1.emit(ws.EventCheckUserOnline, nil)
	status = decode[map[string]any](t, c1.next(ws.EventUserStatus))
	assert.Equal(t, false, status["success"])
	assert.NotEmpty(t, status["error"])
}

func TestGateway_OfflineOnlyAfterLastConnection(t *testing.T) {
	b := newBackend(t)
	s := newStack(t, b, stackConfig{})
	ctx := context.Background()

	watcher := s.dial(t)
	watcher.identify(1)

	tab1, tab2 := s.dial(t), s.dial(t)
	tab1.identify(2)
	tab2.identify(2)

	require.NoError(t, tab1.conn.Close())
	watcher.none(ws.EventUserOffline)
	assert.True(t, s.store.IsOnline(ctx, 2))

	require.NoError(t, tab2.conn.Close())
	offline := decode[map[string]any](t, watcher.next(ws.EventUserOffline))
	assert.EqualValues(t, 2, offline["userId"])
	assert.False(t, s.store.IsOnline(ctx, 2))
	assert.NotContains(t, s.store.OnlineUserIDs(ctx), int64(2))
}

func TestGateway_TypingReachesOthersOnly(t *testing.T) {
	b := newBackend(t)
	s := newStack(t, b, stackConfig{})
	conv, err := b.convs.CreatePair(context.Background(), 1, 2)
	require.NoError(t, err)

	c1, c2 := s.dial(t), s.dial(t)
	c1.identify(1)
	c1.join(conv.ID)
	c2.identify(2)
	c2.join(conv.ID)

	c1.emit(ws.EventTyping, map[string]any{"conversationId": conv.ID, "isTyping": true})
	got := decode[map[string]any](t, c2.next(ws.EventTyping))
	assert.EqualValues(t, conv.ID, got["conversationId"])
	assert.EqualValues(t, 1, got["userId"])
	assert.Equal(t, true, got["isTyping"])
	c1.none(ws.EventTyping)
}

func TestGateway_HeartbeatExtendsPresence(t *testing.T) {
	b := newBackend(t)
	s := newStack(t, b, stackConfig{})

	c1 := s.dial(t)
	c1.identify(1)

	b.mr.FastForward(40 * time.Minute)
	require.Less(t, b.mr.TTL("presence:user:1"), 30*time.Minute)

	c1.emit(ws.EventHeartbeat, nil)
	c1.emit(ws.EventGetOnlineUsers, nil)
	c1.next(ws.EventOnlineUsers)
	assert.Greater(t, b.mr.TTL("presence:user:1"), 50*time.Minute)
}

func TestGateway_MessagingSurvivesPresenceOutage(t *testing.T) {
	b := newBackend(t)
	s := newStack(t, b, stackConfig{})
	conv, err := b.convs.CreatePair(context.Background(), 1, 2)
	require.NoError(t, err)

	b.mr.Close()

	c1, c2 := s.dial(t), s.dial(t)
	assert.Empty(t, c1.identify(1))
	assert.Empty(t, c2.identify(2))
	c1.none(ws.EventUserOnline)
	c2.join(conv.ID)

	res := c1.request(1, ws.EventSendMessage, map[string]any{
		"conversationId": conv.ID,
		"senderId":       1,
		"content":        "still here",
	})
	require.True(t, res.Success, res.Error)
	c2.next(ws.EventNewMessage)

	require.NoError(t, c2.conn.Close())
	offline := decode[map[string]any](t, c1.next(ws.EventUserOffline))
	assert.EqualValues(t, 2, offline["userId"])
}

func TestGateway_MalformedAndUnknownFrames(t *testing.T) {
	b := newBackend(t)
	s := newStack(t, b, stackConfig{})

	c1 := s.dial(t)
	require.NoError(t, c1.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	errEvt := decode[map[string]string](t, c1.next(ws.EventError))
	assert.Contains(t, errEvt["error"], "malformed")

	c1.emit("shout", nil)
	errEvt = decode[map[string]string](t, c1.next(ws.EventError))
	assert.Equal(t, "shout", errEvt["event"])

	// anonymous heartbeat and identify without a user are ignored
	c1.emit(ws.EventHeartbeat, nil)
	c1.emit(ws.EventIdentify, map[string]any{})
	c1.emit(ws.EventGetOnlineUsers, nil)
	assert.Empty(t, decode[[]domain.ProfileView](t, c1.next(ws.EventOnlineUsers)))
	assert.Empty(t, s.store.OnlineUserIDs(context.Background()))
}

func TestGateway_RelayCrossesProcesses(t *testing.T) {
	b := newBackend(t)
	a := newStack(t, b, stackConfig{relay: true})
	other := newStack(t, b, stackConfig{relay: true})
	conv, err := b.convs.CreatePair(context.Background(), 1, 2)
	require.NoError(t, err)

	probe := redis.NewClient(&redis.Options{Addr: b.mr.Addr()})
	t.Cleanup(func() { _ = probe.Close() })
	require.Eventually(t, func() bool {
		subs, err := probe.PubSubNumSub(context.Background(), "test:fanout").Result()
		return err == nil && subs["test:fanout"] == 2
	}, waitFor, 10*time.Millisecond)

	c1 := a.dial(t)
	c1.identify(1)
	c2 := other.dial(t)
	c2.identify(2)
	announced := decode[map[string]any](t, c1.next(ws.EventUserOnline))
	assert.EqualValues(t, 2, announced["userId"])
	c2.join(conv.ID)

	res := c1.request(1, ws.EventSendMessage, map[string]any{
		"conversationId": conv.ID,
		"senderId":       1,
		"content":        "across",
	})
	require.True(t, res.Success, res.Error)

	got := decode[domain.Message](t, c2.next(ws.EventNewMessage))
	assert.Equal(t, res.Message.ID, got.ID)
	c1.none(ws.EventNewMessage)
}
