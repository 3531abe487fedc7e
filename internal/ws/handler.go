package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"asyv_realtime/internal/domain"
	"asyv_realtime/internal/service"
)

const (
	defaultHandlerTimeout = 10 * time.Second
	defaultReadLimit      = 64 << 10
)

var errMissingConversationID = fmt.Errorf("%w: conversationId is required", domain.ErrInvalidInput)

// Presence is the part of the presence store the gateway drives.
type Presence interface {
	SetOnline(ctx context.Context, userID int64, connID string, profile *domain.Profile) error
	Refresh(ctx context.Context, userID int64, connID string) error
	SetOffline(ctx context.Context, userID int64, connID string) (bool, error)
	IsOnline(ctx context.Context, userID int64) bool
	OnlineUsersWithProfile(ctx context.Context, excludeUserID int64) []domain.ProfileView
}

type ConversationCreator interface {
	CreateOrGetConversation(ctx context.Context, userA, userB int64) (*domain.Conversation, error)
}

type MessageSender interface {
	SendMessage(ctx context.Context, in service.SendMessageInput) (*domain.Message, error)
}

type Options struct {
	AllowedOrigins []string
	HandlerTimeout time.Duration
	ReadLimit      int64
}

// Gateway serves the socket protocol. Event handlers run on the gateway's
// base context, so a client disconnect does not abort work that already
// started.
type Gateway struct {
	baseCtx       context.Context
	hub           *Hub
	presence      Presence
	conversations ConversationCreator
	messages      MessageSender
	users         domain.UserDirectory
	opts          Options
	upgrader      websocket.Upgrader
	active        sync.WaitGroup
}

func NewGateway(
	baseCtx context.Context,
	hub *Hub,
	presence Presence,
	conversations ConversationCreator,
	messages MessageSender,
	users domain.UserDirectory,
	opts Options,
) *Gateway {
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = defaultHandlerTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	return &Gateway{
		baseCtx:       baseCtx,
		hub:           hub,
		presence:      presence,
		conversations: conversations,
		messages:      messages,
		users:         users,
		opts:          opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     makeCheckOrigin(opts.AllowedOrigins),
		},
	}
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimRight(strings.TrimSpace(strings.ToLower(origin)), "/")
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

// makeCheckOrigin allows the configured origins, or any origin when "*" is
// listed. With no configuration only same-host and non-browser clients pass.
func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)
	if _, wildcard := allowed["*"]; wildcard {
		return func(*http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		normalized := fmt.Sprintf("%s://%s", u.Scheme, u.Host)
		_, ok := allowed[normalized]
		return ok
	}
}

// Handler returns the HTTP handler for the socket endpoint.
func (g *Gateway) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug().Err(err).Str("component", "ws").Msg("upgrade failed")
			return
		}

		g.active.Add(1)
		defer g.active.Done()

		c := newClient(conn)
		if !g.hub.Register(c) {
			c.Close(websocket.CloseGoingAway, "server shutting down")
			return
		}
		c.start()

		logger := log.With().Str("component", "ws").Str("conn", c.ID).Logger()
		logger.Debug().Str("remote", r.RemoteAddr).Msg("connected")

		defer g.disconnect(c, logger)
		g.readLoop(c, logger)
	}
}

// Wait blocks until every connection handler has finished its disconnect
// bookkeeping, or ctx expires. Close the hub first.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) readLoop(c *Client, logger zerolog.Logger) {
	c.conn.SetReadLimit(g.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.replyError(c, "", fmt.Errorf("%w: malformed frame", domain.ErrInvalidInput))
			continue
		}
		g.dispatch(c, frame, logger)
	}
}

func (g *Gateway) dispatch(c *Client, frame inboundFrame, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(g.baseCtx, g.opts.HandlerTimeout)
	defer cancel()

	switch frame.Event {
	case EventIdentify:
		g.handleIdentify(ctx, c, frame, logger)
	case EventJoinConversation:
		g.handleJoinConversation(c, frame, logger)
	case EventLeaveConversation:
		g.handleLeaveConversation(c, frame)
	case EventGetOnlineUsers:
		g.handleGetOnlineUsers(ctx, c, frame)
	case EventCheckUserOnline:
		g.handleCheckUserOnline(ctx, c, frame)
	case EventHeartbeat:
		g.handleHeartbeat(ctx, c, logger)
	case EventCreateConversation:
		g.handleCreateConversation(ctx, c, frame, logger)
	case EventSendMessage:
		g.handleSendMessage(ctx, c, frame, logger)
	case EventTyping:
		g.handleTyping(ctx, c, frame)
	default:
		g.replyError(c, frame.Event, fmt.Errorf("%w: unknown event %q", domain.ErrInvalidInput, frame.Event))
	}
}

func (g *Gateway) handleIdentify(ctx context.Context, c *Client, frame inboundFrame, logger zerolog.Logger) {
	var p identifyPayload
	if err := decodeData(frame.Data, &p); err != nil || p.UserID <= 0 {
		logger.Debug().Msg("identify without userId ignored")
		return
	}
	userID := int64(p.UserID)

	if prev := c.identify(userID); prev > 0 && prev != userID {
		g.hub.Leave(UserRoom(prev), c)
		g.markOffline(ctx, c, prev, logger)
	}
	g.hub.Join(UserRoom(userID), c)

	profile := g.profileFor(ctx, userID, p)
	if err := g.presence.SetOnline(ctx, userID, c.ID, profile); err != nil {
		// Others are not told about a user the store cannot report as online.
		logger.Warn().Err(err).Int64("user", userID).Msg("set online failed, continuing without presence")
	} else {
		evt := presenceEvent{UserID: userID}
		if profile != nil {
			evt.Name, evt.Avatar = profile.Name, profile.Avatar
		}
		g.hub.EmitAll(ctx, EventUserOnline, evt, c)
	}
	g.sendTo(c, EventOnlineUsers, g.presence.OnlineUsersWithProfile(ctx, userID))
	logger.Info().Int64("user", userID).Msg("identified")
}

// profileFor prefers the snapshot sent by the client and falls back to the
// directory.
func (g *Gateway) profileFor(ctx context.Context, userID int64, p identifyPayload) *domain.Profile {
	if p.Name != "" {
		return &domain.Profile{Name: p.Name, Avatar: p.Avatar}
	}
	if g.users == nil {
		return nil
	}
	u, err := g.users.GetByID(ctx, userID)
	if err != nil || u == nil {
		return nil
	}
	profile := &domain.Profile{Name: u.DisplayName()}
	if u.AvatarURL != nil {
		profile.Avatar = *u.AvatarURL
	}
	return profile
}

func (g *Gateway) handleJoinConversation(c *Client, frame inboundFrame, logger zerolog.Logger) {
	var p conversationPayload
	if err := decodeData(frame.Data, &p); err != nil || p.ConversationID <= 0 {
		logger.Debug().Msg("join_conversation without conversationId ignored")
		g.ack(c, frame, failure(errMissingConversationID))
		return
	}
	g.hub.Join(ConversationRoom(int64(p.ConversationID)), c)
	c.enterConversation(int64(p.ConversationID))
	g.ack(c, frame, okResult())
}

func (g *Gateway) handleLeaveConversation(c *Client, frame inboundFrame) {
	var p conversationPayload
	if err := decodeData(frame.Data, &p); err != nil || p.ConversationID <= 0 {
		g.ack(c, frame, failure(errMissingConversationID))
		return
	}
	g.hub.Leave(ConversationRoom(int64(p.ConversationID)), c)
	c.leaveConversation(int64(p.ConversationID))
	g.ack(c, frame, okResult())
}

func (g *Gateway) handleGetOnlineUsers(ctx context.Context, c *Client, frame inboundFrame) {
	var p onlineUsersPayload
	_ = decodeData(frame.Data, &p)
	exclude := int64(p.ExcludeUserID)
	if exclude <= 0 {
		exclude = c.UserID()
	}
	g.sendTo(c, EventOnlineUsers, g.presence.OnlineUsersWithProfile(ctx, exclude))
}

func (g *Gateway) handleCheckUserOnline(ctx context.Context, c *Client, frame inboundFrame) {
	var p checkOnlinePayload
	if err := decodeData(frame.Data, &p); err != nil || p.TargetUserID <= 0 {
		g.sendTo(c, EventUserStatus, userStatusEvent{Success: false, Error: "targetUserId is required"})
		return
	}
	target := int64(p.TargetUserID)
	g.sendTo(c, EventUserStatus, userStatusEvent{
		Success: true,
		UserID:  target,
		Online:  g.presence.IsOnline(ctx, target),
	})
}

func (g *Gateway) handleHeartbeat(ctx context.Context, c *Client, logger zerolog.Logger) {
	userID := c.UserID()
	if userID <= 0 {
		return
	}
	if err := g.presence.Refresh(ctx, userID, c.ID); err != nil {
		logger.Warn().Err(err).Int64("user", userID).Msg("heartbeat refresh failed")
	}
}

func (g *Gateway) handleCreateConversation(ctx context.Context, c *Client, frame inboundFrame, logger zerolog.Logger) {
	var p createConversationPayload
	if err := decodeData(frame.Data, &p); err != nil {
		g.respond(c, frame, failure(err))
		return
	}
	if p.UserA <= 0 || p.UserB <= 0 {
		g.respond(c, frame, failure(fmt.Errorf("%w: userA and userB are required", domain.ErrInvalidInput)))
		return
	}

	conv, err := g.conversations.CreateOrGetConversation(ctx, int64(p.UserA), int64(p.UserB))
	if err != nil {
		logger.Warn().Err(err).Int64("userA", int64(p.UserA)).Int64("userB", int64(p.UserB)).Msg("create conversation failed")
		g.respond(c, frame, failure(err))
		return
	}

	g.hub.Emit(ctx, UserRoom(conv.User1ID), EventConversationCreated, conv, nil)
	g.hub.Emit(ctx, UserRoom(conv.User2ID), EventConversationCreated, conv, nil)
	g.respond(c, frame, conversationResult(conv))
}

func (g *Gateway) handleSendMessage(ctx context.Context, c *Client, frame inboundFrame, logger zerolog.Logger) {
	var p sendMessagePayload
	if err := decodeData(frame.Data, &p); err != nil {
		g.respond(c, frame, failure(err))
		return
	}
	if identified := c.UserID(); identified > 0 && p.SenderID > 0 && int64(p.SenderID) != identified {
		g.respond(c, frame, failure(fmt.Errorf("%w: senderId does not match the identified user", domain.ErrUnauthorized)))
		return
	}

	msg, err := g.messages.SendMessage(ctx, service.SendMessageInput{
		ConversationID: int64(p.ConversationID),
		SenderID:       int64(p.SenderID),
		Content:        p.Content,
		MediaURL:       p.MediaURL,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidInput) && !errors.Is(err, domain.ErrNotParticipant) {
			logger.Warn().Err(err).Int64("conversation", int64(p.ConversationID)).Msg("send message failed")
		}
		g.respond(c, frame, failure(err))
		return
	}

	// persisted; safe to fan out
	g.hub.Emit(ctx, ConversationRoom(msg.ConversationID), EventNewMessage, msg, nil)
	g.respond(c, frame, messageResult(msg))
}

func (g *Gateway) handleTyping(ctx context.Context, c *Client, frame inboundFrame) {
	userID := c.UserID()
	if userID <= 0 {
		return
	}
	var p typingPayload
	if err := decodeData(frame.Data, &p); err != nil || p.ConversationID <= 0 {
		return
	}
	g.hub.Emit(ctx, ConversationRoom(int64(p.ConversationID)), EventTyping, typingEvent{
		ConversationID: int64(p.ConversationID),
		UserID:         userID,
		IsTyping:       p.IsTyping,
	}, c)
}

func (g *Gateway) disconnect(c *Client, logger zerolog.Logger) {
	g.hub.Unregister(c)
	c.Close(websocket.CloseNormalClosure, "")
	c.markDisconnected()

	userID := c.UserID()
	if userID <= 0 {
		logger.Debug().Msg("anonymous connection closed")
		return
	}

	ctx, cancel := context.WithTimeout(g.baseCtx, g.opts.HandlerTimeout)
	defer cancel()
	g.markOffline(ctx, c, userID, logger)
}

// markOffline drops c's presence record for userID and announces the user as
// offline once no connection of theirs is left. When the store cannot
// answer, local room membership decides.
func (g *Gateway) markOffline(ctx context.Context, c *Client, userID int64, logger zerolog.Logger) {
	stillOnline, err := g.presence.SetOffline(ctx, userID, c.ID)
	if err != nil {
		logger.Warn().Err(err).Int64("user", userID).Msg("set offline failed")
		stillOnline = g.hub.RoomSize(UserRoom(userID)) > 0
	}
	if stillOnline {
		logger.Debug().Int64("user", userID).Msg("connection closed, user still online")
		return
	}
	g.hub.EmitAll(ctx, EventUserOffline, presenceEvent{UserID: userID}, c)
	logger.Info().Int64("user", userID).Msg("user offline")
}

func (g *Gateway) sendTo(c *Client, event string, data any) {
	payload, err := encodeFrame(event, data)
	if err != nil {
		log.Error().Err(err).Str("component", "ws").Str("event", event).Msg("encode frame")
		return
	}
	_ = c.Send(payload)
}

// ack answers a request that carried an ack id. Requests without one get
// nothing back.
func (g *Gateway) ack(c *Client, frame inboundFrame, res Result) {
	if frame.Ack == nil {
		return
	}
	payload, err := encodeAck(*frame.Ack, res)
	if err != nil {
		log.Error().Err(err).Str("component", "ws").Msg("encode ack")
		return
	}
	_ = c.Send(payload)
}

// respond acks res, or reports a failure as an error event when the client
// did not ask for an ack.
func (g *Gateway) respond(c *Client, frame inboundFrame, res Result) {
	if frame.Ack != nil {
		g.ack(c, frame, res)
		return
	}
	if !res.Success {
		g.sendTo(c, EventError, errorEvent{Event: frame.Event, Error: res.Error})
	}
}

func (g *Gateway) replyError(c *Client, event string, err error) {
	g.sendTo(c, EventError, errorEvent{Event: event, Error: describeError(err)})
}
