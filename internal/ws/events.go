package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"asyv_realtime/internal/domain"
)

// Inbound events.
const (
	EventIdentify           = "identify"
	EventJoinConversation   = "join_conversation"
	EventLeaveConversation  = "leave_conversation"
	EventGetOnlineUsers     = "get_online_users"
	EventCheckUserOnline    = "check_user_online"
	EventHeartbeat          = "heartbeat"
	EventCreateConversation = "create_conversation"
	EventSendMessage        = "send_message"
	EventTyping             = "typing"
)

// Outbound events.
const (
	EventOnlineUsers         = "online_users"
	EventUserOnline          = "user_online"
	EventUserOffline         = "user_offline"
	EventUserStatus          = "user_status"
	EventConversationCreated = "conversation_created"
	EventNewMessage          = "new_message"
	EventError               = "error"
	EventAck                 = "ack"
)

type inboundFrame struct {
	Event string          `json:"event"`
	Ack   *int64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outboundFrame struct {
	Event string `json:"event"`
	Ack   *int64 `json:"ack,omitempty"`
	Data  any    `json:"data,omitempty"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	return json.Marshal(outboundFrame{Event: event, Data: data})
}

func encodeAck(id int64, res Result) ([]byte, error) {
	return json.Marshal(outboundFrame{Event: EventAck, Ack: &id, Data: res})
}

// decodeData unmarshals an event payload. A missing payload leaves dst zero.
func decodeData(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: malformed payload", domain.ErrInvalidInput)
	}
	return nil
}

// ID accepts both JSON numbers and numeric strings. Browsers send either.
type ID int64

func (id *ID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*id = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*id = 0
			return nil
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", s)
		}
		*id = ID(v)
		return nil
	}
	var v int64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*id = ID(v)
	return nil
}

type identifyPayload struct {
	UserID ID     `json:"userId"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

type conversationPayload struct {
	ConversationID ID `json:"conversationId"`
}

type onlineUsersPayload struct {
	ExcludeUserID ID `json:"excludeUserId"`
}

type checkOnlinePayload struct {
	TargetUserID ID `json:"targetUserId"`
}

type createConversationPayload struct {
	UserA ID `json:"userA"`
	UserB ID `json:"userB"`
}

type sendMessagePayload struct {
	ConversationID ID      `json:"conversationId"`
	SenderID       ID      `json:"senderId"`
	Content        *string `json:"content"`
	MediaURL       *string `json:"mediaUrl"`
}

type typingPayload struct {
	ConversationID ID   `json:"conversationId"`
	IsTyping       bool `json:"isTyping"`
}

type presenceEvent struct {
	UserID int64  `json:"userId"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

type userStatusEvent struct {
	Success bool   `json:"success"`
	UserID  int64  `json:"userId,omitempty"`
	Online  bool   `json:"online"`
	Error   string `json:"error,omitempty"`
}

type typingEvent struct {
	ConversationID int64 `json:"conversationId"`
	UserID         int64 `json:"userId"`
	IsTyping       bool  `json:"isTyping"`
}

type errorEvent struct {
	Event string `json:"event,omitempty"`
	Error string `json:"error"`
}

// Result is the acknowledgement body of every request/response event.
// Exactly one of Error or the payload fields is meaningful, selected by
// Success.
type Result struct {
	Success      bool                 `json:"success"`
	Error        string               `json:"error,omitempty"`
	Conversation *domain.Conversation `json:"conversation,omitempty"`
	Message      *domain.Message      `json:"message,omitempty"`
}

func okResult() Result { return Result{Success: true} }

func conversationResult(c *domain.Conversation) Result {
	return Result{Success: true, Conversation: c}
}

func messageResult(m *domain.Message) Result {
	return Result{Success: true, Message: m}
}

func failure(err error) Result {
	return Result{Success: false, Error: describeError(err)}
}

// describeError maps an error to the text sent to the client. Persistence
// and store internals are not leaked.
func describeError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrNotParticipant):
		return domain.ErrNotParticipant.Error()
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrUnauthorized):
		return err.Error()
	case errors.Is(err, domain.ErrPersistence):
		return "failed to save, please retry"
	case errors.Is(err, domain.ErrStoreUnavailable):
		return "presence is temporarily unavailable"
	default:
		return "internal error"
	}
}
