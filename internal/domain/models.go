package domain

import (
	"strings"
	"time"
)

// User is a directory record owned by the external relational store.
type User struct {
	ID        int64   `db:"id" json:"id"`
	FirstName *string `db:"first_name" json:"firstName,omitempty"`
	LastName  *string `db:"last_name" json:"lastName,omitempty"`
	Username  string  `db:"username" json:"username"`
	Email     *string `db:"email" json:"email,omitempty"`
	AvatarURL *string `db:"avatar_url" json:"avatarUrl,omitempty"`
}

// DisplayName joins the name parts, falling back to the username.
func (u *User) DisplayName() string {
	var parts []string
	if u.FirstName != nil && strings.TrimSpace(*u.FirstName) != "" {
		parts = append(parts, strings.TrimSpace(*u.FirstName))
	}
	if u.LastName != nil && strings.TrimSpace(*u.LastName) != "" {
		parts = append(parts, strings.TrimSpace(*u.LastName))
	}
	if len(parts) == 0 {
		return u.Username
	}
	return strings.Join(parts, " ")
}

// Profile is the display snapshot cached alongside a presence record.
type Profile struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// ProfileView is a display-ready online user.
type ProfileView struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Status   string `json:"status"`
}

// Conversation is a private two-party conversation. User1ID < User2ID for
// every row written by this service; older rows may be stored in either order.
type Conversation struct {
	ID        int64     `db:"id" json:"id"`
	User1ID   int64     `db:"user1_id" json:"user1Id"`
	User2ID   int64     `db:"user2_id" json:"user2Id"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID int64) bool {
	return c.User1ID == userID || c.User2ID == userID
}

// Peer returns the other participant.
func (c *Conversation) Peer(userID int64) int64 {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}

// Message is a single private message. Immutable once persisted.
type Message struct {
	ID             int64     `db:"id" json:"id"`
	ConversationID int64     `db:"conversation_id" json:"conversationId"`
	SenderID       int64     `db:"sender_id" json:"senderId"`
	Content        *string   `db:"content" json:"content"`
	MediaURL       *string   `db:"media_url" json:"mediaUrl"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

// CanonicalPair orders two user ids so both orderings map to the same key.
func CanonicalPair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}
