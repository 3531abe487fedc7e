package domain

import (
	"context"
)

// UserDirectory is the read-only view of the external user directory.
type UserDirectory interface {
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByIDs(ctx context.Context, ids []int64) ([]*User, error)
}

// ConversationRepository defines persistence operations for private conversations.
type ConversationRepository interface {
	// FindByPair returns the conversation for the unordered pair, or nil.
	FindByPair(ctx context.Context, userA, userB int64) (*Conversation, error)
	// CreatePair inserts the canonicalized pair if absent and returns the
	// stored row. Concurrent callers for one pair observe the same row.
	CreatePair(ctx context.Context, userA, userB int64) (*Conversation, error)
	GetByID(ctx context.Context, id int64) (*Conversation, error)
	ListForUser(ctx context.Context, userID int64) ([]*Conversation, error)
}

// MessageRepository defines persistence operations for private messages.
type MessageRepository interface {
	Create(ctx context.Context, m *Message) error
	ListForConversation(ctx context.Context, conversationID int64, limit int) ([]*Message, error)
}

// ParticipantRepository answers membership questions for conversations.
type ParticipantRepository interface {
	IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error)
}
