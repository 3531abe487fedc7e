package service

import (
	"context"
	"fmt"

	"asyv_realtime/internal/domain"
)

type ConversationService struct {
	conversations domain.ConversationRepository
	users         domain.UserDirectory
}

func NewConversationService(
	conversations domain.ConversationRepository,
	users domain.UserDirectory,
) *ConversationService {
	return &ConversationService{
		conversations: conversations,
		users:         users,
	}
}

// CreateOrGetConversation returns the conversation for the unordered pair
// {userA, userB}, creating it when it does not exist yet. Both orderings
// resolve to the same conversation, and concurrent first-time callers are
// reconciled by the repository's pair uniqueness.
func (s *ConversationService) CreateOrGetConversation(ctx context.Context, userA, userB int64) (*domain.Conversation, error) {
	if userA <= 0 || userB <= 0 {
		return nil, fmt.Errorf("%w: userA and userB are required", domain.ErrInvalidInput)
	}
	if userA == userB {
		return nil, fmt.Errorf("%w: cannot start a conversation with yourself", domain.ErrInvalidInput)
	}
	lo, hi := domain.CanonicalPair(userA, userB)

	existing, err := s.conversations.FindByPair(ctx, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("%w: find conversation: %v", domain.ErrPersistence, err)
	}
	if existing != nil {
		return existing, nil
	}

	if s.users != nil {
		for _, id := range []int64{lo, hi} {
			u, err := s.users.GetByID(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("%w: lookup user %d: %v", domain.ErrPersistence, id, err)
			}
			if u == nil {
				return nil, fmt.Errorf("%w: user %d", domain.ErrNotFound, id)
			}
		}
	}

	conv, err := s.conversations.CreatePair(ctx, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("%w: create conversation: %v", domain.ErrPersistence, err)
	}
	return conv, nil
}

func (s *ConversationService) ListForUser(ctx context.Context, userID int64) ([]*domain.Conversation, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: userId is required", domain.ErrInvalidInput)
	}
	convs, err := s.conversations.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: list conversations: %v", domain.ErrPersistence, err)
	}
	return convs, nil
}

func (s *ConversationService) GetConversation(ctx context.Context, conversationID, userID int64) (*domain.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: get conversation: %v", domain.ErrPersistence, err)
	}
	if conv == nil {
		return nil, fmt.Errorf("%w: conversation %d", domain.ErrNotFound, conversationID)
	}
	if !conv.HasParticipant(userID) {
		return nil, domain.ErrNotParticipant
	}
	return conv, nil
}
