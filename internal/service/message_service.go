package service

import (
	"context"
	"fmt"
	"strings"

	"asyv_realtime/internal/domain"
)

const (
	maxContentRunes     = 5000
	defaultHistoryLimit = 200
)

type MessageService struct {
	conversations domain.ConversationRepository
	participants  domain.ParticipantRepository
	messages      domain.MessageRepository

	HistoryLimit int
}

func NewMessageService(
	conversations domain.ConversationRepository,
	participants domain.ParticipantRepository,
	messages domain.MessageRepository,
) *MessageService {
	return &MessageService{
		conversations: conversations,
		participants:  participants,
		messages:      messages,
		HistoryLimit:  defaultHistoryLimit,
	}
}

type SendMessageInput struct {
	ConversationID int64
	SenderID       int64
	Content        *string
	MediaURL       *string
}

// SendMessage persists a message after checking the sender is one of the
// conversation's participants. Nothing is written when any check fails.
func (s *MessageService) SendMessage(ctx context.Context, in SendMessageInput) (*domain.Message, error) {
	if in.ConversationID <= 0 || in.SenderID <= 0 {
		return nil, fmt.Errorf("%w: conversationId and senderId are required", domain.ErrInvalidInput)
	}
	content := normalize(in.Content)
	mediaURL := normalize(in.MediaURL)
	if content == nil && mediaURL == nil {
		return nil, fmt.Errorf("%w: content or mediaUrl is required", domain.ErrInvalidInput)
	}
	if content != nil && len([]rune(*content)) > maxContentRunes {
		return nil, fmt.Errorf("%w: content exceeds %d characters", domain.ErrInvalidInput, maxContentRunes)
	}

	conv, err := s.conversations.GetByID(ctx, in.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: get conversation: %v", domain.ErrPersistence, err)
	}
	if conv == nil {
		return nil, fmt.Errorf("%w: conversation %d", domain.ErrNotFound, in.ConversationID)
	}
	isParticipant, err := s.participants.IsParticipant(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return nil, fmt.Errorf("%w: check participant: %v", domain.ErrPersistence, err)
	}
	if !isParticipant {
		return nil, domain.ErrNotParticipant
	}

	msg := &domain.Message{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        content,
		MediaURL:       mediaURL,
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("%w: insert message: %v", domain.ErrPersistence, err)
	}
	return msg, nil
}

// ListMessages returns up to limit messages in chronological order.
func (s *MessageService) ListMessages(ctx context.Context, conversationID, userID int64, limit int) ([]*domain.Message, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: get conversation: %v", domain.ErrPersistence, err)
	}
	if conv == nil {
		return nil, fmt.Errorf("%w: conversation %d", domain.ErrNotFound, conversationID)
	}
	isParticipant, err := s.participants.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: check participant: %v", domain.ErrPersistence, err)
	}
	if !isParticipant {
		return nil, domain.ErrNotParticipant
	}

	if limit <= 0 || limit > s.HistoryLimit {
		limit = s.HistoryLimit
	}
	msgs, err := s.messages.ListForConversation(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list messages: %v", domain.ErrPersistence, err)
	}

	// Reverse to chronological order (DB returns DESC)
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func normalize(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
