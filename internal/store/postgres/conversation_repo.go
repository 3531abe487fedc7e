package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"asyv_realtime/internal/domain"
)

type ConversationRepo struct {
	db *sql.DB
}

func NewConversationRepo(db *sql.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

var _ domain.ConversationRepository = (*ConversationRepo)(nil)

func (r *ConversationRepo) FindByPair(ctx context.Context, userA, userB int64) (*domain.Conversation, error) {
	lo, hi := domain.CanonicalPair(userA, userB)
	c := &domain.Conversation{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user1_id, user2_id, created_at
		FROM private_conversation
		WHERE LEAST(user1_id, user2_id) = $1 AND GREATEST(user1_id, user2_id) = $2
		ORDER BY id ASC
		LIMIT 1
	`, lo, hi).Scan(&c.ID, &c.User1ID, &c.User2ID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation by pair: %w", err)
	}
	return c, nil
}

func (r *ConversationRepo) CreatePair(ctx context.Context, userA, userB int64) (*domain.Conversation, error) {
	lo, hi := domain.CanonicalPair(userA, userB)
	c := &domain.Conversation{}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO private_conversation (user1_id, user2_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT DO NOTHING
		RETURNING id, user1_id, user2_id, created_at
	`, lo, hi).Scan(&c.ID, &c.User1ID, &c.User2ID, &c.CreatedAt)
	if err == nil {
		return c, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	// Lost the race: another caller inserted the pair first.
	existing, err := r.FindByPair(ctx, lo, hi)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("conversation %d/%d missing after conflict", lo, hi)
	}
	return existing, nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, id int64) (*domain.Conversation, error) {
	c := &domain.Conversation{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user1_id, user2_id, created_at
		FROM private_conversation WHERE id = $1
	`, id).Scan(&c.ID, &c.User1ID, &c.User2ID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (r *ConversationRepo) ListForUser(ctx context.Context, userID int64) ([]*domain.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user1_id, user2_id, created_at
		FROM private_conversation
		WHERE user1_id = $1 OR user2_id = $1
		ORDER BY created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var res []*domain.Conversation
	for rows.Next() {
		c := &domain.Conversation{}
		if err := rows.Scan(&c.ID, &c.User1ID, &c.User2ID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
