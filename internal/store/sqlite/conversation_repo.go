package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"asyv_realtime/internal/domain"
)

type ConversationRepo struct {
	db *sql.DB
}

func NewConversationRepo(db *sql.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

var _ domain.ConversationRepository = (*ConversationRepo)(nil)

const conversationColumns = `id, user1_id, user2_id, created_at`

func (r *ConversationRepo) FindByPair(ctx context.Context, userA, userB int64) (*domain.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM private_conversation
		WHERE (user1_id = ? AND user2_id = ?) OR (user1_id = ? AND user2_id = ?)
		ORDER BY id ASC
		LIMIT 1
	`
	return r.scanOne(ctx, query, userA, userB, userB, userA)
}

func (r *ConversationRepo) CreatePair(ctx context.Context, userA, userB int64) (*domain.Conversation, error) {
	lo, hi := domain.CanonicalPair(userA, userB)
	// The unique pair index turns a concurrent duplicate into a no-op.
	if _, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO private_conversation (user1_id, user2_id, created_at)
		VALUES (?, ?, ?)
	`, lo, hi, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	c, err := r.FindByPair(ctx, lo, hi)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errors.New("conversation missing after insert")
	}
	return c, nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, id int64) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM private_conversation WHERE id = ?`
	return r.scanOne(ctx, query, id)
}

func (r *ConversationRepo) ListForUser(ctx context.Context, userID int64) ([]*domain.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM private_conversation
		WHERE user1_id = ? OR user2_id = ?
		ORDER BY created_at DESC, id DESC
	`
	rows, err := r.db.QueryContext(ctx, query, userID, userID)
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

func (r *ConversationRepo) scanOne(ctx context.Context, query string, args ...any) (*domain.Conversation, error) {
	c := &domain.Conversation{}
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&c.ID, &c.User1ID, &c.User2ID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}
