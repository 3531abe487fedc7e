package postgres

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open opens a PostgreSQL database using the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL for the tables this service reads and writes.
// The pair index is what makes concurrent conversation creation safe, so it is
// applied even when the tables already exist.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id          BIGSERIAL    PRIMARY KEY,
			first_name  VARCHAR(100),
			last_name   VARCHAR(100),
			username    VARCHAR(50)  UNIQUE NOT NULL,
			email       VARCHAR(100) UNIQUE,
			avatar_url  TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS private_conversation (
			id         BIGSERIAL   PRIMARY KEY,
			user1_id   BIGINT      NOT NULL,
			user2_id   BIGINT      NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (user1_id <> user2_id)
		)`,

		`CREATE TABLE IF NOT EXISTS private_message (
			id              BIGSERIAL   PRIMARY KEY,
			conversation_id BIGINT      NOT NULL REFERENCES private_conversation(id),
			sender_id       BIGINT      NOT NULL,
			content         TEXT,
			media_url       TEXT,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (content IS NOT NULL OR media_url IS NOT NULL)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_private_conversation_user1 ON private_conversation(user1_id)`,
		`CREATE INDEX IF NOT EXISTS idx_private_conversation_user2 ON private_conversation(user2_id)`,
		`CREATE INDEX IF NOT EXISTS idx_private_message_conv ON private_message(conversation_id, created_at DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w\nSQL: %s", err, stmt)
		}
	}
	return ensurePairIndex(db)
}

// ensurePairIndex folds conversations that share an unordered pair into the
// lowest id and builds the pair index in the same transaction. Rows written
// before the index existed may hold both orderings of one pair.
func ensurePairIndex(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("pair index: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`LOCK TABLE private_conversation IN SHARE ROW EXCLUSIVE MODE`,
		`UPDATE private_message m
		SET conversation_id = k.keep_id
		FROM (
			SELECT id, MIN(id) OVER (PARTITION BY LEAST(user1_id, user2_id), GREATEST(user1_id, user2_id)) AS keep_id
			FROM private_conversation
		) k
		WHERE m.conversation_id = k.id AND k.id <> k.keep_id`,
		`DELETE FROM private_conversation
		WHERE id IN (
			SELECT id FROM (
				SELECT id, MIN(id) OVER (PARTITION BY LEAST(user1_id, user2_id), GREATEST(user1_id, user2_id)) AS keep_id
				FROM private_conversation
			) k
			WHERE id <> keep_id
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_private_conversation_pair
			ON private_conversation (LEAST(user1_id, user2_id), GREATEST(user1_id, user2_id))`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("pair index: %w\nSQL: %s", err, stmt)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pair index: %w", err)
	}
	return nil
}
