package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Open opens a SQLite database with the given DSN.
func Open(dsn string) (*sql.DB, error) {
	if !strings.Contains(dsn, "_pragma=busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

// Migrate creates the directory, conversation and message tables when they
// are missing. Production schemas are owned elsewhere; this keeps local and
// test databases compatible with them.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY,
			first_name VARCHAR(100),
			last_name VARCHAR(100),
			username VARCHAR(50) UNIQUE NOT NULL,
			email VARCHAR(100) UNIQUE,
			avatar_url TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS private_conversation (
			id INTEGER PRIMARY KEY,
			user1_id INTEGER NOT NULL,
			user2_id INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			CHECK (user1_id <> user2_id)
		);`,
		`CREATE TABLE IF NOT EXISTS private_message (
			id INTEGER PRIMARY KEY,
			conversation_id INTEGER NOT NULL,
			sender_id INTEGER NOT NULL,
			content TEXT,
			media_url TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			CHECK (content IS NOT NULL OR media_url IS NOT NULL),
			FOREIGN KEY (conversation_id) REFERENCES private_conversation(id)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	if err := mergeDuplicatePairs(db); err != nil {
		return err
	}

	indexes := []string{
		// one conversation per unordered pair
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_private_conversation_pair
			ON private_conversation (min(user1_id, user2_id), max(user1_id, user2_id));`,
		`CREATE INDEX IF NOT EXISTS idx_private_conversation_user1 ON private_conversation(user1_id);`,
		`CREATE INDEX IF NOT EXISTS idx_private_conversation_user2 ON private_conversation(user2_id);`,
		`CREATE INDEX IF NOT EXISTS idx_private_message_conv ON private_message(conversation_id, id DESC);`,
	}
	for _, stmt := range indexes {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	return nil
}

// mergeDuplicatePairs folds conversations that share an unordered pair into
// the lowest id, moving their messages along, so the pair index can be built
// over rows written before it existed.
func mergeDuplicatePairs(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("merge duplicate pairs: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		UPDATE private_message
		SET conversation_id = k.keep_id
		FROM (
			SELECT id, MIN(id) OVER (PARTITION BY min(user1_id, user2_id), max(user1_id, user2_id)) AS keep_id
			FROM private_conversation
		) AS k
		WHERE private_message.conversation_id = k.id AND k.id <> k.keep_id;
	`); err != nil {
		return fmt.Errorf("merge duplicate pairs: repoint messages: %w", err)
	}
	if _, err := tx.Exec(`
		DELETE FROM private_conversation
		WHERE id IN (
			SELECT id FROM (
				SELECT id, MIN(id) OVER (PARTITION BY min(user1_id, user2_id), max(user1_id, user2_id)) AS keep_id
				FROM private_conversation
			) AS k
			WHERE id <> keep_id
		);
	`); err != nil {
		return fmt.Errorf("merge duplicate pairs: delete extras: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("merge duplicate pairs: %w", err)
	}
	return nil
}
