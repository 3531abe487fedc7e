package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asyv_realtime/internal/domain"
	"asyv_realtime/internal/store/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, sqlite.Migrate(db))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func strPtr(s string) *string { return &s }

func TestConversationRepo_CreatePairIsOrderIndependent(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewConversationRepo(db)
	ctx := context.Background()

	first, err := repo.CreatePair(ctx, 7, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), first.User1ID)
	assert.Equal(t, int64(7), first.User2ID)

	second, err := repo.CreatePair(ctx, 3, 7)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	found, err := repo.FindByPair(ctx, 7, 3)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)
}

func TestConversationRepo_FindByPairMatchesLegacyOrder(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewConversationRepo(db)
	ctx := context.Background()

	_, err := db.Exec(`INSERT INTO private_conversation (user1_id, user2_id) VALUES (9, 4)`)
	require.NoError(t, err)

	found, err := repo.FindByPair(ctx, 4, 9)
	require.NoError(t, err)
	require.NotNil(t, found)

	again, err := repo.CreatePair(ctx, 4, 9)
	require.NoError(t, err)
	assert.Equal(t, found.ID, again.ID)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM private_conversation`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestConversationRepo_ConcurrentCreatePairYieldsOneRow(t *testing.T) {
	db := openTestDB(t)
	repo := sqlite.NewConversationRepo(db)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]int64, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := int64(1), int64(2)
			if i%2 == 1 {
				a, b = b, a
			}
			c, err := repo.CreatePair(ctx, a, b)
			if assert.NoError(t, err) {
				ids[i] = c.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM private_conversation`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestMigrate_MergesDuplicatePairs(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "legacy.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	for _, stmt := range []string{
		`CREATE TABLE private_conversation (
			id INTEGER PRIMARY KEY,
			user1_id INTEGER NOT NULL,
			user2_id INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE private_message (
			id INTEGER PRIMARY KEY,
			conversation_id INTEGER NOT NULL REFERENCES private_conversation(id),
			sender_id INTEGER NOT NULL,
			content TEXT,
			media_url TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`INSERT INTO private_conversation (id, user1_id, user2_id) VALUES (1, 1, 2), (2, 2, 1), (3, 3, 4)`,
		`INSERT INTO private_message (conversation_id, sender_id, content) VALUES (1, 1, 'first'), (2, 2, 'second'), (3, 3, 'other')`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	require.NoError(t, sqlite.Migrate(db))
	require.NoError(t, sqlite.Migrate(db))

	var ids []int64
	rows, err := db.Query(`SELECT id FROM private_conversation ORDER BY id`)
	require.NoError(t, err)
	for rows.Next() {
		var id int64
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())
	assert.Equal(t, []int64{1, 3}, ids)

	msgs, err := sqlite.NewMessageRepo(db).ListForConversation(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", *msgs[0].Content)
	assert.Equal(t, "first", *msgs[1].Content)

	conv, err := sqlite.NewConversationRepo(db).CreatePair(context.Background(), 2, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), conv.ID)
}

func TestParticipantAndMessageRepos(t *testing.T) {
	db := openTestDB(t)
	convs := sqlite.NewConversationRepo(db)
	parts := sqlite.NewParticipantRepo(db)
	msgs := sqlite.NewMessageRepo(db)
	ctx := context.Background()

	conv, err := convs.CreatePair(ctx, 1, 2)
	require.NoError(t, err)

	ok, err := parts.IsParticipant(ctx, conv.ID, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = parts.IsParticipant(ctx, conv.ID, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, text := range []string{"one", "two", "three"} {
		m := &domain.Message{ConversationID: conv.ID, SenderID: 1, Content: strPtr(text)}
		require.NoError(t, msgs.Create(ctx, m))
		assert.NotZero(t, m.ID)
		assert.False(t, m.CreatedAt.IsZero())
	}

	media := &domain.Message{ConversationID: conv.ID, SenderID: 2, MediaURL: strPtr("https://cdn.example/a.png")}
	require.NoError(t, msgs.Create(ctx, media))

	listed, err := msgs.ListForConversation(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, media.ID, listed[0].ID)
	assert.Nil(t, listed[0].Content)
	assert.Equal(t, "three", *listed[1].Content)

	mine, err := convs.ListForUser(ctx, 2)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, conv.ID, mine[0].ID)
}

func TestMessageRepo_RejectsEmptyMessage(t *testing.T) {
	db := openTestDB(t)
	convs := sqlite.NewConversationRepo(db)
	msgs := sqlite.NewMessageRepo(db)
	ctx := context.Background()

	conv, err := convs.CreatePair(ctx, 1, 2)
	require.NoError(t, err)
	err = msgs.Create(ctx, &domain.Message{ConversationID: conv.ID, SenderID: 1})
	assert.Error(t, err)
}

func TestUserRepo_GetByIDs(t *testing.T) {
	db := openTestDB(t)
	users := sqlite.NewUserRepo(db)
	ctx := context.Background()

	alice := &domain.User{FirstName: strPtr("Alice"), LastName: strPtr("Uwase"), Username: "alice"}
	bob := &domain.User{Username: "bob", AvatarURL: strPtr("/avatars/bob.png")}
	require.NoError(t, users.Create(ctx, alice))
	require.NoError(t, users.Create(ctx, bob))

	got, err := users.GetByIDs(ctx, []int64{bob.ID, alice.ID, 999})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Alice Uwase", got[0].DisplayName())
	assert.Equal(t, "bob", got[1].DisplayName())

	missing, err := users.GetByID(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}
