package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lipcall/lipcall/internal/entity"
)

type sqliteConnector struct {
	db *gorm.DB
}

func (c *sqliteConnector) DB(ctx context.Context) *gorm.DB { return c.db.WithContext(ctx) }
func (c *sqliteConnector) Close() error                    { return nil }

func newTestConnector(t *testing.T) *sqliteConnector {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	connector := &sqliteConnector{db: db}
	require.NoError(t, Migrate(context.Background(), connector))
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		require.NoError(t, err)
		_ = sqlDB.Close()
	})
	return connector
}

func mustCreateUser(t *testing.T, users Users, username string) *entity.User {
	t.Helper()
	user := &entity.User{
		Username:     username,
		PasswordHash: "$2a$12$placeholderplaceholderplace",
		DisplayName:  "Test User",
	}
	require.NoError(t, users.Create(context.Background(), user))
	return user
}

func TestUserStoreCreateAndGet(t *testing.T) {
	connector := newTestConnector(t)
	users := NewUserStore(connector)
	ctx := context.Background()

	created := mustCreateUser(t, users, "alice")
	require.NotEmpty(t, created.ID)

	byID, err := users.GetByID(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "alice", byID.Username)

	byName, err := users.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, created.ID, byName.ID)

	_, err = users.GetByUsername(ctx, "nobody")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUserStoreDuplicateUsername(t *testing.T) {
	connector := newTestConnector(t)
	users := NewUserStore(connector)

	mustCreateUser(t, users, "alice")
	err := users.Create(context.Background(), &entity.User{
		Username:     "alice",
		PasswordHash: "hash",
		DisplayName:  "Other",
	})
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestUserStoreContacts(t *testing.T) {
	connector := newTestConnector(t)
	users := NewUserStore(connector)
	ctx := context.Background()

	alice := mustCreateUser(t, users, "alice")
	bob := mustCreateUser(t, users, "bob")
	carol := mustCreateUser(t, users, "carol")

	require.NoError(t, users.AddContact(ctx, alice.ID, carol.ID))
	require.NoError(t, users.AddContact(ctx, alice.ID, bob.ID))
	// Re-adding an existing contact must not fail.
	require.NoError(t, users.AddContact(ctx, alice.ID, bob.ID))

	contacts, err := users.Contacts(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	require.Equal(t, "bob", contacts[0].Username)
	require.Equal(t, "carol", contacts[1].Username)

	// Contact links are directional.
	bobContacts, err := users.Contacts(ctx, bob.ID)
	require.NoError(t, err)
	require.Empty(t, bobContacts)
}

func TestRefreshTokenStoreLifecycle(t *testing.T) {
	connector := newTestConnector(t)
	tokens := NewRefreshTokenStore(connector)
	ctx := context.Background()
	now := time.Now().UTC()

	token := &entity.RefreshToken{
		JTI:       "jti-1",
		UserID:    "user-1",
		TokenHash: "hash-1",
		ExpiresAt: now.Add(24 * time.Hour),
		CreatedAt: now,
	}
	require.NoError(t, tokens.Save(ctx, token))

	found, err := tokens.FindValid(ctx, "jti-1", now)
	require.NoError(t, err)
	require.Equal(t, "user-1", found.UserID)

	// Expired tokens are not valid.
	_, err = tokens.FindValid(ctx, "jti-1", now.Add(48*time.Hour))
	require.ErrorIs(t, err, ErrNotFound)

	replacedBy := "jti-2"
	require.NoError(t, tokens.Revoke(ctx, "jti-1", "rotated", &replacedBy, now))
	_, err = tokens.FindValid(ctx, "jti-1", now)
	require.ErrorIs(t, err, ErrNotFound)

	// Revoking twice reports not found; the first revocation already won.
	err = tokens.Revoke(ctx, "jti-1", "reuse", nil, now)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRefreshTokenStoreRevokePreviousForUser(t *testing.T) {
	connector := newTestConnector(t)
	tokens := NewRefreshTokenStore(connector)
	ctx := context.Background()
	now := time.Now().UTC()

	err := tokens.RevokePreviousForUser(ctx, "user-1", "jti-new", now)
	require.ErrorIs(t, err, ErrNotFound)

	older := &entity.RefreshToken{
		JTI: "jti-old", UserID: "user-1", TokenHash: "h1",
		ExpiresAt: now.Add(24 * time.Hour), CreatedAt: now.Add(-2 * time.Hour),
	}
	newer := &entity.RefreshToken{
		JTI: "jti-mid", UserID: "user-1", TokenHash: "h2",
		ExpiresAt: now.Add(24 * time.Hour), CreatedAt: now.Add(-1 * time.Hour),
	}
	require.NoError(t, tokens.Save(ctx, older))
	require.NoError(t, tokens.Save(ctx, newer))

	require.NoError(t, tokens.RevokePreviousForUser(ctx, "user-1", "jti-new", now))

	// Only the newest unrevoked token is rotated out.
	_, err = tokens.FindValid(ctx, "jti-mid", now)
	require.ErrorIs(t, err, ErrNotFound)
	stillValid, err := tokens.FindValid(ctx, "jti-old", now)
	require.NoError(t, err)
	require.Equal(t, "jti-old", stillValid.JTI)
}

func TestCallStoreLifecycle(t *testing.T) {
	connector := newTestConnector(t)
	calls := NewCallStore(connector)
	ctx := context.Background()
	started := time.Now().UTC().Truncate(time.Second)

	call, err := calls.Start(ctx, "caller-1", "callee-1", started)
	require.NoError(t, err)
	require.NotEmpty(t, call.ID)
	require.Nil(t, call.EndedAt)

	require.NoError(t, calls.AppendLine(ctx, &entity.TranscriptLine{
		CallID: call.ID, T: started.Add(time.Second),
		SpeakerID: "caller-1", Text: "hello there", Source: entity.SourceLip,
	}))
	require.NoError(t, calls.AppendLine(ctx, &entity.TranscriptLine{
		CallID: call.ID, T: started.Add(2 * time.Second),
		SpeakerID: "callee-1", Text: "hi", Source: entity.SourceVosk,
	}))

	ended := started.Add(90 * time.Second)
	require.NoError(t, calls.Finish(ctx, call.ID, ended))
	// Finishing again keeps the first end time.
	require.NoError(t, calls.Finish(ctx, call.ID, ended.Add(time.Hour)))

	history, err := calls.History(ctx, "caller-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].EndedAt)
	require.NotNil(t, history[0].DurationSeconds)
	require.InDelta(t, 90.0, *history[0].DurationSeconds, 0.001)
	require.Empty(t, history[0].Transcripts)

	lines, err := calls.Transcript(ctx, call.ID)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Equal(t, "hello there", lines[0].Text)
	require.Equal(t, entity.SourceVosk, lines[1].Source)
}

func TestCallStoreHistoryOrderAndLimit(t *testing.T) {
	connector := newTestConnector(t)
	calls := NewCallStore(connector)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		_, err := calls.Start(ctx, "alice", "bob", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}
	_, err := calls.Start(ctx, "carol", "dave", base)
	require.NoError(t, err)

	history, err := calls.History(ctx, "bob", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.True(t, history[0].StartedAt.After(history[1].StartedAt))

	require.ErrorIs(t, calls.Finish(ctx, "missing-call", time.Now()), ErrNotFound)
}
