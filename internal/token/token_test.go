package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lipcall/lipcall/internal/repository"
	"github.com/lipcall/lipcall/pkg/commons"
)

type testConnector struct {
	db *gorm.DB
}

func (c *testConnector) DB(ctx context.Context) *gorm.DB { return c.db.WithContext(ctx) }
func (c *testConnector) Close() error                    { return nil }

func newTestService(t *testing.T, now *time.Time) (*Service, repository.RefreshTokens) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	connector := &testConnector{db: db}
	require.NoError(t, repository.Migrate(context.Background(), connector))

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)

	tokens := repository.NewRefreshTokenStore(connector)
	service := NewService(key, 15*time.Minute, 7*24*time.Hour, tokens, logger,
		WithClock(func() time.Time { return *now }))
	return service, tokens
}

func TestIssueAndVerifyAccess(t *testing.T) {
	now := time.Now().UTC()
	service, _ := newTestService(t, &now)

	access, err := service.IssueAccess("user-1")
	require.NoError(t, err)

	result := service.Verify(access, TypeAccess, "user-1")
	require.Equal(t, StatusValid, result.Status)
	require.Equal(t, "user-1", result.UserID)
	require.NotEmpty(t, result.JTI)

	// Wrong expected subject.
	result = service.Verify(access, TypeAccess, "user-2")
	require.Equal(t, StatusSubjectMismatch, result.Status)

	// An access token never passes as a refresh token.
	result = service.Verify(access, TypeRefresh, "")
	require.Equal(t, StatusInvalid, result.Status)
}

func TestVerifyMissingExpiredGarbage(t *testing.T) {
	now := time.Now().UTC()
	service, _ := newTestService(t, &now)

	require.Equal(t, StatusMissing, service.Verify("", TypeAccess, "").Status)
	require.Equal(t, StatusInvalid, service.Verify("not.a.jwt", TypeAccess, "").Status)

	access, err := service.IssueAccess("user-1")
	require.NoError(t, err)
	now = now.Add(16 * time.Minute)
	result := service.Verify(access, TypeAccess, "user-1")
	require.Equal(t, StatusExpired, result.Status)
	require.Equal(t, "user-1", result.UserID)
}

func TestRefreshAccess(t *testing.T) {
	now := time.Now().UTC()
	service, _ := newTestService(t, &now)
	ctx := context.Background()

	refresh, err := service.IssueRefresh(ctx, "user-1")
	require.NoError(t, err)

	userID, access, err := service.RefreshAccess(ctx, refresh)
	require.NoError(t, err)
	require.Equal(t, "user-1", userID)
	require.Equal(t, StatusValid, service.Verify(access, TypeAccess, "user-1").Status)

	// The refresh token stays usable until its own expiry.
	_, access2, err := service.RefreshAccess(ctx, refresh)
	require.NoError(t, err)
	require.NotEmpty(t, access2)
}

func TestIssueRefreshRotatesPrevious(t *testing.T) {
	now := time.Now().UTC()
	service, _ := newTestService(t, &now)
	ctx := context.Background()

	first, err := service.IssueRefresh(ctx, "user-1")
	require.NoError(t, err)
	now = now.Add(time.Second)
	second, err := service.IssueRefresh(ctx, "user-1")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// A new login kills the previous refresh token.
	_, _, err = service.RefreshAccess(ctx, first)
	require.ErrorIs(t, err, ErrRefreshInvalid)
	_, _, err = service.RefreshAccess(ctx, second)
	require.NoError(t, err)
}

func TestRefreshExpiredAndForged(t *testing.T) {
	now := time.Now().UTC()
	service, tokens := newTestService(t, &now)
	ctx := context.Background()

	refresh, err := service.IssueRefresh(ctx, "user-1")
	require.NoError(t, err)

	now = now.Add(8 * 24 * time.Hour)
	_, _, err = service.RefreshAccess(ctx, refresh)
	require.ErrorIs(t, err, ErrRefreshExpired)

	now = time.Now().UTC()
	_, _, err = service.RefreshAccess(ctx, "garbage")
	require.ErrorIs(t, err, ErrRefreshInvalid)

	// The expired token's record was revoked, so even with a rolled-back
	// clock it cannot be replayed.
	_, _, err = service.RefreshAccess(ctx, refresh)
	require.ErrorIs(t, err, ErrRefreshInvalid)

	// A structurally valid token whose record was revoked out of band.
	refresh2, err := service.IssueRefresh(ctx, "user-2")
	require.NoError(t, err)
	result := service.Verify(refresh2, TypeRefresh, "")
	require.Equal(t, StatusValid, result.Status)
	require.NoError(t, tokens.Revoke(ctx, result.JTI, "test", nil, now))
	_, _, err = service.RefreshAccess(ctx, refresh2)
	require.ErrorIs(t, err, ErrRefreshInvalid)
}
