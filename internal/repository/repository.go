package repository

import (
	"context"
	"errors"
	"time"

	"github.com/lipcall/lipcall/internal/entity"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("repository: record not found")
	// ErrDuplicate is returned when a uniqueness constraint is violated.
	ErrDuplicate = errors.New("repository: duplicate record")
)

// Users stores accounts and their contact lists.
type Users interface {
	Create(ctx context.Context, user *entity.User) error
	GetByID(ctx context.Context, id string) (*entity.User, error)
	GetByUsername(ctx context.Context, username string) (*entity.User, error)
	// AddContact links contact to owner. Adding an existing contact is a
	// no-op.
	AddContact(ctx context.Context, ownerID, contactID string) error
	Contacts(ctx context.Context, ownerID string) ([]*entity.User, error)
}

// RefreshTokens stores the refresh token chain per user.
type RefreshTokens interface {
	Save(ctx context.Context, token *entity.RefreshToken) error
	// FindValid returns the record for jti only while it is unrevoked and
	// unexpired.
	FindValid(ctx context.Context, jti string, now time.Time) (*entity.RefreshToken, error)
	Revoke(ctx context.Context, jti string, reason string, replacedBy *string, now time.Time) error
	// RevokePreviousForUser revokes the newest unrevoked token belonging to
	// userID, recording the jti that supersedes it. Returns ErrNotFound when
	// the user has none.
	RevokePreviousForUser(ctx context.Context, userID, replacedByJTI string, now time.Time) error
}

// Calls stores accepted calls and their transcripts.
type Calls interface {
	Start(ctx context.Context, callerID, calleeID string, startedAt time.Time) (*entity.Call, error)
	AppendLine(ctx context.Context, line *entity.TranscriptLine) error
	// Finish stamps the end time once. Finishing an already finished call is
	// a no-op.
	Finish(ctx context.Context, callID string, endedAt time.Time) error
	// History returns the calls userID took part in, newest first, without
	// transcript lines.
	History(ctx context.Context, userID string, limit int) ([]*entity.Call, error)
	Transcript(ctx context.Context, callID string) ([]*entity.TranscriptLine, error)
}
