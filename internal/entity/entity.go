package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Transcript sources.
const (
	SourceLip  = "lip"
	SourceVosk = "vosk"
)

// User is a registered account. PasswordHash never leaves the server.
type User struct {
	ID           string    `gorm:"column:id;primaryKey;type:uuid"`
	Username     string    `gorm:"column:username;uniqueIndex;not null"`
	PasswordHash string    `gorm:"column:password_hash;not null"`
	DisplayName  string    `gorm:"column:display_name;not null"`
	CreatedAt    time.Time `gorm:"column:created_at"`

	Contacts []*User `gorm:"many2many:user_contacts;joinForeignKey:user_id;joinReferences:contact_id"`
}

func (User) TableName() string { return "users" }

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// RefreshToken tracks one issued refresh token by jti. The token itself is
// stored only as a SHA-256 hex digest.
type RefreshToken struct {
	JTI           string     `gorm:"column:jti;primaryKey"`
	UserID        string     `gorm:"column:user_id;index;not null"`
	TokenHash     string     `gorm:"column:token_hash;not null"`
	ExpiresAt     time.Time  `gorm:"column:expires_at;not null"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null"`
	Revoked       bool       `gorm:"column:revoked;not null;default:false"`
	RevokedAt     *time.Time `gorm:"column:revoked_at"`
	ReplacedByJTI *string    `gorm:"column:replaced_by_jti"`
	RevokeReason  *string    `gorm:"column:revoke_reason"`
}

func (RefreshToken) TableName() string { return "refresh_tokens" }

// Valid reports whether the record still authorises its token.
func (t *RefreshToken) Valid(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}

// Call is one accepted call between two users.
type Call struct {
	ID              string     `gorm:"column:id;primaryKey;type:uuid"`
	CallerID        string     `gorm:"column:caller_id;index;not null"`
	CalleeID        string     `gorm:"column:callee_id;index;not null"`
	StartedAt       time.Time  `gorm:"column:started_at;not null"`
	EndedAt         *time.Time `gorm:"column:ended_at"`
	DurationSeconds *float64   `gorm:"column:duration_seconds"`

	Transcripts []TranscriptLine `gorm:"foreignKey:CallID"`
}

func (Call) TableName() string { return "calls" }

func (c *Call) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// TranscriptLine is one append-only transcript entry. Seq preserves the
// append order within a call.
type TranscriptLine struct {
	Seq       uint      `gorm:"column:seq;primaryKey;autoIncrement"`
	CallID    string    `gorm:"column:call_id;index;not null"`
	T         time.Time `gorm:"column:t;not null"`
	SpeakerID string    `gorm:"column:speaker_id;not null"`
	Text      string    `gorm:"column:text;not null"`
	Source    string    `gorm:"column:source;not null"`
}

func (TranscriptLine) TableName() string { return "call_transcripts" }
