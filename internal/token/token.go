package token

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lipcall/lipcall/internal/entity"
	"github.com/lipcall/lipcall/internal/repository"
	"github.com/lipcall/lipcall/pkg/commons"
)

// Token types carried in the custom claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Verification outcomes.
type Status int

const (
	StatusValid Status = iota
	StatusMissing
	StatusExpired
	StatusInvalid
	StatusSubjectMismatch
)

// Result is the outcome of verifying a presented token.
type Result struct {
	Status Status
	UserID string
	JTI    string
}

var (
	// ErrRefreshExpired marks a refresh token past its lifetime.
	ErrRefreshExpired = errors.New("token: refresh token expired")
	// ErrRefreshInvalid marks a malformed, forged, revoked or unknown
	// refresh token.
	ErrRefreshInvalid = errors.New("token: refresh token invalid")
)

// Claims is the signed payload of both token types.
type Claims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// Service signs and verifies RS256 tokens and drives refresh rotation.
type Service struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	accessTTL  time.Duration
	refreshTTL time.Duration
	tokens     repository.RefreshTokens
	logger     commons.Logger
	now        func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds a token service from an RSA keypair.
func NewService(privateKey *rsa.PrivateKey, accessTTL, refreshTTL time.Duration,
	tokens repository.RefreshTokens, logger commons.Logger, opts ...Option) *Service {
	s := &Service{
		privateKey: privateKey,
		publicKey:  &privateKey.PublicKey,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		tokens:     tokens,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadPrivateKey reads a PEM-encoded RSA private key from path.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rsa private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parse rsa private key: %w", err)
	}
	return key, nil
}

// IssueAccess signs a short-lived access token for userID.
func (s *Service) IssueAccess(userID string) (string, error) {
	return s.sign(userID, TypeAccess, uuid.New().String(), s.accessTTL)
}

// IssueRefresh signs a refresh token for userID, revokes the user's previous
// refresh token and records the new one by its SHA-256 digest.
func (s *Service) IssueRefresh(ctx context.Context, userID string) (string, error) {
	jti := uuid.New().String()
	signed, err := s.sign(userID, TypeRefresh, jti, s.refreshTTL)
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	err = s.tokens.RevokePreviousForUser(ctx, userID, jti, now)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return "", err
	}

	err = s.tokens.Save(ctx, &entity.RefreshToken{
		JTI:       jti,
		UserID:    userID,
		TokenHash: hashToken(signed),
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	})
	if err != nil {
		return "", err
	}
	return signed, nil
}

// Verify checks a presented token of the expected type. When expectedSubject
// is non-empty the token subject must match it.
func (s *Service) Verify(tokenString, expectedType, expectedSubject string) Result {
	if tokenString == "" {
		return Result{Status: StatusMissing}
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return s.publicKey, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Result{Status: StatusExpired, UserID: claims.Subject, JTI: claims.ID}
		}
		return Result{Status: StatusInvalid}
	}
	if !parsed.Valid || claims.Type != expectedType {
		return Result{Status: StatusInvalid}
	}
	if expectedSubject != "" && claims.Subject != expectedSubject {
		return Result{Status: StatusSubjectMismatch, UserID: claims.Subject, JTI: claims.ID}
	}
	return Result{Status: StatusValid, UserID: claims.Subject, JTI: claims.ID}
}

// RefreshAccess exchanges a live refresh token for a fresh access token.
// The refresh token itself stays usable until its own expiry; rotation
// happens when a login issues the next refresh token. A token that fails
// verification is revoked in storage when it can still be identified, so a
// stolen copy cannot be retried.
func (s *Service) RefreshAccess(ctx context.Context, refreshToken string) (userID, access string, err error) {
	result := s.Verify(refreshToken, TypeRefresh, "")
	switch result.Status {
	case StatusValid:
	case StatusExpired:
		s.revokeQuietly(ctx, result.JTI, "expired")
		return "", "", ErrRefreshExpired
	default:
		return "", "", ErrRefreshInvalid
	}

	now := s.now().UTC()
	record, err := s.tokens.FindValid(ctx, result.JTI, now)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", "", ErrRefreshInvalid
		}
		return "", "", err
	}
	if record.TokenHash != hashToken(refreshToken) || record.UserID != result.UserID {
		s.revokeQuietly(ctx, result.JTI, "hash mismatch")
		return "", "", ErrRefreshInvalid
	}

	access, err = s.IssueAccess(result.UserID)
	if err != nil {
		return "", "", err
	}
	return result.UserID, access, nil
}

func (s *Service) sign(userID, tokenType, jti string, ttl time.Duration) (string, error) {
	now := s.now().UTC()
	claims := Claims{
		Type: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", tokenType, err)
	}
	return signed, nil
}

func (s *Service) revokeQuietly(ctx context.Context, jti, reason string) {
	if jti == "" {
		return
	}
	err := s.tokens.Revoke(ctx, jti, reason, nil, s.now().UTC())
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Warnw("failed to revoke refresh token", "jti", jti, "error", err)
	}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
