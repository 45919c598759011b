package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/lipcall/lipcall/internal/entity"
	"github.com/lipcall/lipcall/pkg/connectors"
)

type refreshTokenStore struct {
	connector connectors.PostgresConnector
}

// NewRefreshTokenStore returns a RefreshTokens repository backed by the given
// connector.
func NewRefreshTokenStore(connector connectors.PostgresConnector) RefreshTokens {
	return &refreshTokenStore{connector: connector}
}

func (s *refreshTokenStore) Save(ctx context.Context, token *entity.RefreshToken) error {
	if err := s.connector.DB(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

func (s *refreshTokenStore) FindValid(ctx context.Context, jti string, now time.Time) (*entity.RefreshToken, error) {
	var token entity.RefreshToken
	err := s.connector.DB(ctx).
		Where("jti = ? AND revoked = ? AND expires_at > ?", jti, false, now).
		First(&token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &token, nil
}

func (s *refreshTokenStore) Revoke(ctx context.Context, jti string, reason string, replacedBy *string, now time.Time) error {
	updates := map[string]any{
		"revoked":       true,
		"revoked_at":    now,
		"revoke_reason": reason,
	}
	if replacedBy != nil {
		updates["replaced_by_jti"] = *replacedBy
	}
	result := s.connector.DB(ctx).Model(&entity.RefreshToken{}).
		Where("jti = ? AND revoked = ?", jti, false).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("revoke refresh token: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *refreshTokenStore) RevokePreviousForUser(ctx context.Context, userID, replacedByJTI string, now time.Time) error {
	var previous entity.RefreshToken
	err := s.connector.DB(ctx).
		Where("user_id = ? AND revoked = ?", userID, false).
		Order("created_at desc").
		First(&previous).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("find previous refresh token: %w", err)
	}
	return s.Revoke(ctx, previous.JTI, "rotated", &replacedByJTI, now)
}
