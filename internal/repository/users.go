package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lipcall/lipcall/internal/entity"
	"github.com/lipcall/lipcall/pkg/connectors"
)

type userStore struct {
	connector connectors.PostgresConnector
}

// NewUserStore returns a Users repository backed by the given connector.
func NewUserStore(connector connectors.PostgresConnector) Users {
	return &userStore{connector: connector}
}

func (s *userStore) Create(ctx context.Context, user *entity.User) error {
	err := s.connector.DB(ctx).Create(user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *userStore) GetByID(ctx context.Context, id string) (*entity.User, error) {
	var user entity.User
	err := s.connector.DB(ctx).First(&user, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return &user, nil
}

func (s *userStore) GetByUsername(ctx context.Context, username string) (*entity.User, error) {
	var user entity.User
	err := s.connector.DB(ctx).First(&user, "username = ?", username).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user by username: %w", err)
	}
	return &user, nil
}

func (s *userStore) AddContact(ctx context.Context, ownerID, contactID string) error {
	err := s.connector.DB(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Table("user_contacts").
		Create(map[string]any{"user_id": ownerID, "contact_id": contactID}).Error
	if err != nil {
		return fmt.Errorf("add contact: %w", err)
	}
	return nil
}

func (s *userStore) Contacts(ctx context.Context, ownerID string) ([]*entity.User, error) {
	owner := entity.User{ID: ownerID}
	var contacts []*entity.User
	err := s.connector.DB(ctx).Model(&owner).
		Order("username asc").
		Association("Contacts").
		Find(&contacts)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	return contacts, nil
}
