package repository

import (
	"context"
	"fmt"

	"github.com/lipcall/lipcall/internal/entity"
	"github.com/lipcall/lipcall/pkg/connectors"
)

// Migrate creates or updates the schema for all stored entities.
func Migrate(ctx context.Context, connector connectors.PostgresConnector) error {
	err := connector.DB(ctx).AutoMigrate(
		&entity.User{},
		&entity.RefreshToken{},
		&entity.Call{},
		&entity.TranscriptLine{},
	)
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}
