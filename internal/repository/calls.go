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

type callStore struct {
	connector connectors.PostgresConnector
}

// NewCallStore returns a Calls repository backed by the given connector.
func NewCallStore(connector connectors.PostgresConnector) Calls {
	return &callStore{connector: connector}
}

func (s *callStore) Start(ctx context.Context, callerID, calleeID string, startedAt time.Time) (*entity.Call, error) {
	call := &entity.Call{
		CallerID:  callerID,
		CalleeID:  calleeID,
		StartedAt: startedAt,
	}
	if err := s.connector.DB(ctx).Create(call).Error; err != nil {
		return nil, fmt.Errorf("start call: %w", err)
	}
	return call, nil
}

func (s *callStore) AppendLine(ctx context.Context, line *entity.TranscriptLine) error {
	if err := s.connector.DB(ctx).Create(line).Error; err != nil {
		return fmt.Errorf("append transcript line: %w", err)
	}
	return nil
}

func (s *callStore) Finish(ctx context.Context, callID string, endedAt time.Time) error {
	var call entity.Call
	err := s.connector.DB(ctx).First(&call, "id = ?", callID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("finish call: %w", err)
	}
	if call.EndedAt != nil {
		return nil
	}
	duration := endedAt.Sub(call.StartedAt).Seconds()
	result := s.connector.DB(ctx).Model(&entity.Call{}).
		Where("id = ? AND ended_at IS NULL", callID).
		Updates(map[string]any{
			"ended_at":         endedAt,
			"duration_seconds": duration,
		})
	if result.Error != nil {
		return fmt.Errorf("finish call: %w", result.Error)
	}
	return nil
}

func (s *callStore) History(ctx context.Context, userID string, limit int) ([]*entity.Call, error) {
	var calls []*entity.Call
	query := s.connector.DB(ctx).
		Where("caller_id = ? OR callee_id = ?", userID, userID).
		Order("started_at desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&calls).Error; err != nil {
		return nil, fmt.Errorf("call history: %w", err)
	}
	return calls, nil
}

func (s *callStore) Transcript(ctx context.Context, callID string) ([]*entity.TranscriptLine, error) {
	var lines []*entity.TranscriptLine
	err := s.connector.DB(ctx).
		Where("call_id = ?", callID).
		Order("seq asc").
		Find(&lines).Error
	if err != nil {
		return nil, fmt.Errorf("call transcript: %w", err)
	}
	return lines, nil
}
