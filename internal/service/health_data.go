package service

import (
	"context"
	"fmt"
	"time"

	"github.com/vcscsvcscs/wearable-sync/pkg/model"
	"go.uber.org/zap"
)

// PointReader reads canonical health points back from the store
type PointReader interface {
	ListPoints(ctx context.Context, userID string, start, end time.Time) ([]model.HealthPoint, error)
}

// HealthDataService serves synced health points to API clients
type HealthDataService struct {
	repo   PointReader
	logger *zap.Logger
}

// NewHealthDataService creates a new HealthDataService
func NewHealthDataService(repo PointReader, logger *zap.Logger) *HealthDataService {
	return &HealthDataService{
		repo:   repo,
		logger: logger,
	}
}

// GetHealthPoints returns the user's points in [start, end], optionally
// restricted to one category, oldest first.
func (s *HealthDataService) GetHealthPoints(ctx context.Context, userID string, start, end time.Time, category *model.Category) ([]model.HealthPoint, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", ErrInvalidRequest)
	}
	if start.After(end) {
		return nil, fmt.Errorf("%w: start date must be before or equal to end date", ErrInvalidRequest)
	}
	if category != nil && !category.Valid() {
		return nil, fmt.Errorf("%w: %w: %q", ErrInvalidRequest, model.ErrUnknownCategory, *category)
	}

	points, err := s.repo.ListPoints(ctx, userID, start, end)
	if err != nil {
		s.logger.Error("failed to get health points",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		return nil, fmt.Errorf("failed to get health points: %w", err)
	}

	if category == nil {
		return points, nil
	}

	filtered := make([]model.HealthPoint, 0, len(points))
	for _, p := range points {
		if p.Category == *category {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}
