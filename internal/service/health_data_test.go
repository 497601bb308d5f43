package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vcscsvcscs/wearable-sync/pkg/model"
	"go.uber.org/zap"
)

// MockPointReader is a mock implementation of PointReader
type MockPointReader struct {
	mock.Mock
}

func (m *MockPointReader) ListPoints(ctx context.Context, userID string, start, end time.Time) ([]model.HealthPoint, error) {
	args := m.Called(ctx, userID, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.HealthPoint), args.Error(1)
}

func samplePoints(userID string) []model.HealthPoint {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return []model.HealthPoint{
		{UserID: userID, Provider: model.ProviderOura, Category: model.CategorySleep, Metric: "sleep_duration", Timestamp: base, Value: 480, Unit: "minutes"},
		{UserID: userID, Provider: model.ProviderOura, Category: model.CategoryActivity, Metric: "steps", Timestamp: base, Value: 9000, Unit: "count"},
		{UserID: userID, Provider: model.ProviderStrava, Category: model.CategoryWorkout, Metric: "workout_duration", Timestamp: base.Add(time.Hour), Value: 45, Unit: "minutes"},
	}
}

func TestGetHealthPoints(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 7)

	t.Run("returns every category when unfiltered", func(t *testing.T) {
		repo := new(MockPointReader)
		repo.On("ListPoints", mock.Anything, "user-1", start, end).Return(samplePoints("user-1"), nil)
		svc := NewHealthDataService(repo, zap.NewNop())

		points, err := svc.GetHealthPoints(context.Background(), "user-1", start, end, nil)
		require.NoError(t, err)
		assert.Len(t, points, 3)
		repo.AssertExpectations(t)
	})

	t.Run("filters by category", func(t *testing.T) {
		repo := new(MockPointReader)
		repo.On("ListPoints", mock.Anything, "user-1", start, end).Return(samplePoints("user-1"), nil)
		svc := NewHealthDataService(repo, zap.NewNop())

		category := model.CategoryWorkout
		points, err := svc.GetHealthPoints(context.Background(), "user-1", start, end, &category)
		require.NoError(t, err)
		require.Len(t, points, 1)
		assert.Equal(t, model.ProviderStrava, points[0].Provider)
	})

	t.Run("repository failure", func(t *testing.T) {
		repo := new(MockPointReader)
		repo.On("ListPoints", mock.Anything, "user-1", start, end).Return(nil, errors.New("connection refused"))
		svc := NewHealthDataService(repo, zap.NewNop())

		_, err := svc.GetHealthPoints(context.Background(), "user-1", start, end, nil)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrInvalidRequest)
		assert.Contains(t, err.Error(), "connection refused")
	})
}

func TestGetHealthPoints_ValidationErrors(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	unknown := model.Category("stress")

	tests := []struct {
		name     string
		userID   string
		start    time.Time
		end      time.Time
		category *model.Category
	}{
		{name: "missing user", userID: "", start: start, end: start},
		{name: "inverted range", userID: "user-1", start: start.Add(time.Hour), end: start},
		{name: "unknown category", userID: "user-1", start: start, end: start, category: &unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockPointReader)
			svc := NewHealthDataService(repo, zap.NewNop())

			_, err := svc.GetHealthPoints(context.Background(), tt.userID, tt.start, tt.end, tt.category)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			repo.AssertNotCalled(t, "ListPoints", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}
