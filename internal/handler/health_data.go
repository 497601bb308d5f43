package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vcscsvcscs/wearable-sync/internal/service"
	"github.com/vcscsvcscs/wearable-sync/pkg/api"
	"github.com/vcscsvcscs/wearable-sync/pkg/model"
	"go.uber.org/zap"
)

// HealthDataServiceInterface reads synced health points
type HealthDataServiceInterface interface {
	GetHealthPoints(ctx context.Context, userID string, start, end time.Time, category *model.Category) ([]model.HealthPoint, error)
}

// HealthDataHandler serves canonical health points
type HealthDataHandler struct {
	service  HealthDataServiceInterface
	lookback time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewHealthDataHandler creates a new HealthDataHandler
func NewHealthDataHandler(service HealthDataServiceInterface, lookback time.Duration, logger *zap.Logger) *HealthDataHandler {
	return &HealthDataHandler{
		service:  service,
		lookback: lookback,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// GetApiV1WearablesPoints lists a user's points. Dates are whole UTC days;
// the window defaults to the sync lookback ending now.
func (h *HealthDataHandler) GetApiV1WearablesPoints(c *gin.Context, params api.GetApiV1WearablesPointsParams) {
	end := h.now()
	if params.EndDate != nil {
		end = dateToTime(*params.EndDate).Add(24*time.Hour - time.Nanosecond)
	}
	start := end.Add(-h.lookback)
	if params.StartDate != nil {
		start = dateToTime(*params.StartDate)
	}

	var category *model.Category
	if params.Category != nil {
		cat := model.Category(*params.Category)
		category = &cat
	}

	points, err := h.service.GetHealthPoints(c.Request.Context(), params.UserId, start, end, category)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, api.ErrorResponse{
				Code:    "VALIDATION_ERROR",
				Message: "Invalid health points query",
				Details: stringPtr(err.Error()),
			})
			return
		}
		h.logger.Error("failed to get health points",
			zap.Error(err),
			zap.String("user_id", params.UserId),
		)
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{
			Code:    "INTERNAL_ERROR",
			Message: "Failed to get health points",
			Details: stringPtr(err.Error()),
		})
		return
	}

	response := api.HealthPointsResponse{Points: make([]api.HealthPoint, 0, len(points))}
	for _, p := range points {
		out := api.HealthPoint{
			Provider:  api.Provider(p.Provider),
			Category:  api.Category(p.Category),
			Metric:    p.Metric,
			Timestamp: p.Timestamp,
			Value:     p.Value,
			Unit:      p.Unit,
		}
		if p.SourceRecordID != "" {
			out.SourceRecordId = stringPtr(p.SourceRecordID)
		}
		response.Points = append(response.Points, out)
	}

	c.JSON(http.StatusOK, response)
}
