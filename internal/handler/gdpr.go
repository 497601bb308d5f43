package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vcscsvcscs/wearable-sync/internal/repository"
	"github.com/vcscsvcscs/wearable-sync/internal/service"
	"github.com/vcscsvcscs/wearable-sync/pkg/api"
	"go.uber.org/zap"
)

// GDPRServiceInterface is the data portability and erasure service
type GDPRServiceInterface interface {
	DeleteUserData(ctx context.Context, userID, ipAddress, userAgent string) (repository.DeletedUserData, error)
	ExportUserData(ctx context.Context, userID string) ([]byte, error)
}

// GDPRHandler implements GDPR compliance endpoints
type GDPRHandler struct {
	service GDPRServiceInterface
	logger  *zap.Logger
}

// NewGDPRHandler creates a new GDPRHandler
func NewGDPRHandler(service GDPRServiceInterface, logger *zap.Logger) *GDPRHandler {
	return &GDPRHandler{
		service: service,
		logger:  logger,
	}
}

// DeleteApiV1UsersUserIdData erases a user's connections and health points
func (h *GDPRHandler) DeleteApiV1UsersUserIdData(c *gin.Context, userId string) {
	ipAddress := c.ClientIP()

	h.logger.Info("processing user data deletion request (GDPR)",
		zap.String("user_id", userId),
		zap.String("ip", ipAddress),
	)

	deleted, err := h.service.DeleteUserData(c.Request.Context(), userId, ipAddress, c.Request.UserAgent())
	if err != nil {
		h.writeError(c, userId, "Failed to delete user data", err)
		return
	}

	c.JSON(http.StatusOK, api.UserDataDeletionResponse{
		UserId:              userId,
		DeletedConnections:  deleted.Connections,
		DeletedHealthPoints: deleted.HealthPoints,
		DeletedExports:      deleted.Exports,
	})
}

// GetApiV1UsersUserIdExport returns every stored record for a user as a JSON download
func (h *GDPRHandler) GetApiV1UsersUserIdExport(c *gin.Context, userId string) {
	h.logger.Info("processing user data export request (GDPR)",
		zap.String("user_id", userId),
	)

	jsonData, err := h.service.ExportUserData(c.Request.Context(), userId)
	if err != nil {
		h.writeError(c, userId, "Failed to export user data", err)
		return
	}

	filename := fmt.Sprintf("user_data_%s.json", userId)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "application/json", jsonData)
}

func (h *GDPRHandler) writeError(c *gin.Context, userID, message string, err error) {
	if errors.Is(err, service.ErrInvalidRequest) {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Invalid user ID",
			Details: stringPtr(err.Error()),
		})
		return
	}

	h.logger.Error(message,
		zap.Error(err),
		zap.String("user_id", userID),
	)
	c.JSON(http.StatusInternalServerError, api.ErrorResponse{
		Code:    "INTERNAL_ERROR",
		Message: message,
		Details: stringPtr(err.Error()),
	})
}
