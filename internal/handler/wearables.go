package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vcscsvcscs/wearable-sync/internal/repository"
	"github.com/vcscsvcscs/wearable-sync/internal/service"
	"github.com/vcscsvcscs/wearable-sync/pkg/api"
	"github.com/vcscsvcscs/wearable-sync/pkg/model"
	"go.uber.org/zap"
)

// WearableSyncService is the part of the sync service exposed over HTTP
type WearableSyncService interface {
	SyncAll(ctx context.Context, req model.SyncRequest) ([]model.SyncResult, error)
	ListConnections(ctx context.Context, userID string) ([]model.ProviderConnection, error)
	ImportAppleExport(ctx context.Context, userID, filename string, body io.Reader) (*model.ProviderConnection, error)
	Disconnect(ctx context.Context, userID string, p model.Provider) error
}

// WearablesHandler implements the wearable sync API endpoints
type WearablesHandler struct {
	service  WearableSyncService
	lookback time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewWearablesHandler creates a new WearablesHandler. lookback is the sync
// window used when a request names no start date.
func NewWearablesHandler(service WearableSyncService, lookback time.Duration, logger *zap.Logger) *WearablesHandler {
	return &WearablesHandler{
		service:  service,
		lookback: lookback,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// PostApiV1WearablesSync syncs the requested providers for a user
func (h *WearablesHandler) PostApiV1WearablesSync(c *gin.Context) {
	var req api.SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("invalid request body", zap.Error(err))
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Invalid request body",
			Details: stringPtr(err.Error()),
		})
		return
	}

	end := h.now()
	if req.EndDate != nil {
		end = dateToTime(*req.EndDate)
	}
	start := end.Add(-h.lookback)
	if req.StartDate != nil {
		start = dateToTime(*req.StartDate)
	}

	var providers []model.Provider
	if req.Providers != nil {
		for _, p := range *req.Providers {
			providers = append(providers, model.Provider(p))
		}
	}

	results, err := h.service.SyncAll(c.Request.Context(), model.SyncRequest{
		UserID:    req.UserId,
		Providers: providers,
		StartDate: start,
		EndDate:   end,
	})
	if err != nil {
		h.writeSyncError(c, req.UserId, err)
		return
	}

	response := api.SyncResponse{
		Results:   make([]api.SyncResult, 0, len(results)),
		StartDate: timeToDate(start),
		EndDate:   timeToDate(end),
	}
	for _, r := range results {
		response.Results = append(response.Results, toAPIResult(r))
		response.TotalDataPoints += r.DataPointCount
		if r.Success {
			response.SyncedProviders++
		} else {
			response.FailedProviders++
		}
	}

	h.logger.Info("wearable sync completed",
		zap.String("user_id", req.UserId),
		zap.Int("synced_providers", response.SyncedProviders),
		zap.Int("failed_providers", response.FailedProviders),
		zap.Int("data_points", response.TotalDataPoints),
	)

	c.JSON(http.StatusOK, response)
}

func (h *WearablesHandler) writeSyncError(c *gin.Context, userID string, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Invalid sync request",
			Details: stringPtr(err.Error()),
		})
	case errors.Is(err, service.ErrSyncInProgress):
		c.JSON(http.StatusConflict, api.ErrorResponse{
			Code:    "CONFLICT",
			Message: "A sync is already running for this user",
		})
	default:
		h.logger.Error("failed to sync wearables",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{
			Code:    "INTERNAL_ERROR",
			Message: "Failed to sync wearables",
			Details: stringPtr(err.Error()),
		})
	}
}

func toAPIResult(r model.SyncResult) api.SyncResult {
	out := api.SyncResult{
		Provider:       api.Provider(r.Provider),
		Success:        r.Success,
		DataPointCount: r.DataPointCount,
	}
	if r.ErrorCode != "" {
		code := api.SyncResultErrorCode(r.ErrorCode)
		out.ErrorCode = &code
		out.ErrorMessage = stringPtr(r.ErrorMessage)
	}
	if r.ConsecutiveFailures > 0 {
		out.ConsecutiveFailures = intPtr(r.ConsecutiveFailures)
	}
	if r.Unhealthy {
		out.Unhealthy = boolPtr(true)
	}
	if r.NeedsReauth {
		out.NeedsReauth = boolPtr(true)
	}
	return out
}

// GetApiV1WearablesConnections lists a user's provider connections
func (h *WearablesHandler) GetApiV1WearablesConnections(c *gin.Context, params api.GetApiV1WearablesConnectionsParams) {
	conns, err := h.service.ListConnections(c.Request.Context(), params.UserId)
	if err != nil {
		h.logger.Error("failed to list connections",
			zap.Error(err),
			zap.String("user_id", params.UserId),
		)
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{
			Code:    "INTERNAL_ERROR",
			Message: "Failed to list connections",
			Details: stringPtr(err.Error()),
		})
		return
	}

	response := api.ConnectionsResponse{Connections: make([]api.Connection, 0, len(conns))}
	for _, conn := range conns {
		item := api.Connection{
			Provider:    api.Provider(conn.Provider),
			IsActive:    conn.IsActive,
			NeedsReauth: conn.NeedsReauth,
			LastSyncAt:  conn.LastSyncAt,
		}
		if conn.ConsecutiveFailures > 0 {
			item.ConsecutiveFailures = intPtr(conn.ConsecutiveFailures)
		}
		response.Connections = append(response.Connections, item)
	}

	c.JSON(http.StatusOK, response)
}

// DeleteApiV1WearablesConnectionsProvider disconnects a provider
func (h *WearablesHandler) DeleteApiV1WearablesConnectionsProvider(c *gin.Context, provider api.Provider, params api.DeleteApiV1WearablesConnectionsProviderParams) {
	p, err := model.ParseProvider(string(provider))
	if err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "Unknown provider",
			Details: stringPtr(err.Error()),
		})
		return
	}

	if err := h.service.Disconnect(c.Request.Context(), params.UserId, p); err != nil {
		if errors.Is(err, repository.ErrConnectionNotFound) {
			c.JSON(http.StatusNotFound, api.ErrorResponse{
				Code:    "NOT_FOUND",
				Message: "No active connection for provider",
			})
			return
		}
		h.logger.Error("failed to disconnect provider",
			zap.Error(err),
			zap.String("user_id", params.UserId),
			zap.String("provider", string(p)),
		)
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{
			Code:    "INTERNAL_ERROR",
			Message: "Failed to disconnect provider",
			Details: stringPtr(err.Error()),
		})
		return
	}

	c.Status(http.StatusNoContent)
}

// PostApiV1WearablesAppleImport stores an uploaded Apple Health export
func (h *WearablesHandler) PostApiV1WearablesAppleImport(c *gin.Context) {
	userID := c.PostForm("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "userId is required",
		})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "file is required",
			Details: stringPtr(err.Error()),
		})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		h.logger.Error("failed to open uploaded export", zap.Error(err))
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{
			Code:    "INTERNAL_ERROR",
			Message: "Failed to read uploaded file",
		})
		return
	}
	defer file.Close()

	conn, err := h.service.ImportAppleExport(c.Request.Context(), userID, fileHeader.Filename, file)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, api.ErrorResponse{
				Code:    "VALIDATION_ERROR",
				Message: "Invalid import request",
				Details: stringPtr(err.Error()),
			})
			return
		}
		h.logger.Error("failed to import apple health export",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{
			Code:    "INTERNAL_ERROR",
			Message: "Failed to import health export",
			Details: stringPtr(err.Error()),
		})
		return
	}

	h.logger.Info("apple health export uploaded",
		zap.String("user_id", userID),
		zap.Int64("size_bytes", fileHeader.Size),
	)

	c.JSON(http.StatusOK, api.AppleImportResponse{
		Provider:   api.ProviderApple,
		ExportName: conn.AccessToken,
	})
}
