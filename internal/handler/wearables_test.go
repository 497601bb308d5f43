package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vcscsvcscs/wearable-sync/internal/repository"
	"github.com/vcscsvcscs/wearable-sync/internal/service"
	"github.com/vcscsvcscs/wearable-sync/pkg/api"
	"github.com/vcscsvcscs/wearable-sync/pkg/model"
	"go.uber.org/zap"
)

// MockSyncService is a mock implementation of WearableSyncService
type MockSyncService struct {
	mock.Mock
}

func (m *MockSyncService) SyncAll(ctx context.Context, req model.SyncRequest) ([]model.SyncResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.SyncResult), args.Error(1)
}

func (m *MockSyncService) ListConnections(ctx context.Context, userID string) ([]model.ProviderConnection, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ProviderConnection), args.Error(1)
}

func (m *MockSyncService) ImportAppleExport(ctx context.Context, userID, filename string, body io.Reader) (*model.ProviderConnection, error) {
	args := m.Called(ctx, userID, filename, body)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ProviderConnection), args.Error(1)
}

func (m *MockSyncService) Disconnect(ctx context.Context, userID string, p model.Provider) error {
	args := m.Called(ctx, userID, p)
	return args.Error(0)
}

var fixedNow = time.Date(2024, 1, 31, 15, 4, 5, 0, time.UTC)

func newTestHandler(svc WearableSyncService) *WearablesHandler {
	h := NewWearablesHandler(svc, 30*24*time.Hour, zap.NewNop())
	h.now = func() time.Time { return fixedNow }
	return h
}

func performJSON(t *testing.T, handlerFunc gin.HandlerFunc, method, body string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	_, router := gin.CreateTestContext(w)
	router.Handle(method, "/test", handlerFunc)

	req := httptest.NewRequest(method, "/test", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestPostApiV1WearablesSync_Success(t *testing.T) {
	svc := new(MockSyncService)
	svc.On("SyncAll", mock.Anything, model.SyncRequest{
		UserID:    "user-1",
		Providers: []model.Provider{model.ProviderOura, model.ProviderStrava, model.ProviderWhoop},
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC),
	}).Return([]model.SyncResult{
		{Provider: model.ProviderOura, Success: true, DataPointCount: 21},
		{Provider: model.ProviderStrava, Success: false, ErrorCode: model.ErrorCodeFetchFailed, ErrorMessage: "strava fetch failed: status 503", ConsecutiveFailures: 3, Unhealthy: true},
	}, nil)

	h := newTestHandler(svc)
	w := performJSON(t, h.PostApiV1WearablesSync, http.MethodPost,
		`{"userId":"user-1","providers":["oura","strava","whoop"],"startDate":"2024-01-01","endDate":"2024-01-07"}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp api.SyncResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.Equal(t, 21, resp.TotalDataPoints)
	assert.Equal(t, 1, resp.SyncedProviders)
	assert.Equal(t, 1, resp.FailedProviders)
	require.Len(t, resp.Results, 2)
	assert.Nil(t, resp.Results[0].ErrorCode)
	require.NotNil(t, resp.Results[1].ErrorCode)
	assert.Equal(t, api.SyncResultErrorCode("fetch_failed"), *resp.Results[1].ErrorCode)
	assert.True(t, *resp.Results[1].Unhealthy)
	svc.AssertExpectations(t)
}

func TestPostApiV1WearablesSync_DefaultsWindow(t *testing.T) {
	svc := new(MockSyncService)
	svc.On("SyncAll", mock.Anything, mock.MatchedBy(func(req model.SyncRequest) bool {
		return req.UserID == "user-1" &&
			req.Providers == nil &&
			req.EndDate.Equal(fixedNow) &&
			req.StartDate.Equal(fixedNow.Add(-30*24*time.Hour))
	})).Return([]model.SyncResult{}, nil)

	h := newTestHandler(svc)
	w := performJSON(t, h.PostApiV1WearablesSync, http.MethodPost, `{"userId":"user-1"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	svc.AssertExpectations(t)
}

func TestPostApiV1WearablesSync_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid request", fmt.Errorf("%w: start date must be before or equal to end date", service.ErrInvalidRequest), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"sync in progress", service.ErrSyncInProgress, http.StatusConflict, "CONFLICT"},
		{"registry down", errors.New("failed to read connection registry: timeout"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockSyncService)
			svc.On("SyncAll", mock.Anything, mock.Anything).Return(nil, tt.err)

			h := newTestHandler(svc)
			w := performJSON(t, h.PostApiV1WearablesSync, http.MethodPost, `{"userId":"user-1"}`)

			assert.Equal(t, tt.wantStatus, w.Code)
			var resp api.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantCode, resp.Code)
		})
	}
}

func TestGetApiV1WearablesConnections(t *testing.T) {
	lastSync := time.Date(2024, 1, 7, 6, 0, 0, 0, time.UTC)
	svc := new(MockSyncService)
	svc.On("ListConnections", mock.Anything, "user-1").Return([]model.ProviderConnection{
		{Provider: model.ProviderOura, IsActive: true, LastSyncAt: &lastSync},
		{Provider: model.ProviderWhoop, IsActive: true, NeedsReauth: true, ConsecutiveFailures: 2},
	}, nil)

	h := newTestHandler(svc)
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/v1/wearables/connections?userId=user-1", nil)

	h.GetApiV1WearablesConnections(c, api.GetApiV1WearablesConnectionsParams{UserId: "user-1"})

	require.Equal(t, http.StatusOK, w.Code)
	var resp api.ConnectionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Connections, 2)
	assert.True(t, resp.Connections[0].LastSyncAt.Equal(lastSync))
	assert.True(t, resp.Connections[1].NeedsReauth)
	assert.Equal(t, 2, *resp.Connections[1].ConsecutiveFailures)
}

func TestDeleteApiV1WearablesConnectionsProvider(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"disconnected", nil, http.StatusNoContent},
		{"not connected", fmt.Errorf("failed to disconnect oura: %w", repository.ErrConnectionNotFound), http.StatusNotFound},
		{"database error", errors.New("connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockSyncService)
			svc.On("Disconnect", mock.Anything, "user-1", model.ProviderOura).Return(tt.err)

			h := newTestHandler(svc)
			gin.SetMode(gin.TestMode)
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodDelete, "/api/v1/wearables/connections/oura?userId=user-1", nil)

			h.DeleteApiV1WearablesConnectionsProvider(c, api.ProviderOura, api.DeleteApiV1WearablesConnectionsProviderParams{UserId: "user-1"})

			assert.Equal(t, tt.wantStatus, w.Code)
			svc.AssertExpectations(t)
		})
	}
}

func multipartExport(t *testing.T, userID string, withFile bool) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if userID != "" {
		require.NoError(t, writer.WriteField("userId", userID))
	}
	if withFile {
		part, err := writer.CreateFormFile("file", "export.xml")
		require.NoError(t, err)
		_, err = part.Write([]byte(`<HealthData locale="en_US"></HealthData>`))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestPostApiV1WearablesAppleImport(t *testing.T) {
	svc := new(MockSyncService)
	svc.On("ImportAppleExport", mock.Anything, "user-1", "export.xml", mock.Anything).
		Return(&model.ProviderConnection{Provider: model.ProviderApple, AccessToken: "exports/user-1/20240107T000000Z-export.xml"}, nil)

	h := newTestHandler(svc)
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	_, router := gin.CreateTestContext(w)
	router.POST("/import", h.PostApiV1WearablesAppleImport)

	body, contentType := multipartExport(t, "user-1", true)
	req := httptest.NewRequest(http.MethodPost, "/import", body)
	req.Header.Set("Content-Type", contentType)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp api.AppleImportResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, api.ProviderApple, resp.Provider)
	assert.Equal(t, "exports/user-1/20240107T000000Z-export.xml", resp.ExportName)
}

func TestPostApiV1WearablesAppleImport_Validation(t *testing.T) {
	tests := []struct {
		name     string
		userID   string
		withFile bool
	}{
		{"missing user", "", true},
		{"missing file", "user-1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockSyncService)
			h := newTestHandler(svc)
			gin.SetMode(gin.TestMode)
			w := httptest.NewRecorder()
			_, router := gin.CreateTestContext(w)
			router.POST("/import", h.PostApiV1WearablesAppleImport)

			body, contentType := multipartExport(t, tt.userID, tt.withFile)
			req := httptest.NewRequest(http.MethodPost, "/import", body)
			req.Header.Set("Content-Type", contentType)
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			svc.AssertNotCalled(t, "ImportAppleExport", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestGetHealth(t *testing.T) {
	for _, tt := range []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"healthy", nil, http.StatusOK},
		{"database down", errors.New("dial tcp: connection refused"), http.StatusServiceUnavailable},
	} {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(stubPinger{err: tt.err}, zap.NewNop())
			w := performJSON(t, h.GetHealth, http.MethodGet, "")
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}
