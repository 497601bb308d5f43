package integration_tests

import (
	"bytes"
	"context"
	"crypto/rand"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/vcscsvcscs/wearable-sync/internal/audit"
	"github.com/vcscsvcscs/wearable-sync/internal/azure"
	"github.com/vcscsvcscs/wearable-sync/internal/events"
	"github.com/vcscsvcscs/wearable-sync/internal/handler"
	"github.com/vcscsvcscs/wearable-sync/internal/provider"
	"github.com/vcscsvcscs/wearable-sync/internal/ratelimit"
	"github.com/vcscsvcscs/wearable-sync/internal/repository"
	"github.com/vcscsvcscs/wearable-sync/internal/security"
	"github.com/vcscsvcscs/wearable-sync/internal/service"
	"github.com/vcscsvcscs/wearable-sync/pkg/api"
	"github.com/vcscsvcscs/wearable-sync/pkg/model"
	"go.uber.org/zap"
)

const appleExport = `<?xml version="1.0" encoding="UTF-8"?>
<HealthData locale="en_US">
 <Record type="HKQuantityTypeIdentifierStepCount" sourceName="iPhone" unit="count" startDate="2024-01-02 08:00:00 +0000" endDate="2024-01-02 08:10:00 +0000" value="1200"/>
 <Record type="HKQuantityTypeIdentifierRestingHeartRate" sourceName="Watch" unit="count/min" startDate="2024-01-03 00:00:00 +0000" endDate="2024-01-03 23:59:00 +0000" value="55"/>
 <Workout workoutActivityType="HKWorkoutActivityTypeCycling" duration="45" durationUnit="min" sourceName="Watch" startDate="2024-01-05 18:00:00 +0000" endDate="2024-01-05 18:45:00 +0000"/>
</HealthData>
`

// apiServer satisfies api.ServerInterface the way the service binary does
type apiServer struct {
	*handler.WearablesHandler
	*handler.HealthDataHandler
	*handler.GDPRHandler
	*handler.HealthHandler
}

type syncEnv struct {
	router      *gin.Engine
	pool        *pgxpool.Pool
	connections *repository.ConnectionRepository
	points      *repository.HealthPointRepository
	exports     *azure.MemoryExportStore
	ouraHits    *int32
}

// TestWearableSyncIntegration runs the sync flow against PostgreSQL and stub provider APIs
func TestWearableSyncIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	env := setupSyncEnv(t, ctx)
	userID := uuid.NewString()

	connect(t, env.connections, userID, model.ProviderOura)
	connect(t, env.connections, userID, model.ProviderStrava)

	t.Run("partial failure keeps successful providers", func(t *testing.T) {
		resp := postSync(t, env.router, userID, []api.Provider{api.ProviderOura, api.ProviderStrava})

		require.Len(t, resp.Results, 2)
		oura, strava := resp.Results[0], resp.Results[1]

		assert.Equal(t, api.ProviderOura, oura.Provider)
		assert.True(t, oura.Success)
		assert.Equal(t, 2, oura.DataPointCount)

		assert.Equal(t, api.ProviderStrava, strava.Provider)
		assert.False(t, strava.Success)
		require.NotNil(t, strava.ErrorCode)
		assert.Equal(t, api.SyncResultErrorCode(model.ErrorCodeAuthExpired), *strava.ErrorCode)
		require.NotNil(t, strava.NeedsReauth)
		assert.True(t, *strava.NeedsReauth)

		assert.Equal(t, 2, resp.TotalDataPoints)
		assert.Equal(t, 1, resp.SyncedProviders)
		assert.Equal(t, 1, resp.FailedProviders)

		stored, err := env.points.ListPoints(ctx, userID, day(1), day(8))
		require.NoError(t, err)
		assert.Len(t, stored, 2)
	})

	t.Run("repeated sync does not duplicate records", func(t *testing.T) {
		resp := postSync(t, env.router, userID, []api.Provider{api.ProviderOura})
		require.Len(t, resp.Results, 1)
		assert.Equal(t, 2, resp.Results[0].DataPointCount)

		stored, err := env.points.ListPoints(ctx, userID, day(1), day(8))
		require.NoError(t, err)
		assert.Len(t, stored, 2)
	})

	t.Run("connections report sync state", func(t *testing.T) {
		conns := getConnections(t, env.router, userID)
		require.Len(t, conns, 2)

		byProvider := map[api.Provider]api.Connection{}
		for _, c := range conns {
			byProvider[c.Provider] = c
		}
		assert.NotNil(t, byProvider[api.ProviderOura].LastSyncAt)
		assert.False(t, byProvider[api.ProviderOura].NeedsReauth)
		assert.True(t, byProvider[api.ProviderStrava].NeedsReauth)
		assert.Nil(t, byProvider[api.ProviderStrava].LastSyncAt)
	})

	t.Run("apple export import then sync", func(t *testing.T) {
		body, contentType := multipartExport(t, userID, appleExport)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/wearables/apple/import", body)
		req.Header.Set("Content-Type", contentType)
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var imported api.AppleImportResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &imported))
		assert.Equal(t, api.ProviderApple, imported.Provider)
		assert.NotEmpty(t, imported.ExportName)

		resp := postSync(t, env.router, userID, []api.Provider{api.ProviderApple})
		require.Len(t, resp.Results, 1)
		assert.True(t, resp.Results[0].Success)
		assert.Equal(t, 3, resp.Results[0].DataPointCount)
	})

	t.Run("default providers cover every connection", func(t *testing.T) {
		resp := postSync(t, env.router, userID, nil)

		var got []api.Provider
		for _, r := range resp.Results {
			got = append(got, r.Provider)
		}
		assert.Equal(t, []api.Provider{api.ProviderOura, api.ProviderApple, api.ProviderStrava}, got)
	})

	t.Run("inverted range is rejected before any provider call", func(t *testing.T) {
		before := atomic.LoadInt32(env.ouraHits)

		payload := []byte(`{"userId":"` + userID + `","startDate":"2024-01-07","endDate":"2024-01-01"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/wearables/sync", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var errResp api.ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
		assert.Equal(t, "VALIDATION_ERROR", errResp.Code)
		assert.Equal(t, before, atomic.LoadInt32(env.ouraHits))
	})

	t.Run("disconnect deactivates the connection", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/wearables/connections/strava?userId="+userID, nil)
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNoContent, w.Code)

		resp := postSync(t, env.router, userID, []api.Provider{api.ProviderStrava})
		assert.Empty(t, resp.Results)
	})

	t.Run("sync runs are audited", func(t *testing.T) {
		var count int
		err := env.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM audit_logs WHERE user_id = $1 AND operation_type = $2`,
			userID, string(audit.OperationSync),
		).Scan(&count)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, count, 4)
	})

	t.Run("synced points are readable by category", func(t *testing.T) {
		all := getPoints(t, env.router, userID, "")
		assert.Len(t, all.Points, 5)

		activity := getPoints(t, env.router, userID, "&category=activity")
		for _, p := range activity.Points {
			assert.Equal(t, api.CategoryActivity, p.Category)
		}
		assert.NotEmpty(t, activity.Points)
		assert.LessOrEqual(t, len(activity.Points), len(all.Points))
	})

	t.Run("export contains connections and points", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/users/"+userID+"/export", nil)
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")

		var export service.UserDataExport
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &export))
		assert.Equal(t, userID, export.UserID)
		assert.Len(t, export.Connections, 3)
		assert.Len(t, export.HealthPoints, 5)
		assert.NotEmpty(t, export.AuditTrail)
		assert.NotContains(t, w.Body.String(), "access_token")
	})

	t.Run("erasure removes everything for the user", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/users/"+userID+"/data", nil)
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var deleted api.UserDataDeletionResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &deleted))
		assert.Equal(t, int64(3), deleted.DeletedConnections)
		assert.Equal(t, int64(5), deleted.DeletedHealthPoints)
		assert.Equal(t, int64(1), deleted.DeletedExports)
		assert.Empty(t, env.exports.ListBlobs())

		assert.Empty(t, getPoints(t, env.router, userID, "").Points)
		assert.Empty(t, getConnections(t, env.router, userID))

		var count int
		err := env.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM audit_logs WHERE user_id = $1 AND resource_type = $2`,
			userID, string(audit.ResourceUserData),
		).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func getPoints(t *testing.T, router *gin.Engine, userID, extra string) api.HealthPointsResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/wearables/points?userId="+userID+"&startDate=2000-01-01&endDate=2099-12-31"+extra, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.HealthPointsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func setupSyncEnv(t *testing.T, ctx context.Context) *syncEnv {
	t.Helper()
	logger := zap.NewNop()

	pool := setupTestDatabase(t, ctx)

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	encryptor, err := security.NewEncryptor(key)
	require.NoError(t, err)

	var ouraHits int32
	ouraServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&ouraHits, 1)
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/v2/usercollection/daily_activity" {
			_, _ = w.Write([]byte(`{"data":[{"id":"a1","day":"2024-01-03","steps":8000,"active_calories":400}],"next_token":null}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":[],"next_token":null}`))
	}))
	t.Cleanup(ouraServer.Close)

	stravaServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Authorization Error"}`))
	}))
	t.Cleanup(stravaServer.Close)

	exports := azure.NewMemoryExportStore(logger)
	registry := provider.NewDefaultRegistry(map[model.Provider]string{
		model.ProviderOura:   ouraServer.URL,
		model.ProviderStrava: stravaServer.URL,
	}, exports, logger)

	connections := repository.NewConnectionRepository(pool, encryptor, logger)
	points := repository.NewHealthPointRepository(pool, logger)

	auditLogger := audit.NewLogger(pool, logger)
	syncService := service.NewSyncService(
		connections,
		points,
		registry,
		ratelimit.NewFixedWindowLimiter(ratelimit.DefaultRules(), logger),
		exports,
		events.NopPublisher{},
		auditLogger,
		service.SyncOptions{ProviderTimeout: 10 * time.Second},
		logger,
	)

	swagger, err := api.GetSwagger()
	require.NoError(t, err)
	validator, err := api.OapiRequestValidator(swagger, logger)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(validator)
	api.RegisterHandlers(router, &apiServer{
		WearablesHandler:  handler.NewWearablesHandler(syncService, 30*24*time.Hour, logger),
		HealthDataHandler: handler.NewHealthDataHandler(service.NewHealthDataService(points, logger), 30*24*time.Hour, logger),
		GDPRHandler: handler.NewGDPRHandler(
			service.NewGDPRService(repository.NewUserDataRepository(pool, logger), connections, points, exports, auditLogger, logger),
			logger,
		),
		HealthHandler: handler.NewHealthHandler(pool, logger),
	})

	return &syncEnv{
		router:      router,
		pool:        pool,
		connections: connections,
		points:      points,
		exports:     exports,
		ouraHits:    &ouraHits,
	}
}

// setupTestDatabase starts PostgreSQL in a container and applies the schema
func setupTestDatabase(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("wearable_sync_integration"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	connString, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	for _, stmt := range repository.Schema {
		_, err := pool.Exec(ctx, stmt)
		require.NoError(t, err, "failed to apply schema")
	}
	return pool
}

func connect(t *testing.T, repo *repository.ConnectionRepository, userID string, p model.Provider) {
	t.Helper()
	require.NoError(t, repo.Upsert(context.Background(), &model.ProviderConnection{
		UserID:      userID,
		Provider:    p,
		AccessToken: "token-" + string(p),
	}))
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func postSync(t *testing.T, router *gin.Engine, userID string, providers []api.Provider) api.SyncResponse {
	t.Helper()

	payload := map[string]any{
		"userId":    userID,
		"startDate": "2024-01-01",
		"endDate":   "2024-01-07",
	}
	if providers != nil {
		payload["providers"] = providers
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/wearables/sync", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.SyncResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func getConnections(t *testing.T, router *gin.Engine, userID string) []api.Connection {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/wearables/connections?userId="+userID, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.ConnectionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Connections
}

func multipartExport(t *testing.T, userID, export string) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	require.NoError(t, mw.WriteField("userId", userID))
	part, err := mw.CreateFormFile("file", "export.xml")
	require.NoError(t, err)
	_, err = part.Write([]byte(export))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	return body, mw.FormDataContentType()
}
