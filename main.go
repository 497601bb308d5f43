package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vcscsvcscs/wearable-sync/internal/audit"
	"github.com/vcscsvcscs/wearable-sync/internal/azure"
	"github.com/vcscsvcscs/wearable-sync/internal/config"
	"github.com/vcscsvcscs/wearable-sync/internal/events"
	"github.com/vcscsvcscs/wearable-sync/internal/handler"
	"github.com/vcscsvcscs/wearable-sync/internal/middleware"
	"github.com/vcscsvcscs/wearable-sync/internal/provider"
	"github.com/vcscsvcscs/wearable-sync/internal/ratelimit"
	"github.com/vcscsvcscs/wearable-sync/internal/repository"
	"github.com/vcscsvcscs/wearable-sync/internal/scheduler"
	"github.com/vcscsvcscs/wearable-sync/internal/security"
	"github.com/vcscsvcscs/wearable-sync/internal/service"
	"github.com/vcscsvcscs/wearable-sync/pkg/api"
	"go.uber.org/zap"
)

var (
	logger *zap.Logger
	pool   *pgxpool.Pool
	cfg    *config.Config
)

func main() {
	// Load configuration
	var err error
	cfg, err = config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize Zap logger
	if cfg.Server.Environment == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded successfully",
		zap.String("environment", cfg.Server.Environment),
		zap.String("port", cfg.Server.Port),
	)

	// Initialize database connection pool with pgx
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to parse database URL", zap.Error(err))
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.Database.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime

	pool, err = pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	// Test database connection
	if err := pool.Ping(context.Background()); err != nil {
		logger.Fatal("Failed to ping database", zap.Error(err))
	}
	logger.Info("Successfully connected to database")

	encryptor, err := security.NewEncryptorFromBase64(cfg.Security.TokenKey)
	if err != nil {
		logger.Fatal("Failed to initialize token encryptor", zap.Error(err))
	}

	exportStore, err := azure.NewExportStore(
		cfg.Azure.Storage.ConnectionString,
		cfg.Azure.Storage.AccountName,
		cfg.Azure.Storage.AccountKey,
		cfg.Azure.Storage.ExportContainer,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to initialize Azure Blob Storage client", zap.Error(err))
	}

	// Initialize repositories
	connectionRepo := repository.NewConnectionRepository(pool, encryptor, logger)
	healthPointRepo := repository.NewHealthPointRepository(pool, logger)
	userDataRepo := repository.NewUserDataRepository(pool, logger)

	registry := provider.NewDefaultRegistry(cfg.Providers.BaseURLs(), exportStore, logger)
	limiter := ratelimit.NewFixedWindowLimiter(cfg.Providers.RateLimitRules(), logger)

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		logger.Info("Publishing sync events to Kafka",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
	}

	auditLogger := audit.NewLogger(pool, logger)

	// Initialize services
	syncService := service.NewSyncService(
		connectionRepo,
		healthPointRepo,
		registry,
		limiter,
		exportStore,
		publisher,
		auditLogger,
		service.SyncOptions{
			ProviderTimeout:    cfg.Sync.ProviderTimeout,
			MaxConcurrency:     cfg.Sync.MaxConcurrency,
			UnhealthyThreshold: cfg.Sync.UnhealthyThreshold,
		},
		logger,
	)

	healthDataService := service.NewHealthDataService(healthPointRepo, logger)
	gdprService := service.NewGDPRService(userDataRepo, connectionRepo, healthPointRepo, exportStore, auditLogger, logger)

	// Initialize handlers
	apiHandler := &APIHandler{
		wearables:  handler.NewWearablesHandler(syncService, cfg.Sync.Lookback(), logger),
		healthData: handler.NewHealthDataHandler(healthDataService, cfg.Sync.Lookback(), logger),
		gdpr:       handler.NewGDPRHandler(gdprService, logger),
		health:     handler.NewHealthHandler(pool, logger),
	}

	// Set Gin mode
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	swagger, err := api.GetSwagger()
	if err != nil {
		logger.Fatal("Failed to load OpenAPI document", zap.Error(err))
	}
	validator, err := api.OapiRequestValidator(swagger, logger)
	if err != nil {
		logger.Fatal("Failed to build request validator", zap.Error(err))
	}

	// Initialize Gin router
	r := gin.New()

	// Add recovery middleware (must be first)
	r.Use(middleware.RecoveryMiddleware(logger))

	// Add CORS middleware
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.RequestLoggingMiddleware(logger))
	r.Use(middleware.ErrorLoggingMiddleware(logger))
	r.Use(middleware.SlowRequestLoggingMiddleware(logger, cfg.Sync.ProviderTimeout+5*time.Second))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Requests are validated against the embedded OpenAPI document
	r.Use(validator)

	// Register API handlers
	api.RegisterHandlers(r, apiHandler)

	// Background sync
	schedCtx, stopScheduler := context.WithCancel(context.Background())
	defer stopScheduler()

	var sched *scheduler.Scheduler
	if cfg.Sync.SchedulerEnabled {
		sched = scheduler.NewScheduler(connectionRepo, syncService, cfg.Sync.SchedulerInterval, cfg.Sync.Lookback(), logger)
		go sched.Start(schedCtx)
	}

	// Start server with graceful shutdown
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Starting server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Create shutdown context with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Attempt graceful shutdown
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	stopScheduler()
	if sched != nil {
		sched.Wait()
	}

	if err := publisher.Close(); err != nil {
		logger.Error("Failed to close event publisher", zap.Error(err))
	}

	// Close database connections
	pool.Close()

	logger.Info("Server exited")
}

// APIHandler implements the ServerInterface by delegating to individual handlers
type APIHandler struct {
	wearables  *handler.WearablesHandler
	healthData *handler.HealthDataHandler
	gdpr       *handler.GDPRHandler
	health     *handler.HealthHandler
}

// GetHealth implements the health check endpoint
func (h *APIHandler) GetHealth(c *gin.Context) {
	h.health.GetHealth(c)
}

// Wearable sync endpoints
func (h *APIHandler) PostApiV1WearablesSync(c *gin.Context) {
	h.wearables.PostApiV1WearablesSync(c)
}

func (h *APIHandler) GetApiV1WearablesConnections(c *gin.Context, params api.GetApiV1WearablesConnectionsParams) {
	h.wearables.GetApiV1WearablesConnections(c, params)
}

func (h *APIHandler) DeleteApiV1WearablesConnectionsProvider(c *gin.Context, provider api.Provider, params api.DeleteApiV1WearablesConnectionsProviderParams) {
	h.wearables.DeleteApiV1WearablesConnectionsProvider(c, provider, params)
}

func (h *APIHandler) PostApiV1WearablesAppleImport(c *gin.Context) {
	h.wearables.PostApiV1WearablesAppleImport(c)
}

func (h *APIHandler) GetApiV1WearablesPoints(c *gin.Context, params api.GetApiV1WearablesPointsParams) {
	h.healthData.GetApiV1WearablesPoints(c, params)
}

// GDPR endpoints
func (h *APIHandler) GetApiV1UsersUserIdExport(c *gin.Context, userId string) {
	h.gdpr.GetApiV1UsersUserIdExport(c, userId)
}

func (h *APIHandler) DeleteApiV1UsersUserIdData(c *gin.Context, userId string) {
	h.gdpr.DeleteApiV1UsersUserIdData(c, userId)
}
