package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vcscsvcscs/wearable-sync/internal/azure"
	"github.com/vcscsvcscs/wearable-sync/internal/config"
	"github.com/vcscsvcscs/wearable-sync/internal/provider"
	"github.com/vcscsvcscs/wearable-sync/internal/ratelimit"
	"github.com/vcscsvcscs/wearable-sync/internal/repository"
	"github.com/vcscsvcscs/wearable-sync/internal/security"
	"github.com/vcscsvcscs/wearable-sync/internal/service"
	"github.com/vcscsvcscs/wearable-sync/pkg/model"
	"go.uber.org/zap"
)

type report struct {
	UserID          string             `json:"user_id"`
	StartDate       time.Time          `json:"start_date"`
	EndDate         time.Time          `json:"end_date"`
	Results         []model.SyncResult `json:"results"`
	TotalDataPoints int                `json:"total_data_points"`
}

func main() {
	userID := flag.String("user", "", "user ID to sync (required)")
	providers := flag.String("providers", "", "comma-separated providers, empty for all")
	days := flag.Int("days", 0, "days to look back, 0 uses the configured lookback")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *userID == "" {
		logger.Fatal("Missing user. Pass -user")
	}

	requested, err := parseProviders(*providers)
	if err != nil {
		logger.Fatal("Invalid providers flag", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	lookback := cfg.Sync.Lookback()
	if *days > 0 {
		lookback = time.Duration(*days) * 24 * time.Hour
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

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
		logger.Fatal("Failed to initialize export store", zap.Error(err))
	}

	syncService := service.NewSyncService(
		repository.NewConnectionRepository(pool, encryptor, logger),
		repository.NewHealthPointRepository(pool, logger),
		provider.NewDefaultRegistry(cfg.Providers.BaseURLs(), exportStore, logger),
		ratelimit.NewFixedWindowLimiter(cfg.Providers.RateLimitRules(), logger),
		exportStore,
		nil,
		nil,
		service.SyncOptions{
			ProviderTimeout:    cfg.Sync.ProviderTimeout,
			MaxConcurrency:     cfg.Sync.MaxConcurrency,
			UnhealthyThreshold: cfg.Sync.UnhealthyThreshold,
		},
		logger,
	)

	end := time.Now().UTC()
	start := end.Add(-lookback)

	results, err := syncService.SyncAll(ctx, model.SyncRequest{
		UserID:    *userID,
		Providers: requested,
		StartDate: start,
		EndDate:   end,
	})
	if err != nil {
		logger.Fatal("Sync failed", zap.Error(err))
	}

	out := report{UserID: *userID, StartDate: start, EndDate: end, Results: results}
	for _, r := range results {
		out.TotalDataPoints += r.DataPointCount
	}

	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		logger.Fatal("Failed to encode report", zap.Error(err))
	}
	fmt.Println(string(encoded))

	for _, r := range results {
		if !r.Success {
			os.Exit(2)
		}
	}
}

// parseProviders splits a comma-separated provider list
func parseProviders(s string) ([]model.Provider, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var out []model.Provider
	for _, name := range strings.Split(s, ",") {
		p, err := model.ParseProvider(name)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
