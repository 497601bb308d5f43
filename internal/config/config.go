package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"github.com/vcscsvcscs/wearable-sync/internal/ratelimit"
	"github.com/vcscsvcscs/wearable-sync/pkg/model"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Azure     AzureConfig
	Logging   LoggingConfig
	Sync      SyncConfig
	Providers ProvidersConfig
	Security  SecurityConfig
	Kafka     KafkaConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port            string
	Environment     string
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// AzureConfig holds Azure service configuration
type AzureConfig struct {
	Storage StorageConfig
}

// StorageConfig holds Azure Blob Storage configuration
type StorageConfig struct {
	AccountName      string
	AccountKey       string
	ConnectionString string
	ExportContainer  string
}

// Configured reports whether blob storage credentials are present
func (s StorageConfig) Configured() bool {
	return s.ConnectionString != "" || (s.AccountName != "" && s.AccountKey != "")
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string // json or console
}

// SyncConfig tunes the sync manager and the scheduler
type SyncConfig struct {
	ProviderTimeout    time.Duration
	MaxConcurrency     int
	LookbackDays       int
	UnhealthyThreshold int
	SchedulerEnabled   bool
	SchedulerInterval  time.Duration
}

// Lookback is the default sync window
func (s SyncConfig) Lookback() time.Duration {
	return time.Duration(s.LookbackDays) * 24 * time.Hour
}

// ProviderConfig overrides one provider's API location and request budget
type ProviderConfig struct {
	BaseURL         string
	RateLimit       int
	RateLimitWindow time.Duration
}

// ProvidersConfig holds per-provider settings
type ProvidersConfig struct {
	Oura   ProviderConfig
	Google ProviderConfig
	Whoop  ProviderConfig
	Strava ProviderConfig
	Apple  ProviderConfig
	Fitbit ProviderConfig
}

// Get returns the settings for p
func (c ProvidersConfig) Get(p model.Provider) ProviderConfig {
	switch p {
	case model.ProviderOura:
		return c.Oura
	case model.ProviderGoogle:
		return c.Google
	case model.ProviderWhoop:
		return c.Whoop
	case model.ProviderStrava:
		return c.Strava
	case model.ProviderApple:
		return c.Apple
	case model.ProviderFitbit:
		return c.Fitbit
	}
	return ProviderConfig{}
}

// BaseURLs returns the configured API root overrides
func (c ProvidersConfig) BaseURLs() map[model.Provider]string {
	out := make(map[model.Provider]string)
	for _, p := range model.AllProviders() {
		if u := c.Get(p).BaseURL; u != "" {
			out[p] = u
		}
	}
	return out
}

// RateLimitRules converts configured budgets into limiter rules
func (c ProvidersConfig) RateLimitRules() map[model.Provider]ratelimit.Rule {
	rules := ratelimit.DefaultRules()
	for _, p := range model.AllProviders() {
		pc := c.Get(p)
		if pc.RateLimit <= 0 {
			continue
		}
		window := pc.RateLimitWindow
		if window <= 0 {
			window = ratelimit.DefaultWindow
		}
		rules[p] = ratelimit.Rule{Ceiling: pc.RateLimit, Window: window}
	}
	return rules
}

// SecurityConfig holds the provider token encryption key
type SecurityConfig struct {
	TokenKey string // base64, 32 bytes decoded
}

// KafkaConfig holds sync event publishing configuration.
// Publishing is disabled when no brokers are set.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Load reads configuration from environment variables and config files
func Load() (*Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Read from environment variables
	v.AutomaticEnv()

	// Bind specific environment variables
	bindEnvVars(v)

	// Unmarshal into config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.shutdowntimeout", 30*time.Second)

	// Database defaults
	v.SetDefault("database.maxopenconns", 25)
	v.SetDefault("database.maxidleconns", 5)
	v.SetDefault("database.connmaxlifetime", 5*time.Minute)

	// Azure Storage defaults
	v.SetDefault("azure.storage.exportcontainer", "health-exports")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Sync defaults
	v.SetDefault("sync.providertimeout", 30*time.Second)
	v.SetDefault("sync.maxconcurrency", len(model.AllProviders()))
	v.SetDefault("sync.lookbackdays", 30)
	v.SetDefault("sync.unhealthythreshold", 3)
	v.SetDefault("sync.schedulerenabled", false)
	v.SetDefault("sync.schedulerinterval", 6*time.Hour)

	// Provider request budgets
	v.SetDefault("providers.oura.ratelimit", 150)
	v.SetDefault("providers.google.ratelimit", 100)
	v.SetDefault("providers.whoop.ratelimit", 200)
	v.SetDefault("providers.strava.ratelimit", 600)
	v.SetDefault("providers.strava.ratelimitwindow", 15*time.Minute)
	v.SetDefault("providers.apple.ratelimit", 1000)
	v.SetDefault("providers.fitbit.ratelimit", 150)
	for _, p := range []string{"oura", "google", "whoop", "apple", "fitbit"} {
		v.SetDefault("providers."+p+".ratelimitwindow", time.Minute)
	}

	// Kafka defaults
	v.SetDefault("kafka.topic", "wearable-sync-events")
}

// bindEnvVars binds environment variables to config keys
func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.environment", "ENV", "ENVIRONMENT")

	// Database
	v.BindEnv("database.url", "DATABASE_URL")

	// Azure Storage
	v.BindEnv("azure.storage.accountname", "AZURE_STORAGE_ACCOUNT_NAME")
	v.BindEnv("azure.storage.accountkey", "AZURE_STORAGE_ACCOUNT_KEY")
	v.BindEnv("azure.storage.connectionstring", "AZURE_STORAGE_CONNECTION_STRING")
	v.BindEnv("azure.storage.exportcontainer", "AZURE_STORAGE_EXPORT_CONTAINER")

	// Logging
	v.BindEnv("logging.level", "LOG_LEVEL")
	v.BindEnv("logging.format", "LOG_FORMAT")

	// Sync
	v.BindEnv("sync.providertimeout", "SYNC_PROVIDER_TIMEOUT")
	v.BindEnv("sync.maxconcurrency", "SYNC_MAX_CONCURRENCY")
	v.BindEnv("sync.lookbackdays", "SYNC_LOOKBACK_DAYS")
	v.BindEnv("sync.unhealthythreshold", "SYNC_UNHEALTHY_THRESHOLD")
	v.BindEnv("sync.schedulerenabled", "SYNC_SCHEDULER_ENABLED")
	v.BindEnv("sync.schedulerinterval", "SYNC_SCHEDULER_INTERVAL")

	// Provider API overrides
	v.BindEnv("providers.oura.baseurl", "OURA_API_URL")
	v.BindEnv("providers.google.baseurl", "GOOGLE_FIT_API_URL")
	v.BindEnv("providers.whoop.baseurl", "WHOOP_API_URL")
	v.BindEnv("providers.strava.baseurl", "STRAVA_API_URL")
	v.BindEnv("providers.fitbit.baseurl", "FITBIT_API_URL")

	// Security
	v.BindEnv("security.tokenkey", "TOKEN_ENCRYPTION_KEY")

	// Kafka
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.topic", "KAFKA_SYNC_TOPIC")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate required fields
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}

	if c.Security.TokenKey == "" {
		return fmt.Errorf("security.tokenkey is required")
	}

	if c.Server.Environment == "production" && !c.Azure.Storage.Configured() {
		return fmt.Errorf("azure storage credentials are required (either connection string or account name + key)")
	}

	if c.Sync.ProviderTimeout <= 0 {
		return fmt.Errorf("sync.providertimeout must be positive")
	}

	if c.Sync.MaxConcurrency <= 0 {
		return fmt.Errorf("sync.maxconcurrency must be positive")
	}

	if c.Sync.LookbackDays <= 0 {
		return fmt.Errorf("sync.lookbackdays must be positive")
	}

	if c.Sync.SchedulerEnabled && c.Sync.SchedulerInterval <= 0 {
		return fmt.Errorf("sync.schedulerinterval must be positive when the scheduler is enabled")
	}

	for _, p := range model.AllProviders() {
		if c.Providers.Get(p).RateLimit <= 0 {
			return fmt.Errorf("providers.%s.ratelimit must be positive", p)
		}
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when kafka.brokers is set")
	}

	return nil
}
