package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownCategory is returned when a health point carries a category outside the canonical set
var ErrUnknownCategory = errors.New("unknown health data category")

// Provider identifies a third-party wearable data source
type Provider string

const (
	ProviderOura   Provider = "oura"
	ProviderGoogle Provider = "google"
	ProviderWhoop  Provider = "whoop"
	ProviderStrava Provider = "strava"
	ProviderApple  Provider = "apple"
	ProviderFitbit Provider = "fitbit"
)

// AllProviders lists every supported provider in their default reporting order
func AllProviders() []Provider {
	return []Provider{
		ProviderOura,
		ProviderApple,
		ProviderGoogle,
		ProviderWhoop,
		ProviderStrava,
		ProviderFitbit,
	}
}

// ParseProvider converts a provider name into a Provider
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case ProviderOura, ProviderGoogle, ProviderWhoop, ProviderStrava, ProviderApple, ProviderFitbit:
		return p, nil
	}
	return "", fmt.Errorf("unknown provider: %q", s)
}

// Category is a canonical health data category
type Category string

const (
	CategorySleep     Category = "sleep"
	CategoryHeartRate Category = "heartRate"
	CategoryActivity  Category = "activity"
	CategoryWorkout   Category = "workout"
)

// AllCategories lists the canonical categories in sync order
func AllCategories() []Category {
	return []Category{CategorySleep, CategoryHeartRate, CategoryActivity, CategoryWorkout}
}

// Valid reports whether c is one of the canonical categories
func (c Category) Valid() bool {
	switch c {
	case CategorySleep, CategoryHeartRate, CategoryActivity, CategoryWorkout:
		return true
	}
	return false
}

// ParseCategory converts a category name into a Category
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
	}
	return c, nil
}

// ProviderConnection is a user's link to a provider account
type ProviderConnection struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"user_id"`
	Provider            Provider   `json:"provider"`
	AccessToken         string     `json:"-"`
	RefreshToken        *string    `json:"-"`
	IsActive            bool       `json:"is_active"`
	NeedsReauth         bool       `json:"needs_reauth"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSyncAt          *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`

	// CredentialsUnreadable is set when the stored tokens failed to decrypt
	CredentialsUnreadable bool `json:"-"`
}

// SyncCursor tells the scheduler how far back a user's data is complete.
// OldestLastSync is nil while any active connection has never synced.
type SyncCursor struct {
	UserID         string
	OldestLastSync *time.Time
}

// SyncRequest describes one synchronization pass; never persisted
type SyncRequest struct {
	UserID    string
	Providers []Provider
	StartDate time.Time
	EndDate   time.Time
}

// Validate checks the request before any provider is contacted
func (r SyncRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("user ID is required")
	}
	if r.StartDate.After(r.EndDate) {
		return fmt.Errorf("start date must be before or equal to end date")
	}
	return nil
}

// ErrorCode classifies why a provider sync did not succeed
type ErrorCode string

const (
	ErrorCodeAuthExpired         ErrorCode = "auth_expired"
	ErrorCodeRateLimited         ErrorCode = "rate_limited"
	ErrorCodeFetchFailed         ErrorCode = "fetch_failed"
	ErrorCodeNormalizationFailed ErrorCode = "normalization_failed"
	ErrorCodeWriteFailed         ErrorCode = "write_failed"
	ErrorCodeUnsupportedProvider ErrorCode = "unsupported_provider"
)

// SyncResult reports the outcome of syncing one provider
type SyncResult struct {
	Provider            Provider  `json:"provider"`
	Success             bool      `json:"success"`
	DataPointCount      int       `json:"data_point_count"`
	ErrorCode           ErrorCode `json:"error_code,omitempty"`
	ErrorMessage        string    `json:"error_message,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures,omitempty"`
	Unhealthy           bool      `json:"unhealthy,omitempty"`
	NeedsReauth         bool      `json:"needs_reauth,omitempty"`
}

// HealthPoint is the provider-agnostic canonical record
type HealthPoint struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	Provider       Provider       `json:"provider"`
	Category       Category       `json:"category"`
	Metric         string         `json:"metric"` // sleep_duration, resting_heart_rate, steps, workout_duration...
	Timestamp      time.Time      `json:"timestamp"`
	Value          float64        `json:"value"`
	Unit           string         `json:"unit"`
	SourceRecordID string         `json:"source_record_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Validate enforces provenance and category invariants
func (p HealthPoint) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("health point missing user ID")
	}
	if p.Provider == "" {
		return fmt.Errorf("health point missing provider")
	}
	if !p.Category.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, p.Category)
	}
	if p.Metric == "" {
		return fmt.Errorf("health point missing metric")
	}
	if p.Timestamp.IsZero() {
		return fmt.Errorf("health point missing timestamp")
	}
	return nil
}
