// Package api holds the HTTP contract of the sync service: the embedded
// OpenAPI document, its request/response types and the gin bindings.
package api

import (
	"time"

	"github.com/oapi-codegen/runtime/types"
)

// Provider defines model for Provider.
type Provider string

const (
	ProviderOura   Provider = "oura"
	ProviderGoogle Provider = "google"
	ProviderWhoop  Provider = "whoop"
	ProviderStrava Provider = "strava"
	ProviderApple  Provider = "apple"
	ProviderFitbit Provider = "fitbit"
)

// SyncRequest defines model for SyncRequest.
type SyncRequest struct {
	UserId    string      `json:"userId"`
	Providers *[]Provider `json:"providers,omitempty"`
	StartDate *types.Date `json:"startDate,omitempty"`
	EndDate   *types.Date `json:"endDate,omitempty"`
}

// SyncResultErrorCode defines model for SyncResult.ErrorCode.
type SyncResultErrorCode string

// SyncResult defines model for SyncResult.
type SyncResult struct {
	Provider            Provider             `json:"provider"`
	Success             bool                 `json:"success"`
	DataPointCount      int                  `json:"dataPointCount"`
	ErrorCode           *SyncResultErrorCode `json:"errorCode,omitempty"`
	ErrorMessage        *string              `json:"errorMessage,omitempty"`
	ConsecutiveFailures *int                 `json:"consecutiveFailures,omitempty"`
	Unhealthy           *bool                `json:"unhealthy,omitempty"`
	NeedsReauth         *bool                `json:"needsReauth,omitempty"`
}

// SyncResponse defines model for SyncResponse.
type SyncResponse struct {
	Results         []SyncResult `json:"results"`
	TotalDataPoints int          `json:"totalDataPoints"`
	SyncedProviders int          `json:"syncedProviders"`
	FailedProviders int          `json:"failedProviders"`
	StartDate       *types.Date  `json:"startDate,omitempty"`
	EndDate         *types.Date  `json:"endDate,omitempty"`
}

// Connection defines model for Connection.
type Connection struct {
	Provider            Provider   `json:"provider"`
	IsActive            bool       `json:"isActive"`
	NeedsReauth         bool       `json:"needsReauth"`
	ConsecutiveFailures *int       `json:"consecutiveFailures,omitempty"`
	LastSyncAt          *time.Time `json:"lastSyncAt,omitempty"`
}

// ConnectionsResponse defines model for ConnectionsResponse.
type ConnectionsResponse struct {
	Connections []Connection `json:"connections"`
}

// AppleImportResponse defines model for AppleImportResponse.
type AppleImportResponse struct {
	Provider   Provider `json:"provider"`
	ExportName string   `json:"exportName"`
}

// Category defines model for Category.
type Category string

const (
	CategorySleep     Category = "sleep"
	CategoryHeartRate Category = "heartRate"
	CategoryActivity  Category = "activity"
	CategoryWorkout   Category = "workout"
)

// HealthPoint defines model for HealthPoint.
type HealthPoint struct {
	Provider       Provider  `json:"provider"`
	Category       Category  `json:"category"`
	Metric         string    `json:"metric"`
	Timestamp      time.Time `json:"timestamp"`
	Value          float64   `json:"value"`
	Unit           string    `json:"unit"`
	SourceRecordId *string   `json:"sourceRecordId,omitempty"`
}

// HealthPointsResponse defines model for HealthPointsResponse.
type HealthPointsResponse struct {
	Points []HealthPoint `json:"points"`
}

// UserDataDeletionResponse defines model for UserDataDeletionResponse.
type UserDataDeletionResponse struct {
	UserId              string `json:"userId"`
	DeletedConnections  int64  `json:"deletedConnections"`
	DeletedHealthPoints int64  `json:"deletedHealthPoints"`
	DeletedExports      int64  `json:"deletedExports"`
}

// ErrorResponse defines model for ErrorResponse.
type ErrorResponse struct {
	Code    string  `json:"code"`
	Message string  `json:"message"`
	Details *string `json:"details,omitempty"`
}

// GetApiV1WearablesConnectionsParams defines parameters for GetApiV1WearablesConnections.
type GetApiV1WearablesConnectionsParams struct {
	UserId string `form:"userId" json:"userId"`
}

// DeleteApiV1WearablesConnectionsProviderParams defines parameters for DeleteApiV1WearablesConnectionsProvider.
type DeleteApiV1WearablesConnectionsProviderParams struct {
	UserId string `form:"userId" json:"userId"`
}

// GetApiV1WearablesPointsParams defines parameters for GetApiV1WearablesPoints.
type GetApiV1WearablesPointsParams struct {
	UserId    string      `form:"userId" json:"userId"`
	StartDate *types.Date `form:"startDate,omitempty" json:"startDate,omitempty"`
	EndDate   *types.Date `form:"endDate,omitempty" json:"endDate,omitempty"`
	Category  *Category   `form:"category,omitempty" json:"category,omitempty"`
}
