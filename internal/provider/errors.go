package provider

import (
	"errors"
	"fmt"

	"github.com/vcscsvcscs/wearable-sync/pkg/model"
)

var (
	// ErrInvalidDateRange is returned when start is after end
	ErrInvalidDateRange = errors.New("start date must be before or equal to end date")
	// ErrUnsupportedProvider is returned when no client is registered for a provider
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// maxPayloadPreview caps how much of a raw payload ends up in logs
const maxPayloadPreview = 512

// FetchError covers network failures, timeouts and non-2xx responses
type FetchError struct {
	Provider   model.Provider
	StatusCode int
	Message    string
	Err        error
}

func (e *FetchError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s fetch failed: status %d: %s", e.Provider, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s fetch failed: %s", e.Provider, msg)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// AuthExpiredError means the provider rejected the access token
type AuthExpiredError struct {
	Provider model.Provider
	Message  string
}

func (e *AuthExpiredError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s access token expired or revoked", e.Provider)
	}
	return fmt.Sprintf("%s access token expired or revoked: %s", e.Provider, e.Message)
}

// NormalizationError means the provider returned data in an unexpected shape
type NormalizationError struct {
	Provider model.Provider
	Category model.Category
	Payload  []byte
	Err      error
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("%s %s normalization failed: %v", e.Provider, e.Category, e.Err)
}

func (e *NormalizationError) Unwrap() error {
	return e.Err
}

// PayloadPreview returns the raw payload truncated for logging
func (e *NormalizationError) PayloadPreview() string {
	if len(e.Payload) <= maxPayloadPreview {
		return string(e.Payload)
	}
	return string(e.Payload[:maxPayloadPreview]) + "..."
}

// IsAuthExpired reports whether err is or wraps an AuthExpiredError
func IsAuthExpired(err error) bool {
	var authErr *AuthExpiredError
	return errors.As(err, &authErr)
}

// withCategory fills in the category of a NormalizationError raised below the category level
func withCategory(err error, category model.Category) error {
	var normErr *NormalizationError
	if errors.As(err, &normErr) && normErr.Category == "" {
		normErr.Category = category
	}
	return err
}
