// Package provider wraps each wearable provider's API behind a uniform
// fetch-by-date-range and normalize contract.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/vcscsvcscs/wearable-sync/pkg/model"
	"go.uber.org/zap"
)

// Client is implemented once per provider
type Client interface {
	Provider() model.Provider
	// Supports reports whether the provider exposes the category at all
	Supports(category model.Category) bool
	// FetchCategory returns raw provider records for the inclusive date range.
	// An unsupported category yields an empty slice and a nil error.
	FetchCategory(ctx context.Context, accessToken string, category model.Category, start, end time.Time) ([]RawRecord, error)
	// Normalize converts raw records into canonical health points
	Normalize(userID string, records []RawRecord) ([]model.HealthPoint, error)
}

// RawRecord is one provider-specific record as returned by the upstream API
type RawRecord struct {
	Provider model.Provider  `json:"provider"`
	Category model.Category  `json:"category"`
	Payload  json.RawMessage `json:"payload"`
}

// ValidateRange rejects ranges whose start is after their end
func ValidateRange(start, end time.Time) error {
	if start.After(end) {
		return fmt.Errorf("%w: %s > %s", ErrInvalidDateRange, start.Format(time.DateOnly), end.Format(time.DateOnly))
	}
	return nil
}

// dayBounds widens an inclusive date range to whole UTC days
func dayBounds(start, end time.Time) (time.Time, time.Time) {
	from := start.UTC().Truncate(24 * time.Hour)
	to := end.UTC().Truncate(24 * time.Hour).Add(24*time.Hour - time.Second)
	return from, to
}

// Registry maps provider names to clients
type Registry struct {
	mu      sync.RWMutex
	clients map[model.Provider]Client
}

// NewRegistry creates a registry holding the given clients
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[model.Provider]Client, len(clients))}
	for _, c := range clients {
		r.Register(c)
	}
	return r
}

// Register adds or replaces the client for its provider
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Provider()] = c
}

// Get returns the client registered for p
func (r *Registry) Get(p model.Provider) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, p)
	}
	return c, nil
}

// Providers lists registered providers in name order
func (r *Registry) Providers() []model.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Provider, 0, len(r.clients))
	for p := range r.clients {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NewDefaultRegistry registers a client for every supported provider.
// baseURLs overrides API roots by provider; missing entries use production.
func NewDefaultRegistry(baseURLs map[model.Provider]string, exports ExportOpener, logger *zap.Logger) *Registry {
	opts := func(p model.Provider) HTTPOptions {
		return HTTPOptions{BaseURL: baseURLs[p]}
	}

	return NewRegistry(
		NewOuraClient(opts(model.ProviderOura), logger),
		NewGoogleFitClient(opts(model.ProviderGoogle), logger),
		NewWhoopClient(opts(model.ProviderWhoop), logger),
		NewStravaClient(opts(model.ProviderStrava), logger),
		NewFitbitClient(opts(model.ProviderFitbit), logger),
		NewAppleClient(exports, logger),
	)
}
