package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/mock"
	"github.com/vcscsvcscs/wearable-sync/internal/audit"
	"github.com/vcscsvcscs/wearable-sync/internal/events"
	"github.com/vcscsvcscs/wearable-sync/internal/provider"
	"github.com/vcscsvcscs/wearable-sync/internal/repository"
	"github.com/vcscsvcscs/wearable-sync/pkg/model"
)

// fakeConnections is an in-memory connection registry
type fakeConnections struct {
	mu          sync.Mutex
	conns       map[string]map[model.Provider]*model.ProviderConnection
	lastSyncSet int
}

func newFakeConnections() *fakeConnections {
	return &fakeConnections{conns: make(map[string]map[model.Provider]*model.ProviderConnection)}
}

func (f *fakeConnections) connect(userID string, providers ...model.Provider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conns[userID] == nil {
		f.conns[userID] = make(map[model.Provider]*model.ProviderConnection)
	}
	for _, p := range providers {
		f.conns[userID][p] = &model.ProviderConnection{
			ID:          fmt.Sprintf("conn-%s-%s", userID, p),
			UserID:      userID,
			Provider:    p,
			AccessToken: "token-" + string(p),
			IsActive:    true,
		}
	}
}

func (f *fakeConnections) get(userID string, p model.Provider) model.ProviderConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[userID][p]
	if !ok {
		return model.ProviderConnection{}
	}
	return *c
}

func (f *fakeConnections) ListActiveConnections(_ context.Context, userID string, providers []model.Provider) ([]model.ProviderConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	wanted := make(map[model.Provider]bool, len(providers))
	for _, p := range providers {
		wanted[p] = true
	}

	var out []model.ProviderConnection
	for _, p := range model.AllProviders() {
		c, ok := f.conns[userID][p]
		if !ok || !c.IsActive {
			continue
		}
		if len(providers) > 0 && !wanted[p] {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeConnections) ListConnections(_ context.Context, userID string) ([]model.ProviderConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ProviderConnection
	for _, p := range model.AllProviders() {
		if c, ok := f.conns[userID][p]; ok {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeConnections) UpdateLastSync(_ context.Context, userID string, p model.Provider, syncedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[userID][p]
	if !ok {
		return repository.ErrConnectionNotFound
	}
	ts := syncedAt
	c.LastSyncAt = &ts
	c.ConsecutiveFailures = 0
	c.NeedsReauth = false
	f.lastSyncSet++
	return nil
}

func (f *fakeConnections) RecordFailure(_ context.Context, userID string, p model.Provider) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[userID][p]
	if !ok {
		return 0, repository.ErrConnectionNotFound
	}
	c.ConsecutiveFailures++
	return c.ConsecutiveFailures, nil
}

func (f *fakeConnections) MarkReauthRequired(_ context.Context, userID string, p model.Provider) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[userID][p]
	if !ok {
		return repository.ErrConnectionNotFound
	}
	c.NeedsReauth = true
	return nil
}

func (f *fakeConnections) Upsert(_ context.Context, conn *model.ProviderConnection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conns[conn.UserID] == nil {
		f.conns[conn.UserID] = make(map[model.Provider]*model.ProviderConnection)
	}
	if conn.ID == "" {
		conn.ID = fmt.Sprintf("conn-%s-%s", conn.UserID, conn.Provider)
	}
	conn.IsActive = true
	conn.NeedsReauth = false
	conn.ConsecutiveFailures = 0
	stored := *conn
	f.conns[conn.UserID][conn.Provider] = &stored
	return nil
}

func (f *fakeConnections) Deactivate(_ context.Context, userID string, p model.Provider) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[userID][p]
	if !ok || !c.IsActive {
		return repository.ErrConnectionNotFound
	}
	c.IsActive = false
	return nil
}

// fakeWriter deduplicates on the canonical key, like the database constraint
type fakeWriter struct {
	mu     sync.Mutex
	points map[string]model.HealthPoint
	err    error
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{points: make(map[string]model.HealthPoint)}
}

func (w *fakeWriter) WritePoints(_ context.Context, userID string, p model.Provider, category model.Category, points []model.HealthPoint) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	inserted := 0
	for _, pt := range points {
		key := fmt.Sprintf("%s|%s|%s|%s|%d", userID, p, category, pt.Metric, pt.Timestamp.UnixNano())
		if _, dup := w.points[key]; dup {
			continue
		}
		w.points[key] = pt
		inserted++
	}
	return inserted, nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.points)
}

// stubClient returns perCategory deterministic records for every category
type stubClient struct {
	provider     model.Provider
	perCategory  int
	fetchErr     error
	normalizeErr error
	// gate, when set, holds every fetch until it is closed or the context ends
	gate    chan struct{}
	started chan struct{}

	mu      sync.Mutex
	fetches int
}

func newStubClient(p model.Provider, perCategory int) *stubClient {
	return &stubClient{provider: p, perCategory: perCategory}
}

func (c *stubClient) Provider() model.Provider { return c.provider }

func (c *stubClient) Supports(model.Category) bool { return true }

func (c *stubClient) fetchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

func (c *stubClient) FetchCategory(ctx context.Context, _ string, category model.Category, start, end time.Time) ([]provider.RawRecord, error) {
	if err := provider.ValidateRange(start, end); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.fetches++
	c.mu.Unlock()

	if c.gate != nil {
		if c.started != nil {
			select {
			case c.started <- struct{}{}:
			default:
			}
		}
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, &provider.FetchError{Provider: c.provider, Message: "request cancelled", Err: ctx.Err()}
		}
	}

	if c.fetchErr != nil {
		return nil, c.fetchErr
	}

	records := make([]provider.RawRecord, 0, c.perCategory)
	for i := 0; i < c.perCategory; i++ {
		payload, _ := json.Marshal(map[string]any{"day": i})
		records = append(records, provider.RawRecord{Provider: c.provider, Category: category, Payload: payload})
	}
	return records, nil
}

func (c *stubClient) Normalize(userID string, records []provider.RawRecord) ([]model.HealthPoint, error) {
	if c.normalizeErr != nil {
		return nil, c.normalizeErr
	}
	points := make([]model.HealthPoint, 0, len(records))
	for _, rec := range records {
		var body struct {
			Day int `json:"day"`
		}
		if err := json.Unmarshal(rec.Payload, &body); err != nil {
			return nil, &provider.NormalizationError{Provider: c.provider, Category: rec.Category, Payload: rec.Payload, Err: err}
		}
		points = append(points, model.HealthPoint{
			UserID:    userID,
			Provider:  c.provider,
			Category:  rec.Category,
			Metric:    "stub_metric",
			Timestamp: time.Date(2024, 1, 1+body.Day, 0, 0, 0, 0, time.UTC),
			Value:     float64(body.Day),
			Unit:      "count",
		})
	}
	return points, nil
}

// recordingPublisher captures published events
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.SyncCompletedEvent
}

func (p *recordingPublisher) PublishSyncCompleted(_ context.Context, ev events.SyncCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

// MockAuditLogger is a mock implementation of AuditLoggerInterface
type MockAuditLogger struct {
	mock.Mock
}

func (m *MockAuditLogger) Log(ctx context.Context, entry audit.AuditLog) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockAuditLogger) GetAuditLogs(ctx context.Context, userID string, limit int) ([]audit.AuditLog, error) {
	args := m.Called(ctx, userID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]audit.AuditLog), args.Error(1)
}

// MockConnectionRepository is a mock implementation of ConnectionRepositoryInterface
type MockConnectionRepository struct {
	mock.Mock
}

func (m *MockConnectionRepository) ListActiveConnections(ctx context.Context, userID string, providers []model.Provider) ([]model.ProviderConnection, error) {
	args := m.Called(ctx, userID, providers)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ProviderConnection), args.Error(1)
}

func (m *MockConnectionRepository) ListConnections(ctx context.Context, userID string) ([]model.ProviderConnection, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ProviderConnection), args.Error(1)
}

func (m *MockConnectionRepository) UpdateLastSync(ctx context.Context, userID string, p model.Provider, syncedAt time.Time) error {
	args := m.Called(ctx, userID, p, syncedAt)
	return args.Error(0)
}

func (m *MockConnectionRepository) RecordFailure(ctx context.Context, userID string, p model.Provider) (int, error) {
	args := m.Called(ctx, userID, p)
	return args.Int(0), args.Error(1)
}

func (m *MockConnectionRepository) MarkReauthRequired(ctx context.Context, userID string, p model.Provider) error {
	args := m.Called(ctx, userID, p)
	return args.Error(0)
}

func (m *MockConnectionRepository) Upsert(ctx context.Context, conn *model.ProviderConnection) error {
	args := m.Called(ctx, conn)
	return args.Error(0)
}

func (m *MockConnectionRepository) Deactivate(ctx context.Context, userID string, p model.Provider) error {
	args := m.Called(ctx, userID, p)
	return args.Error(0)
}
