package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/vcscsvcscs/wearable-sync/internal/audit"
	"github.com/vcscsvcscs/wearable-sync/internal/events"
	"github.com/vcscsvcscs/wearable-sync/internal/metrics"
	"github.com/vcscsvcscs/wearable-sync/internal/provider"
	"github.com/vcscsvcscs/wearable-sync/internal/ratelimit"
	"github.com/vcscsvcscs/wearable-sync/pkg/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInvalidRequest is returned before any provider is contacted
	ErrInvalidRequest = errors.New("invalid sync request")
	// ErrSyncInProgress is returned when the user already has a sync running
	ErrSyncInProgress = errors.New("sync already in progress for user")
)

// ConnectionRepositoryInterface is the connection registry used by the sync service
type ConnectionRepositoryInterface interface {
	ListActiveConnections(ctx context.Context, userID string, providers []model.Provider) ([]model.ProviderConnection, error)
	ListConnections(ctx context.Context, userID string) ([]model.ProviderConnection, error)
	UpdateLastSync(ctx context.Context, userID string, p model.Provider, syncedAt time.Time) error
	RecordFailure(ctx context.Context, userID string, p model.Provider) (int, error)
	MarkReauthRequired(ctx context.Context, userID string, p model.Provider) error
	Upsert(ctx context.Context, conn *model.ProviderConnection) error
	Deactivate(ctx context.Context, userID string, p model.Provider) error
}

// RecordWriterInterface persists canonical health points, idempotently per dedup key
type RecordWriterInterface interface {
	WritePoints(ctx context.Context, userID string, p model.Provider, category model.Category, points []model.HealthPoint) (int, error)
}

// ClientLookup resolves the provider client for a provider name
type ClientLookup interface {
	Get(p model.Provider) (provider.Client, error)
}

// ExportUploader stores uploaded Apple Health exports
type ExportUploader interface {
	UploadExport(ctx context.Context, userID, filename string, body io.Reader) (string, error)
}

// AuditLoggerInterface records connection mutations and sync runs
type AuditLoggerInterface interface {
	Log(ctx context.Context, entry audit.AuditLog) error
}

// WriteError means the record writer rejected a category's points
type WriteError struct {
	Provider model.Provider
	Category model.Category
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s %s write failed: %v", e.Provider, e.Category, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// SyncOptions tunes the sync manager
type SyncOptions struct {
	// ProviderTimeout bounds one provider's fetch, normalize and write
	ProviderTimeout time.Duration
	// MaxConcurrency caps concurrently synced providers within one call
	MaxConcurrency int
	// UnhealthyThreshold is the consecutive failure count that flags a connection
	UnhealthyThreshold int
}

// DefaultSyncOptions returns the options used when none are configured
func DefaultSyncOptions() SyncOptions {
	return SyncOptions{
		ProviderTimeout:    30 * time.Second,
		MaxConcurrency:     len(model.AllProviders()),
		UnhealthyThreshold: 3,
	}
}

// SyncService pulls data from every connected provider of a user and writes
// it to the canonical record store
type SyncService struct {
	connections ConnectionRepositoryInterface
	writer      RecordWriterInterface
	clients     ClientLookup
	limiter     ratelimit.Limiter
	exports     ExportUploader
	publisher   events.Publisher
	audit       AuditLoggerInterface
	opts        SyncOptions
	now         func() time.Time
	logger      *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewSyncService creates a new SyncService. A nil publisher or audit logger disables that output.
func NewSyncService(
	connections ConnectionRepositoryInterface,
	writer RecordWriterInterface,
	clients ClientLookup,
	limiter ratelimit.Limiter,
	exports ExportUploader,
	publisher events.Publisher,
	auditLogger AuditLoggerInterface,
	opts SyncOptions,
	logger *zap.Logger,
) *SyncService {
	defaults := DefaultSyncOptions()
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = defaults.ProviderTimeout
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = defaults.MaxConcurrency
	}
	if opts.UnhealthyThreshold <= 0 {
		opts.UnhealthyThreshold = defaults.UnhealthyThreshold
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	return &SyncService{
		connections: connections,
		writer:      writer,
		clients:     clients,
		limiter:     limiter,
		exports:     exports,
		publisher:   publisher,
		audit:       auditLogger,
		opts:        opts,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
		inFlight:    make(map[string]struct{}),
	}
}

// SyncAll syncs the requested providers for one user over [StartDate, EndDate].
// It returns one result per connected, active provider in request order.
// Only an invalid request, a concurrent sync for the same user or a
// connection registry read failure fail the call as a whole.
func (s *SyncService) SyncAll(ctx context.Context, req model.SyncRequest) ([]model.SyncResult, error) {
	if err := provider.ValidateRange(req.StartDate, req.EndDate); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	requested := s.requestedProviders(req.Providers)
	if len(requested) == 0 {
		return []model.SyncResult{}, nil
	}

	if !s.acquire(req.UserID) {
		return nil, ErrSyncInProgress
	}
	defer s.release(req.UserID)

	conns, err := s.connections.ListActiveConnections(ctx, req.UserID, requested)
	if err != nil {
		s.logger.Error("failed to read connection registry",
			zap.Error(err),
			zap.String("user_id", req.UserID),
		)
		return nil, fmt.Errorf("failed to read connection registry: %w", err)
	}

	byProvider := make(map[model.Provider]model.ProviderConnection, len(conns))
	for _, c := range conns {
		if c.IsActive {
			byProvider[c.Provider] = c
		}
	}

	var targets []model.ProviderConnection
	for _, p := range requested {
		if c, ok := byProvider[p]; ok {
			targets = append(targets, c)
		}
	}

	results := make([]model.SyncResult, len(targets))
	var g errgroup.Group
	g.SetLimit(s.opts.MaxConcurrency)
	for i, conn := range targets {
		g.Go(func() error {
			results[i] = s.syncProvider(ctx, conn, req.StartDate, req.EndDate)
			return nil
		})
	}
	_ = g.Wait()

	s.report(ctx, req, results)
	return results, nil
}

// requestedProviders defaults to every provider, drops unknown names and collapses duplicates
func (s *SyncService) requestedProviders(in []model.Provider) []model.Provider {
	if len(in) == 0 {
		return model.AllProviders()
	}

	seen := make(map[model.Provider]bool, len(in))
	out := make([]model.Provider, 0, len(in))
	for _, raw := range in {
		p, err := model.ParseProvider(string(raw))
		if err != nil {
			s.logger.Warn("skipping unknown provider", zap.String("provider", string(raw)))
			continue
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func (s *SyncService) acquire(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[userID]; busy {
		return false
	}
	s.inFlight[userID] = struct{}{}
	return true
}

func (s *SyncService) release(userID string) {
	s.mu.Lock()
	delete(s.inFlight, userID)
	s.mu.Unlock()
}

func (s *SyncService) syncProvider(ctx context.Context, conn model.ProviderConnection, start, end time.Time) model.SyncResult {
	p := conn.Provider
	result := model.SyncResult{Provider: p}
	began := time.Now()
	defer func() {
		metrics.SyncProviderDuration.WithLabelValues(string(p)).Observe(time.Since(began).Seconds())
	}()

	client, err := s.clients.Get(p)
	if err != nil {
		s.logger.Error("no client registered for connected provider",
			zap.String("user_id", conn.UserID),
			zap.String("provider", string(p)),
		)
		result.ErrorCode = model.ErrorCodeUnsupportedProvider
		result.ErrorMessage = err.Error()
		metrics.SyncProviderRuns.WithLabelValues(string(p), metrics.OutcomeFailure).Inc()
		return result
	}

	if ctx.Err() != nil {
		return s.cancelled(conn, result, ctx.Err())
	}

	if conn.CredentialsUnreadable {
		return s.fail(ctx, conn, result, &provider.AuthExpiredError{
			Provider: p,
			Message:  "stored credentials could not be decrypted, reconnect required",
		})
	}

	if !s.limiter.CheckAndConsume(p) {
		s.logger.Warn("provider sync deferred by rate limiter",
			zap.String("user_id", conn.UserID),
			zap.String("provider", string(p)),
		)
		result.ErrorCode = model.ErrorCodeRateLimited
		result.ErrorMessage = fmt.Sprintf("rate limited: %s request budget exhausted, deferred to next cycle", p)
		result.ConsecutiveFailures = conn.ConsecutiveFailures
		metrics.SyncRateLimited.WithLabelValues(string(p)).Inc()
		metrics.SyncProviderRuns.WithLabelValues(string(p), metrics.OutcomeRateLimited).Inc()
		return result
	}

	providerCtx, cancel := context.WithTimeout(ctx, s.opts.ProviderTimeout)
	defer cancel()

	count, err := s.fetchAndWrite(providerCtx, client, conn, start, end)
	if err != nil {
		if callerGone(ctx, err) {
			return s.cancelled(conn, result, err)
		}
		return s.fail(ctx, conn, result, err)
	}

	// Bookkeeping must land even if the caller went away after the data was written.
	bookkeepingCtx := context.WithoutCancel(ctx)
	if err := s.connections.UpdateLastSync(bookkeepingCtx, conn.UserID, p, s.now()); err != nil {
		s.logger.Error("failed to update last sync time",
			zap.Error(err),
			zap.String("user_id", conn.UserID),
			zap.String("provider", string(p)),
		)
	}

	s.logger.Info("provider synced",
		zap.String("user_id", conn.UserID),
		zap.String("provider", string(p)),
		zap.Int("data_points", count),
		zap.Duration("duration", time.Since(began)),
	)

	result.Success = true
	result.DataPointCount = count
	metrics.SyncProviderRuns.WithLabelValues(string(p), metrics.OutcomeSuccess).Inc()
	return result
}

// fetchAndWrite syncs every supported category; each category is written as one unit
func (s *SyncService) fetchAndWrite(ctx context.Context, client provider.Client, conn model.ProviderConnection, start, end time.Time) (int, error) {
	total := 0
	for _, category := range model.AllCategories() {
		if !client.Supports(category) {
			continue
		}

		raw, err := client.FetchCategory(ctx, conn.AccessToken, category, start, end)
		if err != nil {
			return total, err
		}

		points, err := client.Normalize(conn.UserID, raw)
		if err != nil {
			return total, err
		}
		if len(points) == 0 {
			continue
		}

		if _, err := s.writer.WritePoints(ctx, conn.UserID, conn.Provider, category, points); err != nil {
			return total, &WriteError{Provider: conn.Provider, Category: category, Err: err}
		}

		metrics.SyncDataPoints.WithLabelValues(string(conn.Provider), string(category)).Add(float64(len(points)))
		total += len(points)
	}
	return total, nil
}

// callerGone reports whether err is the caller's cancellation rather than a provider failure
func callerGone(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// cancelled reports an interrupted provider sync without touching the failure streak
func (s *SyncService) cancelled(conn model.ProviderConnection, result model.SyncResult, err error) model.SyncResult {
	s.logger.Info("provider sync cancelled by caller",
		zap.Error(err),
		zap.String("user_id", conn.UserID),
		zap.String("provider", string(conn.Provider)),
	)
	result.ErrorCode = model.ErrorCodeFetchFailed
	result.ErrorMessage = fmt.Sprintf("sync cancelled: %v", err)
	result.ConsecutiveFailures = conn.ConsecutiveFailures
	metrics.SyncProviderRuns.WithLabelValues(string(conn.Provider), metrics.OutcomeCancelled).Inc()
	return result
}

func (s *SyncService) fail(ctx context.Context, conn model.ProviderConnection, result model.SyncResult, err error) model.SyncResult {
	code := classify(err)
	result.ErrorCode = code
	result.ErrorMessage = err.Error()
	metrics.SyncProviderRuns.WithLabelValues(string(conn.Provider), metrics.OutcomeFailure).Inc()

	fields := []zap.Field{
		zap.Error(err),
		zap.String("user_id", conn.UserID),
		zap.String("provider", string(conn.Provider)),
		zap.String("error_code", string(code)),
	}
	var normErr *provider.NormalizationError
	if errors.As(err, &normErr) {
		fields = append(fields,
			zap.String("category", string(normErr.Category)),
			zap.String("payload", normErr.PayloadPreview()),
		)
	}
	s.logger.Error("provider sync failed", fields...)

	bookkeepingCtx := context.WithoutCancel(ctx)

	if code == model.ErrorCodeAuthExpired {
		result.NeedsReauth = true
		if err := s.connections.MarkReauthRequired(bookkeepingCtx, conn.UserID, conn.Provider); err != nil {
			s.logger.Error("failed to mark connection for re-authentication",
				zap.Error(err),
				zap.String("user_id", conn.UserID),
				zap.String("provider", string(conn.Provider)),
			)
		} else {
			s.auditLog(bookkeepingCtx, audit.AuditLog{
				UserID:        conn.UserID,
				OperationType: audit.OperationUpdate,
				ResourceType:  audit.ResourceProviderConnection,
				ResourceID:    string(conn.Provider),
				AdditionalData: map[string]interface{}{
					"needs_reauth": true,
				},
			})
		}
	}

	failures, err := s.connections.RecordFailure(bookkeepingCtx, conn.UserID, conn.Provider)
	if err != nil {
		s.logger.Error("failed to record sync failure",
			zap.Error(err),
			zap.String("user_id", conn.UserID),
			zap.String("provider", string(conn.Provider)),
		)
		failures = conn.ConsecutiveFailures + 1
	}
	result.ConsecutiveFailures = failures
	if failures >= s.opts.UnhealthyThreshold {
		result.Unhealthy = true
		s.logger.Warn("provider connection unhealthy",
			zap.String("user_id", conn.UserID),
			zap.String("provider", string(conn.Provider)),
			zap.Int("consecutive_failures", failures),
		)
	}

	return result
}

// classify maps a provider sync error onto its stable error code
func classify(err error) model.ErrorCode {
	var (
		authErr  *provider.AuthExpiredError
		normErr  *provider.NormalizationError
		writeErr *WriteError
	)
	switch {
	case errors.As(err, &authErr):
		return model.ErrorCodeAuthExpired
	case errors.As(err, &normErr):
		return model.ErrorCodeNormalizationFailed
	case errors.As(err, &writeErr):
		return model.ErrorCodeWriteFailed
	case errors.Is(err, provider.ErrUnsupportedProvider):
		return model.ErrorCodeUnsupportedProvider
	default:
		return model.ErrorCodeFetchFailed
	}
}

// report publishes the sync event and audit entry for a completed call
func (s *SyncService) report(ctx context.Context, req model.SyncRequest, results []model.SyncResult) {
	if len(results) == 0 {
		s.logger.Info("no connected providers to sync", zap.String("user_id", req.UserID))
		return
	}

	ev := events.NewSyncCompletedEvent(req.UserID, req.StartDate, req.EndDate, results)
	s.logger.Info("sync completed",
		zap.String("user_id", req.UserID),
		zap.Int("providers", len(results)),
		zap.Int("succeeded", ev.Succeeded),
		zap.Int("failed", ev.Failed),
		zap.Int("data_points", ev.TotalDataPoints),
	)

	if err := s.publisher.PublishSyncCompleted(ctx, ev); err != nil {
		s.logger.Warn("failed to publish sync event",
			zap.Error(err),
			zap.String("user_id", req.UserID),
		)
	}

	s.auditLog(ctx, audit.AuditLog{
		UserID:        req.UserID,
		OperationType: audit.OperationSync,
		ResourceType:  audit.ResourceSyncRun,
		ResourceID:    ev.EventID,
		AdditionalData: map[string]interface{}{
			"providers":         len(results),
			"succeeded":         ev.Succeeded,
			"failed":            ev.Failed,
			"total_data_points": ev.TotalDataPoints,
			"start_date":        req.StartDate.Format(time.DateOnly),
			"end_date":          req.EndDate.Format(time.DateOnly),
		},
	})
}

func (s *SyncService) auditLog(ctx context.Context, entry audit.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.Error(err),
			zap.String("user_id", entry.UserID),
		)
	}
}

// SyncUsers runs SyncAll for each user in turn. Users whose sync cannot start
// are logged and left out of the returned map.
func (s *SyncService) SyncUsers(ctx context.Context, userIDs []string, providers []model.Provider, start, end time.Time) map[string][]model.SyncResult {
	out := make(map[string][]model.SyncResult, len(userIDs))
	for i, userID := range userIDs {
		if ctx.Err() != nil {
			s.logger.Warn("batch sync cancelled",
				zap.Error(ctx.Err()),
				zap.Int("remaining_users", len(userIDs)-i),
			)
			break
		}

		results, err := s.SyncAll(ctx, model.SyncRequest{
			UserID:    userID,
			Providers: providers,
			StartDate: start,
			EndDate:   end,
		})
		if err != nil {
			s.logger.Warn("skipping user in batch sync",
				zap.Error(err),
				zap.String("user_id", userID),
			)
			continue
		}
		out[userID] = results
	}
	return out
}

// ImportAppleExport stores an uploaded Apple Health export and points the
// user's apple connection at it. The next SyncAll parses it.
func (s *SyncService) ImportAppleExport(ctx context.Context, userID, filename string, body io.Reader) (*model.ProviderConnection, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", ErrInvalidRequest)
	}
	if s.exports == nil {
		return nil, fmt.Errorf("apple export storage is not configured")
	}

	blobName, err := s.exports.UploadExport(ctx, userID, filename, body)
	if err != nil {
		s.logger.Error("failed to store apple health export",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		return nil, fmt.Errorf("failed to store apple health export: %w", err)
	}

	conn := &model.ProviderConnection{
		UserID:      userID,
		Provider:    model.ProviderApple,
		AccessToken: blobName,
		IsActive:    true,
	}
	if err := s.connections.Upsert(ctx, conn); err != nil {
		return nil, fmt.Errorf("failed to save apple connection: %w", err)
	}

	s.logger.Info("apple health export imported",
		zap.String("user_id", userID),
		zap.String("blob_name", blobName),
	)
	s.auditLog(ctx, audit.AuditLog{
		UserID:        userID,
		OperationType: audit.OperationCreate,
		ResourceType:  audit.ResourceHealthExport,
		ResourceID:    blobName,
	})

	return conn, nil
}

// Disconnect deactivates a provider connection; synced history is kept
func (s *SyncService) Disconnect(ctx context.Context, userID string, p model.Provider) error {
	if err := s.connections.Deactivate(ctx, userID, p); err != nil {
		return fmt.Errorf("failed to disconnect %s: %w", p, err)
	}

	s.logger.Info("provider disconnected",
		zap.String("user_id", userID),
		zap.String("provider", string(p)),
	)
	s.auditLog(ctx, audit.AuditLog{
		UserID:        userID,
		OperationType: audit.OperationDelete,
		ResourceType:  audit.ResourceProviderConnection,
		ResourceID:    string(p),
	})
	return nil
}

// ListConnections returns all of a user's connections, active or not
func (s *SyncService) ListConnections(ctx context.Context, userID string) ([]model.ProviderConnection, error) {
	conns, err := s.connections.ListConnections(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return conns, nil
}
