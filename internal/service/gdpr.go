package service

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/vcscsvcscs/wearable-sync/internal/audit"
	"github.com/vcscsvcscs/wearable-sync/internal/repository"
	"github.com/vcscsvcscs/wearable-sync/pkg/model"
	"go.uber.org/zap"
)

// exportHorizon bounds the "all time" window used for exports
var exportHorizon = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// exportAuditLimit caps the audit entries included in a data export
const exportAuditLimit = 1000

// UserDataEraser removes every stored row for a user
type UserDataEraser interface {
	DeleteUserData(ctx context.Context, userID string) (repository.DeletedUserData, error)
}

// ConnectionLister lists a user's connections, active or not
type ConnectionLister interface {
	ListConnections(ctx context.Context, userID string) ([]model.ProviderConnection, error)
}

// ExportRemover deletes a user's uploaded health export files
type ExportRemover interface {
	DeleteExports(ctx context.Context, userID string) (int, error)
}

// GDPRAuditor records erasures and reads back a user's audit trail
type GDPRAuditor interface {
	AuditLoggerInterface
	GetAuditLogs(ctx context.Context, userID string, limit int) ([]audit.AuditLog, error)
}

// GDPRService handles data portability and erasure for synced wearable data
type GDPRService struct {
	eraser      UserDataEraser
	connections ConnectionLister
	points      PointReader
	exports     ExportRemover
	auditLogger GDPRAuditor
	now         func() time.Time
	logger      *zap.Logger
}

// NewGDPRService creates a new GDPR service. A nil audit logger disables
// auditing and leaves the audit trail out of exports.
func NewGDPRService(
	eraser UserDataEraser,
	connections ConnectionLister,
	points PointReader,
	exports ExportRemover,
	auditLogger GDPRAuditor,
	logger *zap.Logger,
) *GDPRService {
	return &GDPRService{
		eraser:      eraser,
		connections: connections,
		points:      points,
		exports:     exports,
		auditLogger: auditLogger,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}
}

// UserDataExport represents all user data for export. Tokens never leave the store.
type UserDataExport struct {
	UserID       string                     `json:"user_id"`
	Connections  []model.ProviderConnection `json:"connections"`
	HealthPoints []model.HealthPoint        `json:"health_points"`
	AuditTrail   []AuditEntry               `json:"audit_trail"`
	ExportedAt   time.Time                  `json:"exported_at"`
}

// AuditEntry is one audit log row as it appears in a data export
type AuditEntry struct {
	Operation  audit.OperationType    `json:"operation"`
	Resource   audit.ResourceType     `json:"resource"`
	ResourceID string                 `json:"resource_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	IPAddress  string                 `json:"ip_address,omitempty"`
	UserAgent  string                 `json:"user_agent,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// DeleteUserData erases a user's connections, health points and uploaded
// exports (right to be forgotten). Audit logs are retained.
func (s *GDPRService) DeleteUserData(ctx context.Context, userID, ipAddress, userAgent string) (repository.DeletedUserData, error) {
	if userID == "" {
		return repository.DeletedUserData{}, fmt.Errorf("%w: user ID is required", ErrInvalidRequest)
	}

	s.logger.Info("starting user data deletion (GDPR)", zap.String("user_id", userID))

	deleted, err := s.eraser.DeleteUserData(ctx, userID)
	if err != nil {
		return repository.DeletedUserData{}, fmt.Errorf("failed to delete user data: %w", err)
	}

	// Rows go first; rerunning after a blob failure removes the remaining exports
	removed, err := s.exports.DeleteExports(ctx, userID)
	if err != nil {
		s.logger.Error("failed to delete health exports",
			zap.Error(err),
			zap.String("user_id", userID),
			zap.Int("deleted", removed),
		)
		return repository.DeletedUserData{}, fmt.Errorf("failed to delete health exports: %w", err)
	}
	deleted.Exports = int64(removed)

	if s.auditLogger != nil {
		entry := audit.AuditLog{
			UserID:        userID,
			OperationType: audit.OperationDelete,
			ResourceType:  audit.ResourceUserData,
			ResourceID:    userID,
			IPAddress:     ipAddress,
			UserAgent:     userAgent,
		}
		if err := s.auditLogger.Log(ctx, entry); err != nil {
			s.logger.Error("failed to log audit entry for user deletion", zap.Error(err))
		}
	}

	s.logger.Info("user data deletion completed (GDPR)",
		zap.String("user_id", userID),
		zap.Int64("connections", deleted.Connections),
		zap.Int64("health_points", deleted.HealthPoints),
		zap.Int64("exports", deleted.Exports),
	)

	return deleted, nil
}

// ExportUserData returns every connection and health point stored for the user as JSON
func (s *GDPRService) ExportUserData(ctx context.Context, userID string) ([]byte, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", ErrInvalidRequest)
	}

	s.logger.Info("starting user data export (GDPR)", zap.String("user_id", userID))

	conns, err := s.connections.ListConnections(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	points, err := s.points.ListPoints(ctx, userID, time.Unix(0, 0).UTC(), exportHorizon)
	if err != nil {
		return nil, fmt.Errorf("failed to list health points: %w", err)
	}

	trail, err := s.auditTrail(ctx, userID)
	if err != nil {
		return nil, err
	}

	export := UserDataExport{
		UserID:       userID,
		Connections:  conns,
		HealthPoints: points,
		AuditTrail:   trail,
		ExportedAt:   s.now(),
	}
	if export.Connections == nil {
		export.Connections = []model.ProviderConnection{}
	}
	if export.HealthPoints == nil {
		export.HealthPoints = []model.HealthPoint{}
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal export data: %w", err)
	}

	s.logger.Info("user data export completed (GDPR)",
		zap.String("user_id", userID),
		zap.Int("connections", len(conns)),
		zap.Int("health_points", len(points)),
		zap.Int("audit_entries", len(trail)),
		zap.Int("size_bytes", len(data)),
	)

	return data, nil
}

func (s *GDPRService) auditTrail(ctx context.Context, userID string) ([]AuditEntry, error) {
	trail := []AuditEntry{}
	if s.auditLogger == nil {
		return trail, nil
	}

	logs, err := s.auditLogger.GetAuditLogs(ctx, userID, exportAuditLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}
	for _, l := range logs {
		trail = append(trail, AuditEntry{
			Operation:  l.OperationType,
			Resource:   l.ResourceType,
			ResourceID: l.ResourceID,
			Timestamp:  l.Timestamp,
			IPAddress:  l.IPAddress,
			UserAgent:  l.UserAgent,
			Details:    l.AdditionalData,
		})
	}
	return trail, nil
}
