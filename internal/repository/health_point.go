package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vcscsvcscs/wearable-sync/pkg/model"
	"go.uber.org/zap"
)

// HealthPointRepository is the canonical record writer
type HealthPointRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewHealthPointRepository creates a new HealthPointRepository
func NewHealthPointRepository(db *pgxpool.Pool, logger *zap.Logger) *HealthPointRepository {
	return &HealthPointRepository{
		db:     db,
		logger: logger,
	}
}

// WritePoints stores one category's points in a single transaction.
// Points already present under (user, provider, category, metric, timestamp)
// are skipped, so re-delivering a window is harmless. Returns the number of
// newly inserted rows.
func (r *HealthPointRepository) WritePoints(ctx context.Context, userID string, provider model.Provider, category model.Category, points []model.HealthPoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}
	for i := range points {
		p := &points[i]
		if err := p.Validate(); err != nil {
			return 0, fmt.Errorf("invalid health point %d: %w", i, err)
		}
		if p.UserID != userID || p.Provider != provider || p.Category != category {
			return 0, fmt.Errorf("health point %d does not belong to %s/%s/%s", i, userID, provider, category)
		}
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO health_points (
			id, user_id, provider, category, metric,
			recorded_at, value, unit, source_record_id, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, provider, category, metric, recorded_at) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, p := range points {
		id := p.ID
		if id == "" {
			id = uuid.New().String()
		}
		var sourceID *string
		if p.SourceRecordID != "" {
			sourceID = &p.SourceRecordID
		}
		batch.Queue(query, id, p.UserID, p.Provider, p.Category, p.Metric,
			p.Timestamp, p.Value, p.Unit, sourceID, p.Payload)
	}

	results := tx.SendBatch(ctx, batch)
	inserted := 0
	for range points {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			r.logger.Error("failed to write health points",
				zap.Error(err),
				zap.String("user_id", userID),
				zap.String("provider", string(provider)),
				zap.String("category", string(category)),
			)
			return 0, fmt.Errorf("failed to write health points: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit health points: %w", err)
	}

	r.logger.Debug("health points written",
		zap.String("user_id", userID),
		zap.String("provider", string(provider)),
		zap.String("category", string(category)),
		zap.Int("data_points", len(points)),
		zap.Int("inserted", inserted),
	)

	return inserted, nil
}

// ListPoints returns a user's points recorded within [start, end], oldest first
func (r *HealthPointRepository) ListPoints(ctx context.Context, userID string, start, end time.Time) ([]model.HealthPoint, error) {
	query := `
		SELECT
			id, user_id, provider, category, metric,
			recorded_at, value, unit, COALESCE(source_record_id, ''), payload, created_at
		FROM health_points
		WHERE user_id = $1 AND recorded_at >= $2 AND recorded_at <= $3
		ORDER BY recorded_at, provider, category, metric
	`

	rows, err := r.db.Query(ctx, query, userID, start, end)
	if err != nil {
		r.logger.Error("failed to list health points", zap.Error(err), zap.String("user_id", userID))
		return nil, fmt.Errorf("failed to list health points: %w", err)
	}
	defer rows.Close()

	var points []model.HealthPoint
	for rows.Next() {
		var p model.HealthPoint
		err := rows.Scan(
			&p.ID,
			&p.UserID,
			&p.Provider,
			&p.Category,
			&p.Metric,
			&p.Timestamp,
			&p.Value,
			&p.Unit,
			&p.SourceRecordID,
			&p.Payload,
			&p.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan health point: %w", err)
		}
		points = append(points, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating health points: %w", err)
	}

	return points, nil
}
