package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DeletedUserData counts what an erasure removed. Exports is filled in by the
// caller that owns the export store.
type DeletedUserData struct {
	Connections  int64 `json:"connections"`
	HealthPoints int64 `json:"health_points"`
	Exports      int64 `json:"exports"`
}

// UserDataRepository erases everything stored for a user
type UserDataRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewUserDataRepository creates a new UserDataRepository
func NewUserDataRepository(db *pgxpool.Pool, logger *zap.Logger) *UserDataRepository {
	return &UserDataRepository{
		db:     db,
		logger: logger,
	}
}

// DeleteUserData removes a user's health points and provider connections in
// one transaction. Audit logs are retained.
func (r *UserDataRepository) DeleteUserData(ctx context.Context, userID string) (DeletedUserData, error) {
	var deleted DeletedUserData

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return deleted, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "DELETE FROM health_points WHERE user_id = $1", userID)
	if err != nil {
		return deleted, fmt.Errorf("failed to delete health points: %w", err)
	}
	deleted.HealthPoints = tag.RowsAffected()

	tag, err = tx.Exec(ctx, "DELETE FROM provider_connections WHERE user_id = $1", userID)
	if err != nil {
		return deleted, fmt.Errorf("failed to delete provider connections: %w", err)
	}
	deleted.Connections = tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return DeletedUserData{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.Info("user data deleted",
		zap.String("user_id", userID),
		zap.Int64("connections", deleted.Connections),
		zap.Int64("health_points", deleted.HealthPoints),
	)

	return deleted, nil
}
