package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vcscsvcscs/wearable-sync/internal/security"
	"github.com/vcscsvcscs/wearable-sync/pkg/model"
	"go.uber.org/zap"
)

// ErrConnectionNotFound is returned when no connection exists for a (user, provider) pair
var ErrConnectionNotFound = errors.New("provider connection not found")

const connectionColumns = `
	id, user_id, provider, access_token, refresh_token,
	is_active, needs_reauth, consecutive_failures, last_sync_at,
	created_at, updated_at`

// ConnectionRepository is the registry of user provider connections.
// Credentials are encrypted at rest.
type ConnectionRepository struct {
	db        *pgxpool.Pool
	encryptor *security.Encryptor
	logger    *zap.Logger
}

// NewConnectionRepository creates a new ConnectionRepository
func NewConnectionRepository(db *pgxpool.Pool, encryptor *security.Encryptor, logger *zap.Logger) *ConnectionRepository {
	return &ConnectionRepository{
		db:        db,
		encryptor: encryptor,
		logger:    logger,
	}
}

// ListActiveConnections returns the user's active connections, limited to
// providers when it is non-empty
func (r *ConnectionRepository) ListActiveConnections(ctx context.Context, userID string, providers []model.Provider) ([]model.ProviderConnection, error) {
	var filter []string
	if len(providers) > 0 {
		filter = make([]string, len(providers))
		for i, p := range providers {
			filter[i] = string(p)
		}
	}

	query := `SELECT` + connectionColumns + `
		FROM provider_connections
		WHERE user_id = $1
		  AND is_active
		  AND ($2::text[] IS NULL OR provider = ANY($2))
		ORDER BY provider
	`

	rows, err := r.db.Query(ctx, query, userID, filter)
	if err != nil {
		r.logger.Error("failed to list active connections", zap.Error(err), zap.String("user_id", userID))
		return nil, fmt.Errorf("failed to list active connections: %w", err)
	}
	defer rows.Close()

	return r.scanConnections(rows)
}

// ListConnections returns every connection of a user, active or not
func (r *ConnectionRepository) ListConnections(ctx context.Context, userID string) ([]model.ProviderConnection, error) {
	query := `SELECT` + connectionColumns + `
		FROM provider_connections
		WHERE user_id = $1
		ORDER BY provider
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		r.logger.Error("failed to list connections", zap.Error(err), zap.String("user_id", userID))
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	return r.scanConnections(rows)
}

func (r *ConnectionRepository) scanConnections(rows pgx.Rows) ([]model.ProviderConnection, error) {
	var conns []model.ProviderConnection
	for rows.Next() {
		var conn model.ProviderConnection
		var accessToken string
		var refreshToken *string
		err := rows.Scan(
			&conn.ID,
			&conn.UserID,
			&conn.Provider,
			&accessToken,
			&refreshToken,
			&conn.IsActive,
			&conn.NeedsReauth,
			&conn.ConsecutiveFailures,
			&conn.LastSyncAt,
			&conn.CreatedAt,
			&conn.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provider connection: %w", err)
		}

		r.decryptCredentials(&conn, accessToken, refreshToken)
		conns = append(conns, conn)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("error iterating provider connections", zap.Error(err))
		return nil, fmt.Errorf("error iterating provider connections: %w", err)
	}

	return conns, nil
}

// decryptCredentials fills in the plaintext tokens. A row that fails to decrypt
// is kept without tokens and flagged, so one bad row cannot hide the rest.
func (r *ConnectionRepository) decryptCredentials(conn *model.ProviderConnection, accessToken string, refreshToken *string) {
	var err error
	if conn.AccessToken, err = r.encryptor.Decrypt(accessToken); err == nil {
		conn.RefreshToken, err = r.encryptor.DecryptOptional(refreshToken)
	}
	if err != nil {
		r.logger.Error("failed to decrypt provider credentials",
			zap.Error(err),
			zap.String("user_id", conn.UserID),
			zap.String("provider", string(conn.Provider)),
		)
		conn.AccessToken = ""
		conn.RefreshToken = nil
		conn.CredentialsUnreadable = true
	}
}

// UpdateLastSync advances last_sync_at after a successful sync and clears failure state
func (r *ConnectionRepository) UpdateLastSync(ctx context.Context, userID string, provider model.Provider, syncedAt time.Time) error {
	query := `
		UPDATE provider_connections
		SET last_sync_at = $3, consecutive_failures = 0, needs_reauth = FALSE, updated_at = NOW()
		WHERE user_id = $1 AND provider = $2
	`

	result, err := r.db.Exec(ctx, query, userID, provider, syncedAt)
	if err != nil {
		r.logger.Error("failed to update last sync",
			zap.Error(err),
			zap.String("user_id", userID),
			zap.String("provider", string(provider)),
		)
		return fmt.Errorf("failed to update last sync: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrConnectionNotFound
	}

	return nil
}

// RecordFailure increments the consecutive failure counter and returns its new value
func (r *ConnectionRepository) RecordFailure(ctx context.Context, userID string, provider model.Provider) (int, error) {
	query := `
		UPDATE provider_connections
		SET consecutive_failures = consecutive_failures + 1, updated_at = NOW()
		WHERE user_id = $1 AND provider = $2
		RETURNING consecutive_failures
	`

	var failures int
	err := r.db.QueryRow(ctx, query, userID, provider).Scan(&failures)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrConnectionNotFound
	}
	if err != nil {
		r.logger.Error("failed to record sync failure",
			zap.Error(err),
			zap.String("user_id", userID),
			zap.String("provider", string(provider)),
		)
		return 0, fmt.Errorf("failed to record sync failure: %w", err)
	}

	return failures, nil
}

// MarkReauthRequired flags a connection whose token the provider rejected
func (r *ConnectionRepository) MarkReauthRequired(ctx context.Context, userID string, provider model.Provider) error {
	query := `
		UPDATE provider_connections
		SET needs_reauth = TRUE, updated_at = NOW()
		WHERE user_id = $1 AND provider = $2
	`

	result, err := r.db.Exec(ctx, query, userID, provider)
	if err != nil {
		return fmt.Errorf("failed to mark connection for re-authentication: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrConnectionNotFound
	}

	return nil
}

// Upsert creates a connection or reactivates an existing one with new credentials
func (r *ConnectionRepository) Upsert(ctx context.Context, conn *model.ProviderConnection) error {
	accessToken, err := r.encryptor.Encrypt(conn.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshToken, err := r.encryptor.EncryptOptional(conn.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	query := `
		INSERT INTO provider_connections (user_id, provider, access_token, refresh_token, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			is_active = TRUE,
			needs_reauth = FALSE,
			consecutive_failures = 0,
			updated_at = NOW()
		RETURNING id, is_active, needs_reauth, consecutive_failures, last_sync_at, created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query, conn.UserID, conn.Provider, accessToken, refreshToken).Scan(
		&conn.ID,
		&conn.IsActive,
		&conn.NeedsReauth,
		&conn.ConsecutiveFailures,
		&conn.LastSyncAt,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("failed to upsert provider connection",
			zap.Error(err),
			zap.String("user_id", conn.UserID),
			zap.String("provider", string(conn.Provider)),
		)
		return fmt.Errorf("failed to upsert provider connection: %w", err)
	}

	return nil
}

// Deactivate disconnects a provider without deleting its history
func (r *ConnectionRepository) Deactivate(ctx context.Context, userID string, provider model.Provider) error {
	query := `
		UPDATE provider_connections
		SET is_active = FALSE, updated_at = NOW()
		WHERE user_id = $1 AND provider = $2 AND is_active
	`

	result, err := r.db.Exec(ctx, query, userID, provider)
	if err != nil {
		r.logger.Error("failed to deactivate provider connection",
			zap.Error(err),
			zap.String("user_id", userID),
			zap.String("provider", string(provider)),
		)
		return fmt.Errorf("failed to deactivate provider connection: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrConnectionNotFound
	}

	return nil
}

// ListSyncCursors returns one cursor per user with an active connection,
// carrying the oldest last sync across those connections
func (r *ConnectionRepository) ListSyncCursors(ctx context.Context) ([]model.SyncCursor, error) {
	query := `
		SELECT user_id,
		       CASE WHEN BOOL_OR(last_sync_at IS NULL) THEN NULL ELSE MIN(last_sync_at) END
		FROM provider_connections
		WHERE is_active
		GROUP BY user_id
		ORDER BY user_id
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list users with active connections: %w", err)
	}
	defer rows.Close()

	var cursors []model.SyncCursor
	for rows.Next() {
		var cursor model.SyncCursor
		if err := rows.Scan(&cursor.UserID, &cursor.OldestLastSync); err != nil {
			return nil, fmt.Errorf("failed to scan sync cursor: %w", err)
		}
		cursors = append(cursors, cursor)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}

	return cursors, nil
}
