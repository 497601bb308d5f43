package repository

// Schema creates every table the sync engine uses. Statements are idempotent.
var Schema = []string{
	`CREATE EXTENSION IF NOT EXISTS pgcrypto`,
	`CREATE TABLE IF NOT EXISTS provider_connections (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id VARCHAR(255) NOT NULL,
		provider VARCHAR(32) NOT NULL CHECK (provider IN ('oura', 'google', 'whoop', 'strava', 'apple', 'fitbit')),
		access_token TEXT NOT NULL,
		refresh_token TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		needs_reauth BOOLEAN NOT NULL DEFAULT FALSE,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_sync_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (user_id, provider)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_provider_connections_active
		ON provider_connections (user_id) WHERE is_active`,
	`CREATE TABLE IF NOT EXISTS health_points (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id VARCHAR(255) NOT NULL,
		provider VARCHAR(32) NOT NULL,
		category VARCHAR(32) NOT NULL CHECK (category IN ('sleep', 'heartRate', 'activity', 'workout')),
		metric VARCHAR(64) NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		unit VARCHAR(32) NOT NULL,
		source_record_id VARCHAR(255),
		payload JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (user_id, provider, category, metric, recorded_at)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_health_points_user_time
		ON health_points (user_id, recorded_at)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id VARCHAR(255) NOT NULL,
		operation_type VARCHAR(50) NOT NULL,
		resource_type VARCHAR(50) NOT NULL,
		resource_id VARCHAR(255) NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		ip_address VARCHAR(50),
		user_agent TEXT,
		additional_data JSONB
	)`,
}
