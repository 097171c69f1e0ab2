package storage

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS model_rates (
		id UUID PRIMARY KEY,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		input_price_per_million NUMERIC(20, 8) NOT NULL CHECK (input_price_per_million >= 0),
		output_price_per_million NUMERIC(20, 8) NOT NULL CHECK (output_price_per_million >= 0),
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS model_rates_active_pair_idx
		ON model_rates (LOWER(provider), LOWER(model)) WHERE active`,

	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS external_credentials (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		provider TEXT NOT NULL,
		ciphertext TEXT NOT NULL,
		preview TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (user_id, provider)
	)`,

	`CREATE TABLE IF NOT EXISTS credit_balances (
		user_id UUID PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS credit_transactions (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		amount BIGINT NOT NULL CHECK (amount <> 0),
		method TEXT NOT NULL,
		status TEXT NOT NULL,
		external_id TEXT,
		description TEXT NOT NULL DEFAULT '',
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS credit_transactions_external_idx
		ON credit_transactions (external_id, method)
		WHERE external_id IS NOT NULL AND status = 'completed'`,
	`CREATE INDEX IF NOT EXISTS credit_transactions_user_idx
		ON credit_transactions (user_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS usage_records (
		id UUID PRIMARY KEY,
		request_id UUID NOT NULL,
		user_id UUID NOT NULL,
		requested_provider TEXT NOT NULL,
		requested_model TEXT,
		provider_used TEXT NOT NULL,
		model_used TEXT NOT NULL,
		input_tokens BIGINT NOT NULL,
		output_tokens BIGINT NOT NULL,
		total_tokens BIGINT NOT NULL,
		cost NUMERIC(20, 6) NOT NULL,
		routing_fee NUMERIC(20, 6) NOT NULL,
		fallback_reason TEXT,
		credential_source TEXT NOT NULL,
		billing_status TEXT NOT NULL,
		response_time_ms BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS usage_records_user_idx
		ON usage_records (user_id, created_at DESC)`,
}

// EnsureSchema creates the tables and indexes the gateway needs. It is idempotent.
func EnsureSchema(ctx context.Context, db *DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
