package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"fusion_gateway/internal/models"
)

// UsageRepository appends and reads usage audit records
type UsageRepository struct {
	db *DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Create inserts a usage record. Records are never updated afterwards.
func (r *UsageRepository) Create(ctx context.Context, rec *models.UsageRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	query := `
		INSERT INTO usage_records (
			id, request_id, user_id, requested_provider, requested_model,
			provider_used, model_used, input_tokens, output_tokens, total_tokens,
			cost, routing_fee, fallback_reason, credential_source, billing_status,
			response_time_ms, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, NOW()
		)
		RETURNING created_at
	`

	err := r.db.conn.QueryRowxContext(ctx, query,
		rec.ID, rec.RequestID, rec.UserID, rec.RequestedProvider, rec.RequestedModel,
		rec.ProviderUsed, rec.ModelUsed, rec.InputTokens, rec.OutputTokens, rec.TotalTokens,
		rec.Cost, rec.RoutingFee, rec.FallbackReason, string(rec.CredentialSource), string(rec.BillingStatus),
		rec.ResponseTimeMS,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create usage record: %w", err)
	}

	return nil
}

// ListByUser returns the user's most recent usage records, newest first
func (r *UsageRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.UsageRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	var records []*models.UsageRecord
	query := `
		SELECT id, request_id, user_id, requested_provider, requested_model,
			provider_used, model_used, input_tokens, output_tokens, total_tokens,
			cost, routing_fee, fallback_reason, credential_source, billing_status,
			response_time_ms, created_at
		FROM usage_records
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	if err := r.db.conn.SelectContext(ctx, &records, query, userID, limit); err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	return records, nil
}
