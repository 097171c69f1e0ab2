package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"fusion_gateway/internal/models"
)

const rateColumns = `id, provider, model, input_price_per_million, output_price_per_million, active, created_at, updated_at`

// RateRepository reads and maintains per-model token prices
type RateRepository struct {
	db    *DB
	cache *LRUCache[*models.ModelRate]
}

// NewRateRepository creates a new rate repository
func NewRateRepository(db *DB) *RateRepository {
	return &RateRepository{
		db:    db,
		cache: db.rateCache,
	}
}

func rateCacheKey(provider, model string) string {
	return strings.ToLower(provider) + "/" + strings.ToLower(model)
}

// GetActive returns the active rate for a provider/model pair, matched case-insensitively
func (r *RateRepository) GetActive(ctx context.Context, provider, model string) (*models.ModelRate, error) {
	key := rateCacheKey(provider, model)
	epoch, caching := r.db.cacheEpoch()
	if caching {
		if cached, found := r.cache.Get(key); found {
			return cached, nil
		}
	}

	var rate models.ModelRate
	query := `SELECT ` + rateColumns + `
		FROM model_rates
		WHERE LOWER(provider) = LOWER($1) AND LOWER(model) = LOWER($2) AND active
		ORDER BY updated_at DESC
		LIMIT 1
	`

	if err := r.db.conn.GetContext(ctx, &rate, query, provider, model); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRateNotFound
		}
		return nil, fmt.Errorf("failed to get model rate: %w", err)
	}

	if caching {
		r.db.fillCache(epoch, func() { r.cache.Set(key, &rate) })
	}
	return &rate, nil
}

// Set retires the current active rate for the pair and inserts the new one.
// Retired rows are kept so historical costs stay explainable.
func (r *RateRepository) Set(ctx context.Context, rate *models.ModelRate) error {
	if err := rate.Validate(); err != nil {
		return err
	}
	if rate.ID == uuid.Nil {
		rate.ID = uuid.New()
	}
	rate.Active = true

	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		retire := `
			UPDATE model_rates
			SET active = FALSE, updated_at = NOW()
			WHERE LOWER(provider) = LOWER($1) AND LOWER(model) = LOWER($2) AND active
		`
		if _, err := tx.ExecContext(ctx, retire, rate.Provider, rate.Model); err != nil {
			return fmt.Errorf("failed to retire model rate: %w", err)
		}

		insert := `
			INSERT INTO model_rates (id, provider, model, input_price_per_million, output_price_per_million, active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, TRUE, NOW(), NOW())
			RETURNING created_at, updated_at
		`
		err := tx.QueryRowxContext(ctx, insert,
			rate.ID, rate.Provider, rate.Model, rate.InputPricePerMillion, rate.OutputPricePerMillion,
		).Scan(&rate.CreatedAt, &rate.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert model rate: %w", err)
		}
		return notifyPricingChange(ctx, tx, changeKindRate, rateCacheKey(rate.Provider, rate.Model))
	})
	if err != nil {
		return err
	}

	r.evict(rate.Provider, rate.Model)
	return nil
}

// Deactivate retires the active rate for a pair; lookups then fall back to defaults
func (r *RateRepository) Deactivate(ctx context.Context, provider, model string) error {
	query := `
		UPDATE model_rates
		SET active = FALSE, updated_at = NOW()
		WHERE LOWER(provider) = LOWER($1) AND LOWER(model) = LOWER($2) AND active
	`

	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, query, provider, model)
		if err != nil {
			return fmt.Errorf("failed to deactivate model rate: %w", err)
		}
		if err := requireAffected(result, ErrRateNotFound); err != nil {
			return err
		}
		return notifyPricingChange(ctx, tx, changeKindRate, rateCacheKey(provider, model))
	})
	if err != nil {
		return err
	}

	r.evict(provider, model)
	return nil
}

// evict drops the pair locally without waiting for our own notification
func (r *RateRepository) evict(provider, model string) {
	r.db.invalidate(func() { r.cache.Delete(rateCacheKey(provider, model)) })
}

// ListActive returns every active rate ordered by provider and model
func (r *RateRepository) ListActive(ctx context.Context) ([]*models.ModelRate, error) {
	var rates []*models.ModelRate
	query := `SELECT ` + rateColumns + `
		FROM model_rates
		WHERE active
		ORDER BY provider, model
	`

	if err := r.db.conn.SelectContext(ctx, &rates, query); err != nil {
		return nil, fmt.Errorf("failed to list model rates: %w", err)
	}
	return rates, nil
}
