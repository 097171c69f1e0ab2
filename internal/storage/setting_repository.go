package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Well-known settings keys
const (
	SettingMarkupPercentage    = "markup_percentage"
	SettingAutomaticRoutingFee = "automatic_routing_fee"
)

// SettingRepository is the key-value configuration source backed by the settings table
type SettingRepository struct {
	db    *DB
	cache *LRUCache[string]
}

// NewSettingRepository creates a new setting repository
func NewSettingRepository(db *DB) *SettingRepository {
	return &SettingRepository{
		db:    db,
		cache: db.settingCache,
	}
}

// Get returns the raw value stored under key
func (r *SettingRepository) Get(ctx context.Context, key string) (string, error) {
	epoch, caching := r.db.cacheEpoch()
	if caching {
		if cached, found := r.cache.Get(key); found {
			return cached, nil
		}
	}

	var value string
	err := r.db.conn.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = $1`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrSettingNotFound
		}
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}

	if caching {
		r.db.fillCache(epoch, func() { r.cache.Set(key, value) })
	}
	return value, nil
}

// Set upserts a value and tells other processes to drop their cached copy
func (r *SettingRepository) Set(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO settings (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`

	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, query, key, value); err != nil {
			return fmt.Errorf("failed to set setting %s: %w", key, err)
		}
		return notifyPricingChange(ctx, tx, changeKindSetting, key)
	})
	if err != nil {
		return err
	}

	r.db.invalidate(func() { r.cache.Delete(key) })
	return nil
}
