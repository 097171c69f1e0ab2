package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"fusion_gateway/internal/models"
)

// DB wraps the database connection and the read caches in front of it.
//
// The caches are only consulted while a CacheInvalidator is subscribed to
// PricingChannel. Without one every read goes to Postgres, so a process never
// serves a price another process has already changed.
type DB struct {
	conn *sqlx.DB

	rateCache    *LRUCache[*models.ModelRate]
	settingCache *LRUCache[string]

	caching atomic.Bool
	// cacheMu orders invalidations against read-through fills; epoch moves on every invalidation
	cacheMu sync.Mutex
	epoch   uint64
}

// DBConfig holds database configuration
type DBConfig struct {
	URL string

	// Pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// Cache settings
	RateCacheSize   int
	RateCacheTTL    time.Duration
	SettingCacheTTL time.Duration
}

// DefaultDBConfig returns default database configuration
func DefaultDBConfig() DBConfig {
	return DBConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		RateCacheSize:   500,
		RateCacheTTL:    5 * time.Minute,
		SettingCacheTTL: 1 * time.Minute,
	}
}

// NewDB connects to Postgres and configures the pool
func NewDB(cfg DBConfig) (*DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	conn, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return NewDBWithConn(conn, cfg), nil
}

// NewDBWithConn wraps an existing connection, e.g. one backed by sqlmock
func NewDBWithConn(conn *sqlx.DB, cfg DBConfig) *DB {
	return &DB{
		conn:         conn,
		rateCache:    NewLRUCache[*models.ModelRate](cfg.RateCacheSize, cfg.RateCacheTTL),
		settingCache: NewLRUCache[string](64, cfg.SettingCacheTTL),
	}
}

// Close closes the database connection and clears caches
func (db *DB) Close() error {
	db.rateCache.Clear()
	db.settingCache.Clear()
	return db.conn.Close()
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Health returns the health status of the database
func (db *DB) Health(ctx context.Context) error {
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := db.conn.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}

	return nil
}

// RateCacheStats reports the rate cache's size and effectiveness
func (db *DB) RateCacheStats() CacheStats {
	return db.rateCache.GetStats()
}

// SettingCacheStats reports the setting cache's size and effectiveness
func (db *DB) SettingCacheStats() CacheStats {
	return db.settingCache.GetStats()
}

// WithTx runs fn inside a transaction, committing on success and rolling back on any error
func (db *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Conn returns the underlying sqlx connection, e.g. for pool statistics
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}

// CleanupExpiredCacheEntries removes expired entries from all caches
func (db *DB) CleanupExpiredCacheEntries() int {
	return db.rateCache.CleanupExpired() + db.settingCache.CleanupExpired()
}

// cacheEpoch returns the epoch a read-through fill must still match, and
// whether caches may be used at all
func (db *DB) cacheEpoch() (uint64, bool) {
	db.cacheMu.Lock()
	defer db.cacheMu.Unlock()
	return db.epoch, db.caching.Load()
}

// fillCache runs fill unless an invalidation happened since epoch was read
func (db *DB) fillCache(epoch uint64, fill func()) {
	db.cacheMu.Lock()
	defer db.cacheMu.Unlock()
	if db.epoch != epoch || !db.caching.Load() {
		return
	}
	fill()
}

func (db *DB) invalidate(fn func()) {
	db.cacheMu.Lock()
	defer db.cacheMu.Unlock()
	db.epoch++
	fn()
}

// setCaching switches cache use on or off. Both transitions drop every entry
// since changes may have gone unseen while caching was off.
func (db *DB) setCaching(on bool) {
	db.invalidate(func() {
		if db.caching.Load() == on {
			return
		}
		db.rateCache.Clear()
		db.settingCache.Clear()
		db.caching.Store(on)
	})
}

// applyPricingChange evicts what a PricingChannel payload names. Unrecognised
// payloads, including the empty one, drop everything.
func (db *DB) applyPricingChange(payload string) {
	kind, key, _ := strings.Cut(payload, ":")
	db.invalidate(func() {
		switch kind {
		case changeKindRate:
			db.rateCache.Delete(key)
		case changeKindSetting:
			db.settingCache.Delete(key)
		default:
			db.rateCache.Clear()
			db.settingCache.Clear()
		}
	})
}

// Repository factory methods

func (db *DB) NewCredentialRepository() *CredentialRepository {
	return NewCredentialRepository(db)
}

func (db *DB) NewRateRepository() *RateRepository {
	return NewRateRepository(db)
}

func (db *DB) NewSettingRepository() *SettingRepository {
	return NewSettingRepository(db)
}

func (db *DB) NewLedgerRepository() *LedgerRepository {
	return NewLedgerRepository(db)
}

func (db *DB) NewUsageRepository() *UsageRepository {
	return NewUsageRepository(db)
}
