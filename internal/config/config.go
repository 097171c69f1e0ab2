// Package config loads gateway settings from the environment and an optional config file.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"fusion_gateway/internal/models"
)

// Config holds configuration for the gateway.
type Config struct {
	HTTPPort      string
	JWTSecret     []byte
	EncryptionKey string
	Database      DatabaseConfig
	Cache         CacheConfig
	Redis         RedisConfig
	Router        RouterConfig
	Pricing       PricingConfig
	Billing       BillingConfig
	Stripe        StripeConfig
	Log           LogConfig
	Metrics       MetricsConfig
	Archive       ArchiveConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// CacheConfig holds the pricing cache settings
type CacheConfig struct {
	RateCacheSize   int
	RateCacheTTL    time.Duration
	SettingCacheTTL time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled      bool
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RouterConfig locates the external routing service
type RouterConfig struct {
	URL           string
	APIKey        string
	Timeout       time.Duration
	AutoProviders []models.Provider
}

// PricingConfig holds the static fallbacks used when a rate or setting lookup fails
type PricingConfig struct {
	DefaultInputPerMillion  decimal.Decimal
	DefaultOutputPerMillion decimal.Decimal
	DefaultRoutingFee       decimal.Decimal
}

type BillingConfig struct {
	RequirePositiveBalance bool
	RateLimitPerMinute     int
}

type StripeConfig struct {
	WebhookSecret string
	Currency      string
}

type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type MetricsConfig struct {
	Enabled bool
}

// ArchiveConfig holds configuration for the S3 usage archive
type ArchiveConfig struct {
	Enabled      bool
	S3Bucket     string
	S3Region     string
	S3Prefix     string
	S3Endpoint   string
	PodName      string
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
}

var defaults = map[string]interface{}{
	"HTTP_PORT": "8080",

	"DB_MAX_OPEN_CONNS":     25,
	"DB_MAX_IDLE_CONNS":     5,
	"DB_CONN_MAX_LIFETIME":  5 * time.Minute,
	"DB_CONN_MAX_IDLE_TIME": 1 * time.Minute,

	"CACHE_RATE_SIZE":   500,
	"CACHE_RATE_TTL":    5 * time.Minute,
	"CACHE_SETTING_TTL": 1 * time.Minute,

	"REDIS_ENABLED":        false,
	"REDIS_ADDRESS":        "localhost:6379",
	"REDIS_DB":             0,
	"REDIS_POOL_SIZE":      10,
	"REDIS_MIN_IDLE_CONNS": 2,
	"REDIS_DIAL_TIMEOUT":   5 * time.Second,
	"REDIS_READ_TIMEOUT":   3 * time.Second,
	"REDIS_WRITE_TIMEOUT":  3 * time.Second,

	"ROUTER_URL":            "http://localhost:5000",
	"ROUTER_TIMEOUT":        60 * time.Second,
	"ROUTER_AUTO_PROVIDERS": "openai,anthropic,gemini",

	"PRICING_DEFAULT_INPUT_PER_MILLION":  "2.50",
	"PRICING_DEFAULT_OUTPUT_PER_MILLION": "10.00",
	"PRICING_DEFAULT_ROUTING_FEE":        "0.001",

	"BILLING_REQUIRE_POSITIVE_BALANCE": true,
	"RATE_LIMIT_PER_MINUTE":            60,

	"STRIPE_CURRENCY": "usd",

	"LOG_LEVEL":             "info",
	"LOG_FILE_MAX_SIZE_MB":  100,
	"LOG_FILE_MAX_BACKUPS":  5,
	"LOG_FILE_MAX_AGE_DAYS": 30,

	"METRICS_ENABLED": true,

	"ARCHIVE_ENABLED":       false,
	"ARCHIVE_S3_REGION":     "us-east-1",
	"ARCHIVE_S3_PREFIX":     "usage/",
	"POD_NAME":              "gateway-0",
	"ARCHIVE_BATCH_SIZE":    100,
	"ARCHIVE_BATCH_TIMEOUT": 5 * time.Second,
	"ARCHIVE_MAX_RETRIES":   3,
}

// keys without a default that must still be readable from the environment
var unset = []string{
	"JWT_SECRET", "DATABASE_URL", "ENCRYPTION_KEY", "REDIS_PASSWORD", "ROUTER_API_KEY",
	"STRIPE_WEBHOOK_SECRET", "LOG_FILE", "ARCHIVE_S3_BUCKET", "ARCHIVE_S3_ENDPOINT",
}

// Load reads configuration from environment variables and, when configFile is
// set, from that file. Environment variables win over the file.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, key := range unset {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	autoProviders, err := models.ParseProviderList(v.GetString("ROUTER_AUTO_PROVIDERS"))
	if err != nil {
		return nil, fmt.Errorf("invalid ROUTER_AUTO_PROVIDERS: %w", err)
	}

	pricing := PricingConfig{}
	for key, dst := range map[string]*decimal.Decimal{
		"PRICING_DEFAULT_INPUT_PER_MILLION":  &pricing.DefaultInputPerMillion,
		"PRICING_DEFAULT_OUTPUT_PER_MILLION": &pricing.DefaultOutputPerMillion,
		"PRICING_DEFAULT_ROUTING_FEE":        &pricing.DefaultRoutingFee,
	} {
		d, err := decimal.NewFromString(strings.TrimSpace(v.GetString(key)))
		if err != nil || d.IsNegative() {
			return nil, fmt.Errorf("invalid %s: must be a non-negative decimal", key)
		}
		*dst = d
	}

	cfg := &Config{
		HTTPPort:      v.GetString("HTTP_PORT"),
		JWTSecret:     []byte(v.GetString("JWT_SECRET")),
		EncryptionKey: strings.TrimSpace(v.GetString("ENCRYPTION_KEY")),
		Database: DatabaseConfig{
			URL:             v.GetString("DATABASE_URL"),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DB_CONN_MAX_LIFETIME"),
			ConnMaxIdleTime: v.GetDuration("DB_CONN_MAX_IDLE_TIME"),
		},
		Cache: CacheConfig{
			RateCacheSize:   v.GetInt("CACHE_RATE_SIZE"),
			RateCacheTTL:    v.GetDuration("CACHE_RATE_TTL"),
			SettingCacheTTL: v.GetDuration("CACHE_SETTING_TTL"),
		},
		Redis: RedisConfig{
			Enabled:      v.GetBool("REDIS_ENABLED"),
			Address:      v.GetString("REDIS_ADDRESS"),
			Password:     v.GetString("REDIS_PASSWORD"),
			DB:           v.GetInt("REDIS_DB"),
			PoolSize:     v.GetInt("REDIS_POOL_SIZE"),
			MinIdleConns: v.GetInt("REDIS_MIN_IDLE_CONNS"),
			DialTimeout:  v.GetDuration("REDIS_DIAL_TIMEOUT"),
			ReadTimeout:  v.GetDuration("REDIS_READ_TIMEOUT"),
			WriteTimeout: v.GetDuration("REDIS_WRITE_TIMEOUT"),
		},
		Router: RouterConfig{
			URL:           v.GetString("ROUTER_URL"),
			APIKey:        v.GetString("ROUTER_API_KEY"),
			Timeout:       v.GetDuration("ROUTER_TIMEOUT"),
			AutoProviders: autoProviders,
		},
		Pricing: pricing,
		Billing: BillingConfig{
			RequirePositiveBalance: v.GetBool("BILLING_REQUIRE_POSITIVE_BALANCE"),
			RateLimitPerMinute:     v.GetInt("RATE_LIMIT_PER_MINUTE"),
		},
		Stripe: StripeConfig{
			WebhookSecret: v.GetString("STRIPE_WEBHOOK_SECRET"),
			Currency:      strings.ToLower(v.GetString("STRIPE_CURRENCY")),
		},
		Log: LogConfig{
			Level:      v.GetString("LOG_LEVEL"),
			File:       v.GetString("LOG_FILE"),
			MaxSizeMB:  v.GetInt("LOG_FILE_MAX_SIZE_MB"),
			MaxBackups: v.GetInt("LOG_FILE_MAX_BACKUPS"),
			MaxAgeDays: v.GetInt("LOG_FILE_MAX_AGE_DAYS"),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool("METRICS_ENABLED"),
		},
		Archive: ArchiveConfig{
			Enabled:      v.GetBool("ARCHIVE_ENABLED"),
			S3Bucket:     v.GetString("ARCHIVE_S3_BUCKET"),
			S3Region:     v.GetString("ARCHIVE_S3_REGION"),
			S3Prefix:     v.GetString("ARCHIVE_S3_PREFIX"),
			S3Endpoint:   v.GetString("ARCHIVE_S3_ENDPOINT"),
			PodName:      v.GetString("POD_NAME"),
			BatchSize:    v.GetInt("ARCHIVE_BATCH_SIZE"),
			BatchTimeout: v.GetDuration("ARCHIVE_BATCH_TIMEOUT"),
			MaxRetries:   v.GetInt("ARCHIVE_MAX_RETRIES"),
		},
	}

	return cfg, nil
}

// ValidateDatabase checks the settings every database command needs
func (c *Config) ValidateDatabase() error {
	if c.Database.URL == "" {
		return errors.New("DATABASE_URL is required")
	}
	return nil
}

// ValidateServe checks everything the HTTP server needs before it starts
func (c *Config) ValidateServe() error {
	var errs []error
	if err := c.ValidateDatabase(); err != nil {
		errs = append(errs, err)
	}
	if len(c.JWTSecret) == 0 {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if key, err := hex.DecodeString(c.EncryptionKey); err != nil || len(key) != 32 {
		errs = append(errs, errors.New("ENCRYPTION_KEY must be 64 hex characters"))
	}
	if c.Router.URL == "" {
		errs = append(errs, errors.New("ROUTER_URL is required"))
	}
	if c.Archive.Enabled && c.Archive.S3Bucket == "" {
		errs = append(errs, errors.New("ARCHIVE_S3_BUCKET is required when ARCHIVE_ENABLED is set"))
	}
	return errors.Join(errs...)
}
