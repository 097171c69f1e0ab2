package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fusion_gateway/internal/billing"
	"fusion_gateway/internal/chat"
	"fusion_gateway/internal/config"
	"fusion_gateway/internal/credentials"
	"fusion_gateway/internal/dispatch"
	"fusion_gateway/internal/httpapi"
	"fusion_gateway/internal/logging"
	"fusion_gateway/internal/metrics"
	"fusion_gateway/internal/payments"
	"fusion_gateway/internal/pricing"
	"fusion_gateway/internal/queue"
	"fusion_gateway/internal/ratelimit"
	"fusion_gateway/internal/storage"
	"fusion_gateway/internal/usage"
	"fusion_gateway/internal/utils"
	"fusion_gateway/internal/vault"
)

const (
	shutdownTimeout    = 30 * time.Second
	cacheSweepInterval = time.Minute
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	logger := utils.NewLogger("gateway")
	defer logger.Sync()

	// The vault must be usable before anything accepts traffic
	v, err := vault.NewFromHex(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("encryption key rejected: %w", err)
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	m := metrics.New()
	m.ObserveDB(db.Conn().DB, "gateway")
	m.ObserveCache("rates", cacheStats(db.RateCacheStats))
	m.ObserveCache("settings", cacheStats(db.SettingCacheStats))
	healthChecks := map[string]httpapi.HealthCheck{"database": db.Health}

	// Pricing caches stay off until the listener is subscribed, so admin CLI
	// writes reach this process on commit
	invalidator := storage.NewCacheInvalidator(db, cfg.Database.URL)
	if err := invalidator.Start(); err != nil {
		return err
	}
	defer invalidator.Stop()

	var redisClient *storage.RedisClient
	limiter := ratelimit.Limiter(ratelimit.NewNoopLimiter())
	if cfg.Redis.Enabled {
		redisClient, err = storage.NewRedisClient(storage.RedisConfig{
			Address:      cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			return err
		}
		defer redisClient.Close()

		limiter = ratelimit.NewRateLimiter(redisClient.Client())
		healthChecks["redis"] = redisClient.Health
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweepCaches(ctx, db, cacheSweepInterval)

	sink := logging.Sink(logging.NewNoopSink())
	var archiver *logging.Archiver
	if cfg.Archive.Enabled {
		archiver, sink, err = buildArchiver(ctx, cfg, redisClient, m)
		if err != nil {
			return err
		}
		// Stopped explicitly after the server drains, not by the signal
		archiver.Start(context.Background())
	}

	ledger := billing.NewLedger(db.NewLedgerRepository())
	recorder := usage.NewRecorder(db.NewUsageRepository(), sink, m)
	calculator := pricing.NewCalculator(
		pricing.NewStore(db.NewRateRepository(), db.NewSettingRepository()),
		pricing.Defaults{
			InputPerMillion:  cfg.Pricing.DefaultInputPerMillion,
			OutputPerMillion: cfg.Pricing.DefaultOutputPerMillion,
			RoutingFee:       cfg.Pricing.DefaultRoutingFee,
		},
		m,
	)
	credentialRepo := db.NewCredentialRepository()

	chatService := chat.NewService(
		credentials.NewResolver(credentialRepo, v, cfg.Router.AutoProviders, m),
		dispatch.NewClient(dispatch.Config{
			BaseURL: cfg.Router.URL,
			APIKey:  cfg.Router.APIKey,
			Timeout: cfg.Router.Timeout,
		}),
		calculator,
		ledger,
		recorder,
		m,
		chat.Options{
			RequirePositiveBalance: cfg.Billing.RequirePositiveBalance,
			DispatchTimeout:        cfg.Router.Timeout,
		},
	)

	processor := payments.NewStripeProcessor(cfg.Stripe.WebhookSecret, cfg.Stripe.Currency, ledger, m)
	if !processor.Enabled() {
		logger.Warn("STRIPE_WEBHOOK_SECRET is not set, payment webhooks will be refused")
	}

	handler := httpapi.NewRouter(&httpapi.Dependencies{
		Chat:               chatService,
		Credentials:        credentials.NewManager(credentialRepo, v),
		Ledger:             ledger,
		Usage:              recorder,
		Payments:           processor,
		JWTSecret:          cfg.JWTSecret,
		RateLimiter:        limiter,
		RateLimitPerMinute: cfg.Billing.RateLimitPerMinute,
		Metrics:            m,
		MetricsEnabled:     cfg.Metrics.Enabled,
		HealthChecks:       healthChecks,
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Router.Timeout + 15*time.Second, // chat responses wait on the router
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Gateway listening", "addr", server.Addr, "auto_providers", cfg.Router.AutoProviders)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	// Flush queued usage records to the archive
	if archiver != nil {
		archiver.Stop()
	}

	logger.Info("Server exited")
	return nil
}

func cacheStats(read func() storage.CacheStats) metrics.CacheStatsFunc {
	return func() (int, int64, int64) {
		s := read()
		return s.Size, s.Hits, s.Misses
	}
}

// sweepCaches drops expired entries so keys nobody asks for again do not sit
// in memory until evicted
func sweepCaches(ctx context.Context, db *storage.DB, interval time.Duration) {
	logger := utils.NewLogger("cache-sweeper")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := db.CleanupExpiredCacheEntries(); removed > 0 {
				logger.Debug("Expired cache entries removed", "count", removed)
			}
		}
	}
}

// buildArchiver uses Redis-backed queues when Redis is on so records survive a
// restart, and in-process queues otherwise.
func buildArchiver(ctx context.Context, cfg *config.Config, redisClient *storage.RedisClient, m *metrics.Metrics) (*logging.Archiver, logging.Sink, error) {
	q, dlq, err := openArchiveQueues(cfg, redisClient)
	if err != nil {
		return nil, nil, err
	}

	writer, err := logging.NewS3Writer(ctx, logging.S3Config{
		Bucket:   cfg.Archive.S3Bucket,
		Region:   cfg.Archive.S3Region,
		Prefix:   cfg.Archive.S3Prefix,
		Endpoint: cfg.Archive.S3Endpoint,
		NodeName: cfg.Archive.PodName,
	})
	if err != nil {
		return nil, nil, err
	}

	archiver := logging.NewArchiver(q, dlq, writer, archiveQueueConfig(cfg), m)
	return archiver, logging.NewQueueSink(q), nil
}

func archiveQueueConfig(cfg *config.Config) *queue.Config {
	qc := queue.DefaultConfig("usage_archive")
	if cfg.Archive.BatchSize > 0 {
		qc.BatchSize = cfg.Archive.BatchSize
	}
	if cfg.Archive.BatchTimeout > 0 {
		qc.BatchTimeout = cfg.Archive.BatchTimeout
	}
	if cfg.Archive.MaxRetries > 0 {
		qc.MaxRetries = cfg.Archive.MaxRetries
	}
	return qc
}

func openArchiveQueues(cfg *config.Config, redisClient *storage.RedisClient) (queue.Queue, queue.DeadLetterQueue, error) {
	qc := archiveQueueConfig(cfg)
	if redisClient == nil {
		return queue.NewMemoryQueue(qc), queue.NewMemoryDeadLetterQueue(), nil
	}

	q, err := queue.NewRedisQueue(redisClient.Client(), qc)
	if err != nil {
		return nil, nil, err
	}
	dlq, err := queue.NewRedisDeadLetterQueue(redisClient.Client(), qc)
	if err != nil {
		return nil, nil, err
	}
	return q, dlq, nil
}

func openDB(cfg *config.Config) (*storage.DB, error) {
	dbConfig := storage.DefaultDBConfig()
	dbConfig.URL = cfg.Database.URL
	dbConfig.MaxOpenConns = cfg.Database.MaxOpenConns
	dbConfig.MaxIdleConns = cfg.Database.MaxIdleConns
	dbConfig.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	dbConfig.ConnMaxIdleTime = cfg.Database.ConnMaxIdleTime
	dbConfig.RateCacheSize = cfg.Cache.RateCacheSize
	dbConfig.RateCacheTTL = cfg.Cache.RateCacheTTL
	dbConfig.SettingCacheTTL = cfg.Cache.SettingCacheTTL

	db, err := storage.NewDB(dbConfig)
	if err != nil {
		return nil, err
	}
	return db, nil
}
