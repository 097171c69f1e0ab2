package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"fusion_gateway/internal/auth"
	"fusion_gateway/internal/billing"
	"fusion_gateway/internal/config"
	"fusion_gateway/internal/logging"
	"fusion_gateway/internal/models"
	"fusion_gateway/internal/ratelimit"
	"fusion_gateway/internal/storage"
	"fusion_gateway/internal/vault"
)

const adminTimeout = 30 * time.Second

// withDB loads the config, opens the database and runs fn with a bounded context
func withDB(fn func(ctx context.Context, cfg *config.Config, db *storage.DB) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateDatabase(); err != nil {
		return err
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	return fn(ctx, cfg, db)
}

// withRedis loads the config, connects to Redis and runs fn with a bounded context.
// what names the Redis-only feature in the error when Redis is off.
func withRedis(what string, fn func(ctx context.Context, cfg *config.Config, redisClient *storage.RedisClient) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Redis.Enabled {
		return fmt.Errorf("%s are only available with REDIS_ENABLED", what)
	}

	redisClient, err := storage.NewRedisClient(storage.RedisConfig{
		Address:     cfg.Redis.Address,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	if err != nil {
		return err
	}
	defer redisClient.Close()

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	return fn(ctx, cfg, redisClient)
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(ctx context.Context, _ *config.Config, db *storage.DB) error {
				if err := storage.EnsureSchema(ctx, db); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
				return nil
			})
		},
	}
}

func newGenKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Print a new random ENCRYPTION_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := vault.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func newTokenCommand() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			token, expiresAt, err := auth.GenerateToken(userID, cfg.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newRatesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rates",
		Short: "Manage per-model token prices",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <provider> <model> <input-per-million> <output-per-million>",
			Short: "Set the active USD price per million tokens for a model",
			Args:  cobra.ExactArgs(4),
			RunE: func(cmd *cobra.Command, args []string) error {
				provider, err := rateProvider(args[0])
				if err != nil {
					return err
				}
				input, err := decimal.NewFromString(args[2])
				if err != nil {
					return fmt.Errorf("invalid input price: %w", err)
				}
				output, err := decimal.NewFromString(args[3])
				if err != nil {
					return fmt.Errorf("invalid output price: %w", err)
				}

				rate := &models.ModelRate{
					Provider:              string(provider),
					Model:                 args[1],
					InputPricePerMillion:  input,
					OutputPricePerMillion: output,
				}
				return withDB(func(ctx context.Context, _ *config.Config, db *storage.DB) error {
					if err := db.NewRateRepository().Set(ctx, rate); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: input %s, output %s per million tokens\n",
						rate.Provider, rate.Model, rate.InputPricePerMillion, rate.OutputPricePerMillion)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List active rates",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(func(ctx context.Context, _ *config.Config, db *storage.DB) error {
					rates, err := db.NewRateRepository().ListActive(ctx)
					if err != nil {
						return err
					}

					tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "PROVIDER\tMODEL\tINPUT/M\tOUTPUT/M\tUPDATED")
					for _, r := range rates {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Provider, r.Model,
							r.InputPricePerMillion, r.OutputPricePerMillion, r.UpdatedAt.Format(time.RFC3339))
					}
					return tw.Flush()
				})
			},
		},
		&cobra.Command{
			Use:   "remove <provider> <model>",
			Short: "Retire the active rate; lookups fall back to the defaults",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				provider, err := rateProvider(args[0])
				if err != nil {
					return err
				}
				return withDB(func(ctx context.Context, _ *config.Config, db *storage.DB) error {
					return db.NewRateRepository().Deactivate(ctx, string(provider), args[1])
				})
			},
		},
	)
	return cmd
}

// rateProvider resolves aliases so rates land under the name the router reports after parsing
func rateProvider(name string) (models.Provider, error) {
	p, err := models.ParseProvider(name)
	if err != nil {
		return "", err
	}
	if !p.IsConcrete() {
		return "", fmt.Errorf("rates are per concrete provider, got %q", name)
	}
	return p, nil
}

// pricingSettings are stored as non-negative decimals
var pricingSettings = map[string]bool{
	storage.SettingMarkupPercentage:    true,
	storage.SettingAutomaticRoutingFee: true,
}

func newSettingsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read and write pricing settings",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: fmt.Sprintf("Set %s or %s", storage.SettingMarkupPercentage, storage.SettingAutomaticRoutingFee),
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				key, value := args[0], strings.TrimSpace(args[1])
				if !pricingSettings[key] {
					return fmt.Errorf("unknown setting %q", key)
				}
				if d, err := decimal.NewFromString(value); err != nil || d.IsNegative() {
					return fmt.Errorf("%s must be a non-negative decimal", key)
				}

				return withDB(func(ctx context.Context, _ *config.Config, db *storage.DB) error {
					if err := db.NewSettingRepository().Set(ctx, key, value); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, value)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print a setting",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(func(ctx context.Context, _ *config.Config, db *storage.DB) error {
					value, err := db.NewSettingRepository().Get(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), value)
					return nil
				})
			},
		},
	)
	return cmd
}

func newCreditCommand() *cobra.Command {
	var reference, note string

	cmd := &cobra.Command{
		Use:   "credit <user-id> <usd>",
		Short: "Apply a manual balance adjustment, once per reference",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
			amount, err := decimal.NewFromString(args[1])
			if err != nil || !amount.IsPositive() {
				return fmt.Errorf("amount must be a positive USD value")
			}
			if reference == "" {
				return fmt.Errorf("--reference is required")
			}

			return withDB(func(ctx context.Context, _ *config.Config, db *storage.DB) error {
				result, err := billing.NewLedger(db.NewLedgerRepository()).Credit(ctx, billing.Payment{
					ExternalID:  reference,
					UserID:      userID,
					Amount:      billing.ToMinorUnits(amount),
					Method:      models.MethodAdjustment,
					Description: note,
				})
				if err != nil {
					return err
				}
				if result.Duplicate {
					fmt.Fprintf(cmd.OutOrStdout(), "reference %s was already applied\n", reference)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "balance is now %s USD\n", billing.FromMinorUnits(result.Balance).StringFixed(6))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reference, "reference", "", "idempotency reference, e.g. a support ticket id")
	cmd.Flags().StringVar(&note, "note", "Manual adjustment", "ledger description")
	return cmd
}

func newArchiveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect the usage archive queues (Redis only)",
	}

	withArchiver := func(fn func(ctx context.Context, a *logging.Archiver) error) error {
		return withRedis("archive queues", func(ctx context.Context, cfg *config.Config, redisClient *storage.RedisClient) error {
			q, dlq, err := openArchiveQueues(cfg, redisClient)
			if err != nil {
				return err
			}
			return fn(ctx, logging.NewArchiver(q, dlq, nil, archiveQueueConfig(cfg), nil))
		})
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show pending and dead-lettered usage records",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withArchiver(func(ctx context.Context, a *logging.Archiver) error {
					pending, err := a.Pending(ctx)
					if err != nil {
						return err
					}
					dead, err := a.DeadLetters(ctx, 0)
					if err != nil {
						return err
					}

					fmt.Fprintf(cmd.OutOrStdout(), "pending: %d\ndead letters: %d\n", pending, len(dead))
					tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					for _, item := range dead {
						fmt.Fprintf(tw, "%s\t%s\t%s\n", item.ID, item.Timestamp.Format(time.RFC3339), item.Error)
					}
					return tw.Flush()
				})
			},
		},
		&cobra.Command{
			Use:   "requeue <id>",
			Short: "Move a dead-lettered record back onto the archive queue",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withArchiver(func(ctx context.Context, a *logging.Archiver) error {
					return a.Requeue(ctx, args[0])
				})
			},
		},
	)
	return cmd
}

func newRateLimitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Inspect or clear a user's request window (Redis only)",
	}

	withLimiter := func(userArg string, fn func(ctx context.Context, cfg *config.Config, limiter *ratelimit.RateLimiter, key string) error) error {
		userID, err := uuid.Parse(userArg)
		if err != nil {
			return fmt.Errorf("invalid user id: %w", err)
		}
		return withRedis("rate limits", func(ctx context.Context, cfg *config.Config, redisClient *storage.RedisClient) error {
			return fn(ctx, cfg, ratelimit.NewRateLimiter(redisClient.Client()), userID.String())
		})
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status <user-id>",
			Short: "Show requests counted in the current window",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withLimiter(args[0], func(ctx context.Context, cfg *config.Config, limiter *ratelimit.RateLimiter, key string) error {
					used, err := limiter.GetCurrentUsage(ctx, key)
					if err != nil {
						return err
					}
					limit := "unlimited"
					if cfg.Billing.RateLimitPerMinute > 0 {
						limit = strconv.Itoa(cfg.Billing.RateLimitPerMinute)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d of %s requests in the last %s\n", key, used, limit, ratelimit.Window)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "reset <user-id>",
			Short: "Clear the user's window so requests are accepted again",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withLimiter(args[0], func(ctx context.Context, _ *config.Config, limiter *ratelimit.RateLimiter, key string) error {
					if err := limiter.Reset(ctx, key); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: rate limit window cleared\n", key)
					return nil
				})
			},
		},
	)
	return cmd
}
