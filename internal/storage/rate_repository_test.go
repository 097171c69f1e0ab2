package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fusion_gateway/internal/models"
)

var notifySQL = regexp.QuoteMeta(`SELECT pg_notify($1, $2)`)

var rateRowColumns = []string{"id", "provider", "model", "input_price_per_million", "output_price_per_million", "active", "created_at", "updated_at"}

func TestRateRepository_GetActive(t *testing.T) {
	ctx := context.Background()
	query := regexp.QuoteMeta(`WHERE LOWER(provider) = LOWER($1) AND LOWER(model) = LOWER($2) AND active`)

	t.Run("found and cached case-insensitively", func(t *testing.T) {
		db, mock := newMockDB(t)
		db.setCaching(true)
		repo := NewRateRepository(db)

		mock.ExpectQuery(query).WithArgs("OpenAI", "GPT-4o").
			WillReturnRows(sqlmock.NewRows(rateRowColumns).
				AddRow(uuid.New().String(), "openai", "gpt-4o", "2.5", "10", true, time.Now(), time.Now()))

		rate, err := repo.GetActive(ctx, "OpenAI", "GPT-4o")
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("2.5").Equal(rate.InputPricePerMillion))
		assert.True(t, decimal.NewFromInt(10).Equal(rate.OutputPricePerMillion))

		// Served from cache; no second query expected
		again, err := repo.GetActive(ctx, "openai", "gpt-4o")
		require.NoError(t, err)
		assert.Same(t, rate, again)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("every read hits the database without a listener", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewRateRepository(db)

		for _, price := range []string{"2.5", "3"} {
			mock.ExpectQuery(query).WithArgs("openai", "gpt-4o").
				WillReturnRows(sqlmock.NewRows(rateRowColumns).
					AddRow(uuid.New().String(), "openai", "gpt-4o", price, "10", true, time.Now(), time.Now()))
		}

		first, err := repo.GetActive(ctx, "openai", "gpt-4o")
		require.NoError(t, err)
		second, err := repo.GetActive(ctx, "openai", "gpt-4o")
		require.NoError(t, err)

		assert.Equal(t, "2.5", first.InputPricePerMillion.String())
		assert.Equal(t, "3", second.InputPricePerMillion.String())
		assert.Zero(t, db.RateCacheStats().Size)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewRateRepository(db)

		mock.ExpectQuery(query).WithArgs("openai", "unknown-model").
			WillReturnRows(sqlmock.NewRows(rateRowColumns))

		_, err := repo.GetActive(ctx, "openai", "unknown-model")
		assert.ErrorIs(t, err, ErrRateNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRateRepository_Set(t *testing.T) {
	ctx := context.Background()

	t.Run("retires the previous rate and invalidates the cache", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewRateRepository(db)
		repo.cache.Set(rateCacheKey("anthropic", "claude-sonnet-4"), &models.ModelRate{})

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE model_rates SET active = FALSE`)).
			WithArgs("anthropic", "claude-sonnet-4").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO model_rates`)).
			WithArgs(sqlmock.AnyArg(), "anthropic", "claude-sonnet-4", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(time.Now(), time.Now()))
		mock.ExpectExec(notifySQL).
			WithArgs(PricingChannel, "rate:anthropic/claude-sonnet-4").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		rate := &models.ModelRate{
			Provider:              "anthropic",
			Model:                 "claude-sonnet-4",
			InputPricePerMillion:  decimal.NewFromInt(3),
			OutputPricePerMillion: decimal.NewFromInt(15),
		}
		require.NoError(t, repo.Set(ctx, rate))
		assert.True(t, rate.Active)

		_, cached := repo.cache.Get(rateCacheKey("anthropic", "claude-sonnet-4"))
		assert.False(t, cached)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("negative price is rejected", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewRateRepository(db)

		err := repo.Set(ctx, &models.ModelRate{
			Provider:             "openai",
			Model:                "gpt-4o",
			InputPricePerMillion: decimal.NewFromInt(-1),
		})
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRateRepository_Deactivate(t *testing.T) {
	ctx := context.Background()
	retire := regexp.QuoteMeta(`UPDATE model_rates SET active = FALSE`)

	t.Run("retires and publishes the change", func(t *testing.T) {
		db, mock := newMockDB(t)
		db.setCaching(true)
		repo := NewRateRepository(db)
		repo.cache.Set(rateCacheKey("gemini", "gemini-pro"), &models.ModelRate{})

		mock.ExpectBegin()
		mock.ExpectExec(retire).WithArgs("gemini", "gemini-pro").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(notifySQL).WithArgs(PricingChannel, "rate:gemini/gemini-pro").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, repo.Deactivate(ctx, "gemini", "gemini-pro"))

		_, cached := repo.cache.Get(rateCacheKey("gemini", "gemini-pro"))
		assert.False(t, cached)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no active rate rolls back without publishing", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewRateRepository(db)

		mock.ExpectBegin()
		mock.ExpectExec(retire).WithArgs("gemini", "missing").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := repo.Deactivate(ctx, "gemini", "missing")
		assert.ErrorIs(t, err, ErrRateNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSettingRepository(t *testing.T) {
	ctx := context.Background()
	db, mock := newMockDB(t)
	db.setCaching(true)
	repo := NewSettingRepository(db)
	query := regexp.QuoteMeta(`SELECT value FROM settings WHERE key = $1`)

	mock.ExpectQuery(query).WithArgs(SettingMarkupPercentage).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("10"))
	mock.ExpectQuery(query).WithArgs(SettingAutomaticRoutingFee).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO settings`)).
		WithArgs(SettingMarkupPercentage, "12.5").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(notifySQL).
		WithArgs(PricingChannel, "setting:"+SettingMarkupPercentage).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(query).WithArgs(SettingMarkupPercentage).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("12.5"))

	v, err := repo.Get(ctx, SettingMarkupPercentage)
	require.NoError(t, err)
	assert.Equal(t, "10", v)

	// cached
	v, err = repo.Get(ctx, SettingMarkupPercentage)
	require.NoError(t, err)
	assert.Equal(t, "10", v)

	_, err = repo.Get(ctx, SettingAutomaticRoutingFee)
	assert.ErrorIs(t, err, ErrSettingNotFound)

	require.NoError(t, repo.Set(ctx, SettingMarkupPercentage, "12.5"))
	v, err = repo.Get(ctx, SettingMarkupPercentage)
	require.NoError(t, err)
	assert.Equal(t, "12.5", v)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsageRepository_Create(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUsageRepository(db)
	now := time.Now()

	rec := &models.UsageRecord{
		RequestID:         uuid.New(),
		UserID:            uuid.New(),
		RequestedProvider: "automatic",
		ProviderUsed:      "gemini",
		ModelUsed:         "gemini-2.5-flash",
		InputTokens:       100,
		OutputTokens:      50,
		TotalTokens:       150,
		Cost:              decimal.Zero,
		RoutingFee:        decimal.RequireFromString("0.001"),
		CredentialSource:  models.CredentialSourceBYOAPI,
		BillingStatus:     models.BillingCharged,
		ResponseTimeMS:    820,
	}

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO usage_records`)).
		WithArgs(
			sqlmock.AnyArg(), rec.RequestID, rec.UserID, "automatic", nil,
			"gemini", "gemini-2.5-flash", int64(100), int64(50), int64(150),
			"0", "0.001", nil, "byoapi", "charged",
			int64(820),
		).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))

	require.NoError(t, repo.Create(context.Background(), rec))
	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.WithinDuration(t, now, rec.CreatedAt, time.Second)
	assert.NoError(t, mock.ExpectationsWereMet())
}
