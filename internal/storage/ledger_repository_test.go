package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fusion_gateway/internal/models"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewDBWithConn(sqlx.NewDb(conn, "postgres"), DefaultDBConfig()), mock
}

var (
	lockBalanceSQL   = regexp.QuoteMeta(`SELECT balance FROM credit_balances WHERE user_id = $1 FOR UPDATE`)
	debitBalanceSQL  = regexp.QuoteMeta(`UPDATE credit_balances SET balance = GREATEST(balance - $2, 0)`)
	insertTxnSQL     = regexp.QuoteMeta(`INSERT INTO credit_transactions`)
	idempotentTxnSQL = regexp.QuoteMeta(`ON CONFLICT (external_id, method) WHERE external_id IS NOT NULL AND status = 'completed' DO NOTHING`)
	creditBalanceSQL = regexp.QuoteMeta(`INSERT INTO credit_balances (user_id, balance, updated_at)`)
)

func usageEntry() *models.CreditTransaction {
	return &models.CreditTransaction{
		Method:      models.MethodUsage,
		Description: "chat openai/gpt-4o 100 in / 50 out",
	}
}

func TestLedgerRepository_Debit(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	t.Run("full debit", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewLedgerRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery(lockBalanceSQL).WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(500)))
		mock.ExpectQuery(debitBalanceSQL).WithArgs(userID, int64(500)).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(0)))
		mock.ExpectQuery(insertTxnSQL).
			WithArgs(sqlmock.AnyArg(), userID, int64(-500), "usage", "completed", nil, "chat openai/gpt-4o 100 in / 50 out", nil).
			WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
		mock.ExpectCommit()

		outcome, err := repo.Debit(ctx, userID, 500, usageEntry())
		require.NoError(t, err)
		assert.Equal(t, int64(500), outcome.PreviousBalance)
		assert.Equal(t, int64(0), outcome.NewBalance)
		assert.Equal(t, int64(500), outcome.Deducted)
		require.NotNil(t, outcome.Transaction)
		assert.Equal(t, int64(-500), outcome.Transaction.Amount)
		assert.Equal(t, userID, outcome.Transaction.UserID)
		assert.NotEqual(t, uuid.Nil, outcome.Transaction.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("clamps at zero and records only what was deducted", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewLedgerRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery(lockBalanceSQL).WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(300)))
		mock.ExpectQuery(debitBalanceSQL).WithArgs(userID, int64(500)).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(0)))
		mock.ExpectQuery(insertTxnSQL).
			WithArgs(sqlmock.AnyArg(), userID, int64(-300), "usage", "completed", nil, sqlmock.AnyArg(), nil).
			WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
		mock.ExpectCommit()

		outcome, err := repo.Debit(ctx, userID, 500, usageEntry())
		require.NoError(t, err)
		assert.Equal(t, int64(300), outcome.Deducted)
		assert.Equal(t, int64(0), outcome.NewBalance)
		assert.Equal(t, int64(-300), outcome.Transaction.Amount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero balance writes nothing", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewLedgerRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery(lockBalanceSQL).WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(0)))
		mock.ExpectCommit()

		outcome, err := repo.Debit(ctx, userID, 500, usageEntry())
		require.NoError(t, err)
		assert.Equal(t, int64(0), outcome.Deducted)
		assert.Nil(t, outcome.Transaction)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing balance row writes nothing", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewLedgerRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery(lockBalanceSQL).WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}))
		mock.ExpectCommit()

		outcome, err := repo.Debit(ctx, userID, 500, usageEntry())
		require.NoError(t, err)
		assert.Equal(t, int64(0), outcome.PreviousBalance)
		assert.Nil(t, outcome.Transaction)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("transaction insert failure rolls back the balance change", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewLedgerRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery(lockBalanceSQL).WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(500)))
		mock.ExpectQuery(debitBalanceSQL).WithArgs(userID, int64(100)).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(400)))
		mock.ExpectQuery(insertTxnSQL).WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		outcome, err := repo.Debit(ctx, userID, 100, usageEntry())
		assert.Error(t, err)
		assert.Nil(t, outcome)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive amount is rejected without touching the database", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewLedgerRepository(db)

		_, err := repo.Debit(ctx, userID, 0, usageEntry())
		assert.ErrorIs(t, err, ErrInvalidAmount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerRepository_Credit(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	externalID := "cs_test_a1b2c3"

	paymentEntry := func() *models.CreditTransaction {
		return &models.CreditTransaction{
			UserID:      userID,
			Amount:      500,
			Method:      models.MethodStripe,
			ExternalID:  &externalID,
			Description: "stripe checkout",
		}
	}

	t.Run("first delivery applies", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewLedgerRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery(idempotentTxnSQL).
			WithArgs(sqlmock.AnyArg(), userID, int64(500), "stripe", "completed", externalID, "stripe checkout", nil).
			WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
		mock.ExpectQuery(creditBalanceSQL).WithArgs(userID, int64(500)).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(500)))
		mock.ExpectCommit()

		outcome, err := repo.Credit(ctx, paymentEntry())
		require.NoError(t, err)
		assert.True(t, outcome.Applied)
		assert.Equal(t, int64(500), outcome.NewBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replay is a no-op", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewLedgerRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery(idempotentTxnSQL).
			WillReturnRows(sqlmock.NewRows([]string{"created_at"}))
		mock.ExpectRollback()

		outcome, err := repo.Credit(ctx, paymentEntry())
		require.NoError(t, err)
		assert.False(t, outcome.Applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("balance failure rolls back the transaction row", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewLedgerRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery(idempotentTxnSQL).
			WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
		mock.ExpectQuery(creditBalanceSQL).WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		outcome, err := repo.Credit(ctx, paymentEntry())
		assert.Error(t, err)
		assert.Nil(t, outcome)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive amount is rejected", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewLedgerRepository(db)

		entry := paymentEntry()
		entry.Amount = -5
		_, err := repo.Credit(ctx, entry)
		assert.ErrorIs(t, err, ErrInvalidAmount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerRepository_GetBalance(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	query := regexp.QuoteMeta(`SELECT balance FROM credit_balances WHERE user_id = $1`)

	db, mock := newMockDB(t)
	repo := NewLedgerRepository(db)

	mock.ExpectQuery(query).WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(1250)))
	mock.ExpectQuery(query).WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))

	balance, err := repo.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(1250), balance)

	balance, err = repo.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepository_ListTransactions(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	db, mock := newMockDB(t)
	repo := NewLedgerRepository(db)

	rows := sqlmock.NewRows([]string{"id", "user_id", "amount", "method", "status", "external_id", "description", "metadata", "created_at"}).
		AddRow(uuid.New().String(), userID.String(), int64(-330), "usage", "completed", nil, "chat", nil, time.Now()).
		AddRow(uuid.New().String(), userID.String(), int64(5000000), "stripe", "completed", "cs_1", "stripe checkout", []byte(`{"currency":"usd"}`), time.Now())

	mock.ExpectQuery(regexp.QuoteMeta(`FROM credit_transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`)).
		WithArgs(userID, 20).
		WillReturnRows(rows)

	txns, err := repo.ListTransactions(ctx, userID, 0)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, int64(-330), txns[0].Amount)
	assert.Nil(t, txns[0].ExternalID)
	assert.Equal(t, models.MethodStripe, txns[1].Method)
	require.NotNil(t, txns[1].ExternalID)
	assert.Equal(t, "cs_1", *txns[1].ExternalID)
	assert.Equal(t, "usd", txns[1].Metadata["currency"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
