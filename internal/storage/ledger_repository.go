package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"fusion_gateway/internal/models"
)

// DebitOutcome describes what a debit actually did to the balance.
// Deducted can be less than the requested amount when the balance is clamped at zero.
type DebitOutcome struct {
	PreviousBalance int64
	NewBalance      int64
	Deducted        int64

	// Transaction is nil when nothing was deducted
	Transaction *models.CreditTransaction
}

// CreditOutcome describes the result of an idempotent credit
type CreditOutcome struct {
	Applied    bool
	NewBalance int64
}

// LedgerRepository mutates credit_balances and appends credit_transactions.
// Every balance change and its transaction row are written in one database transaction.
type LedgerRepository struct {
	db *DB
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Debit subtracts up to amount from the user's balance, never below zero, and
// records a transaction for the amount actually deducted. entry supplies the
// method, description and metadata; its amount is filled in here.
func (r *LedgerRepository) Debit(ctx context.Context, userID uuid.UUID, amount int64, entry *models.CreditTransaction) (*DebitOutcome, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	outcome := &DebitOutcome{}

	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		lock := `SELECT balance FROM credit_balances WHERE user_id = $1 FOR UPDATE`
		if err := tx.GetContext(ctx, &outcome.PreviousBalance, lock, userID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to lock balance: %w", err)
		}

		if outcome.PreviousBalance == 0 {
			return nil
		}

		update := `
			UPDATE credit_balances
			SET balance = GREATEST(balance - $2, 0), updated_at = NOW()
			WHERE user_id = $1
			RETURNING balance
		`
		if err := tx.GetContext(ctx, &outcome.NewBalance, update, userID, amount); err != nil {
			return fmt.Errorf("failed to debit balance: %w", err)
		}

		outcome.Deducted = outcome.PreviousBalance - outcome.NewBalance
		if outcome.Deducted == 0 {
			return nil
		}

		entry.UserID = userID
		entry.Amount = -outcome.Deducted
		if err := insertTransaction(ctx, tx, entry, false); err != nil {
			return err
		}
		outcome.Transaction = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	return outcome, nil
}

// Credit adds entry.Amount to the user's balance, creating the balance row if needed.
// When entry carries an external id that was already applied for the same method,
// nothing is written and Applied is false.
func (r *LedgerRepository) Credit(ctx context.Context, entry *models.CreditTransaction) (*CreditOutcome, error) {
	if entry.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	outcome := &CreditOutcome{}

	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := insertTransaction(ctx, tx, entry, true); err != nil {
			return err
		}

		upsert := `
			INSERT INTO credit_balances (user_id, balance, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (user_id) DO UPDATE
			SET balance = credit_balances.balance + EXCLUDED.balance, updated_at = NOW()
			RETURNING balance
		`
		if err := tx.GetContext(ctx, &outcome.NewBalance, upsert, entry.UserID, entry.Amount); err != nil {
			return fmt.Errorf("failed to credit balance: %w", err)
		}

		outcome.Applied = true
		return nil
	})
	if errors.Is(err, errDuplicateCredit) {
		return &CreditOutcome{Applied: false}, nil
	}
	if err != nil {
		return nil, err
	}

	return outcome, nil
}

// insertTransaction appends a ledger row. With idempotent set, a conflicting
// (external_id, method) completed row makes it return errDuplicateCredit.
func insertTransaction(ctx context.Context, tx *sqlx.Tx, entry *models.CreditTransaction, idempotent bool) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Status == "" {
		entry.Status = models.StatusCompleted
	}

	query := `
		INSERT INTO credit_transactions (id, user_id, amount, method, status, external_id, description, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`
	if idempotent {
		query += `
		ON CONFLICT (external_id, method) WHERE external_id IS NOT NULL AND status = 'completed' DO NOTHING`
	}
	query += `
		RETURNING created_at`

	err := tx.QueryRowxContext(ctx, query,
		entry.ID,
		entry.UserID,
		entry.Amount,
		string(entry.Method),
		string(entry.Status),
		entry.ExternalID,
		entry.Description,
		entry.Metadata,
	).Scan(&entry.CreatedAt)
	if err != nil {
		if idempotent && errors.Is(err, sql.ErrNoRows) {
			return errDuplicateCredit
		}
		return fmt.Errorf("failed to insert credit transaction: %w", err)
	}

	return nil
}

// GetBalance returns the user's balance; a user without a balance row has zero
func (r *LedgerRepository) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	err := r.db.conn.GetContext(ctx, &balance, `SELECT balance FROM credit_balances WHERE user_id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// ListTransactions returns the user's most recent ledger rows, newest first
func (r *LedgerRepository) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 20
	}

	var txns []*models.CreditTransaction
	query := `
		SELECT id, user_id, amount, method, status, external_id, description, metadata, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	if err := r.db.conn.SelectContext(ctx, &txns, query, userID, limit); err != nil {
		return nil, fmt.Errorf("failed to list credit transactions: %w", err)
	}
	return txns, nil
}
