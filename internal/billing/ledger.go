// Package billing is the credit ledger: atomic debits for served requests and
// idempotent credits for confirmed payments.
//
// Amounts are integer minor units of one micro-dollar, so a cost rounded to
// six fractional digits converts exactly.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fusion_gateway/internal/models"
	"fusion_gateway/internal/storage"
	"fusion_gateway/internal/utils"
)

// MinorUnitsPerUSD is the ledger resolution
const MinorUnitsPerUSD = 1_000_000

const minorUnitsPerCent = MinorUnitsPerUSD / 100

var (
	// ErrInsufficientBalance is matched by *InsufficientBalanceError
	ErrInsufficientBalance = errors.New("billing: insufficient balance")

	// ErrInvalidPayment rejects payments missing an external id, user or positive amount
	ErrInvalidPayment = errors.New("billing: invalid payment")
)

// InsufficientBalanceError reports a debit that was clamped at zero
type InsufficientBalanceError struct {
	UserID    uuid.UUID
	Requested int64
	Deducted  int64
}

func (e *InsufficientBalanceError) Shortfall() int64 {
	return e.Requested - e.Deducted
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("billing: insufficient balance for user %s: requested %d, deducted %d", e.UserID, e.Requested, e.Deducted)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// ToMinorUnits converts USD to minor units, rounding half away from zero
func ToMinorUnits(usd decimal.Decimal) int64 {
	return usd.Shift(6).Round(0).IntPart()
}

// FromMinorUnits converts minor units back to USD
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -6)
}

// CentsToMinor converts a payment processor amount in cents
func CentsToMinor(cents int64) int64 {
	return cents * minorUnitsPerCent
}

// Store is the transactional persistence the ledger runs on
type Store interface {
	Debit(ctx context.Context, userID uuid.UUID, amount int64, entry *models.CreditTransaction) (*storage.DebitOutcome, error)
	Credit(ctx context.Context, entry *models.CreditTransaction) (*storage.CreditOutcome, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error)
}

// DebitRequest charges a user for one served request
type DebitRequest struct {
	UserID      uuid.UUID
	Amount      int64
	Description string
	Metadata    models.JSONB
}

// DebitResult reports what was actually charged
type DebitResult struct {
	// Skipped is set when the amount was zero and nothing was written
	Skipped bool

	Charged     int64
	Balance     int64
	Transaction *models.CreditTransaction
}

// Payment is a confirmed external payment
type Payment struct {
	ExternalID  string
	UserID      uuid.UUID
	Amount      int64
	Method      models.TransactionMethod
	Description string
	Metadata    models.JSONB
}

// CreditResult reports the outcome of a credit. A replayed payment is
// Duplicate and not an error.
type CreditResult struct {
	Applied   bool
	Duplicate bool
	Balance   int64
}

// Ledger applies balance changes
type Ledger struct {
	store  Store
	logger *utils.Logger
}

func NewLedger(store Store) *Ledger {
	return &Ledger{
		store:  store,
		logger: utils.NewLogger("ledger"),
	}
}

// Debit subtracts req.Amount from the balance and records the transaction in
// the same unit of work. The balance never goes negative: when it cannot cover
// the amount it is clamped to zero and *InsufficientBalanceError is returned
// together with the result.
func (l *Ledger) Debit(ctx context.Context, req DebitRequest) (*DebitResult, error) {
	if req.Amount <= 0 {
		return &DebitResult{Skipped: true}, nil
	}

	entry := &models.CreditTransaction{
		Method:      models.MethodUsage,
		Status:      models.StatusCompleted,
		Description: req.Description,
		Metadata:    req.Metadata,
	}

	outcome, err := l.store.Debit(ctx, req.UserID, req.Amount, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to debit user %s: %w", req.UserID, err)
	}

	result := &DebitResult{
		Charged:     outcome.Deducted,
		Balance:     outcome.NewBalance,
		Transaction: outcome.Transaction,
	}

	if outcome.Deducted < req.Amount {
		shortfall := &InsufficientBalanceError{UserID: req.UserID, Requested: req.Amount, Deducted: outcome.Deducted}
		l.logger.Warn("Balance clamped at zero",
			"user_id", req.UserID, "requested", req.Amount, "deducted", outcome.Deducted, "shortfall", shortfall.Shortfall())
		return result, shortfall
	}

	l.logger.Debug("Debit applied", "user_id", req.UserID, "amount", req.Amount, "balance", outcome.NewBalance)
	return result, nil
}

// Credit adds a confirmed payment to the balance exactly once per
// (external id, method). Replays return Duplicate without writing.
func (l *Ledger) Credit(ctx context.Context, p Payment) (*CreditResult, error) {
	externalID := strings.TrimSpace(p.ExternalID)
	if externalID == "" || p.UserID == uuid.Nil || p.Amount <= 0 || p.Method == "" {
		return nil, ErrInvalidPayment
	}

	entry := &models.CreditTransaction{
		UserID:      p.UserID,
		Amount:      p.Amount,
		Method:      p.Method,
		Status:      models.StatusCompleted,
		ExternalID:  &externalID,
		Description: p.Description,
		Metadata:    p.Metadata,
	}

	outcome, err := l.store.Credit(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to credit user %s: %w", p.UserID, err)
	}

	if !outcome.Applied {
		l.logger.Info("Duplicate payment ignored", "external_id", externalID, "method", p.Method, "user_id", p.UserID)
		return &CreditResult{Duplicate: true}, nil
	}

	l.logger.Info("Payment credited", "external_id", externalID, "method", p.Method, "user_id", p.UserID,
		"amount", p.Amount, "balance", outcome.NewBalance)
	return &CreditResult{Applied: true, Balance: outcome.NewBalance}, nil
}

// Balance returns the user's balance in minor units
func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return l.store.GetBalance(ctx, userID)
}

// Transactions returns the user's most recent ledger rows
func (l *Ledger) Transactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	return l.store.ListTransactions(ctx, userID, limit)
}
