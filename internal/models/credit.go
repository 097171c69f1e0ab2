package models

import (
	"time"

	"github.com/google/uuid"
)

// TransactionMethod is the source of a balance change
type TransactionMethod string

const (
	MethodUsage      TransactionMethod = "usage"
	MethodStripe     TransactionMethod = "stripe"
	MethodAdjustment TransactionMethod = "adjustment"
)

type TransactionStatus string

const (
	StatusCompleted TransactionStatus = "completed"
	StatusPending   TransactionStatus = "pending"
	StatusFailed    TransactionStatus = "failed"
)

// CreditBalance holds a user's prepaid balance in minor units
type CreditBalance struct {
	UserID    uuid.UUID `db:"user_id" json:"user_id"`
	Balance   int64     `db:"balance" json:"balance"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// CreditTransaction is an append-only ledger row. Amount is signed minor units:
// negative for debits, positive for credits.
type CreditTransaction struct {
	ID          uuid.UUID         `db:"id" json:"id"`
	UserID      uuid.UUID         `db:"user_id" json:"user_id"`
	Amount      int64             `db:"amount" json:"amount"`
	Method      TransactionMethod `db:"method" json:"method"`
	Status      TransactionStatus `db:"status" json:"status"`
	ExternalID  *string           `db:"external_id" json:"external_id,omitempty"`
	Description string            `db:"description" json:"description"`
	Metadata    JSONB             `db:"metadata" json:"metadata,omitempty"`
	CreatedAt   time.Time         `db:"created_at" json:"created_at"`
}
