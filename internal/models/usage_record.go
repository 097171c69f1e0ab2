package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BillingStatus records what the ledger did for a served request
type BillingStatus string

const (
	BillingCharged             BillingStatus = "charged"
	BillingNotCharged          BillingStatus = "not_charged"
	BillingInsufficientBalance BillingStatus = "insufficient_balance"
	BillingFailed              BillingStatus = "failed"
)

// UsageRecord is the immutable audit entry for one served chat request
type UsageRecord struct {
	ID                uuid.UUID        `db:"id" json:"id"`
	RequestID         uuid.UUID        `db:"request_id" json:"request_id"`
	UserID            uuid.UUID        `db:"user_id" json:"user_id"`
	RequestedProvider string           `db:"requested_provider" json:"requested_provider"`
	RequestedModel    *string          `db:"requested_model" json:"requested_model,omitempty"`
	ProviderUsed      string           `db:"provider_used" json:"provider_used"`
	ModelUsed         string           `db:"model_used" json:"model_used"`
	InputTokens       int64            `db:"input_tokens" json:"input_tokens"`
	OutputTokens      int64            `db:"output_tokens" json:"output_tokens"`
	TotalTokens       int64            `db:"total_tokens" json:"total_tokens"`
	Cost              decimal.Decimal  `db:"cost" json:"cost"`
	RoutingFee        decimal.Decimal  `db:"routing_fee" json:"routing_fee"`
	FallbackReason    *string          `db:"fallback_reason" json:"fallback_reason"`
	CredentialSource  CredentialSource `db:"credential_source" json:"credential_source"`
	BillingStatus     BillingStatus    `db:"billing_status" json:"billing_status"`
	ResponseTimeMS    int64            `db:"response_time_ms" json:"response_time_ms"`
	CreatedAt         time.Time        `db:"created_at" json:"created_at"`
}
