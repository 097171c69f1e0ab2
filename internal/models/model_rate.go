package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ModelRate prices one (provider, model) pair in USD per million tokens
type ModelRate struct {
	ID                    uuid.UUID       `db:"id" json:"id"`
	Provider              string          `db:"provider" json:"provider"`
	Model                 string          `db:"model" json:"model"`
	InputPricePerMillion  decimal.Decimal `db:"input_price_per_million" json:"input_price_per_million"`
	OutputPricePerMillion decimal.Decimal `db:"output_price_per_million" json:"output_price_per_million"`
	Active                bool            `db:"active" json:"active"`
	CreatedAt             time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at" json:"updated_at"`
}

// Validate rejects rates that cannot be used for billing
func (r *ModelRate) Validate() error {
	if r.Provider == "" || r.Model == "" {
		return fmt.Errorf("provider and model are required")
	}
	if r.InputPricePerMillion.IsNegative() || r.OutputPricePerMillion.IsNegative() {
		return fmt.Errorf("prices must be non-negative")
	}
	return nil
}
