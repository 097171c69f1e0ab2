// Package pricing turns token counts into money.
//
// Rates are USD per million tokens. The Store reads rates and the global
// settings; the Calculator applies markup and rounding and absorbs every lookup
// failure into a documented default so pricing never blocks a chat response.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"fusion_gateway/internal/models"
	"fusion_gateway/internal/storage"
)

// ErrRateNotFound is returned when no active rate matches a provider/model pair
var ErrRateNotFound = errors.New("pricing: rate not found")

// RateRepository is the read side of storage.RateRepository
type RateRepository interface {
	GetActive(ctx context.Context, provider, model string) (*models.ModelRate, error)
}

// SettingRepository is the read side of storage.SettingRepository
type SettingRepository interface {
	Get(ctx context.Context, key string) (string, error)
}

// Rate is a per-token price pair
type Rate struct {
	InputPerMillion  decimal.Decimal
	OutputPerMillion decimal.Decimal
}

// Store looks up rates and pricing settings
type Store struct {
	rates    RateRepository
	settings SettingRepository
}

func NewStore(rates RateRepository, settings SettingRepository) *Store {
	return &Store{rates: rates, settings: settings}
}

// RateFor returns the active rate for the pair, matched case-insensitively
func (s *Store) RateFor(ctx context.Context, provider, model string) (Rate, error) {
	mr, err := s.rates.GetActive(ctx, provider, model)
	if err != nil {
		if errors.Is(err, storage.ErrRateNotFound) {
			return Rate{}, ErrRateNotFound
		}
		return Rate{}, fmt.Errorf("failed to look up rate for %s/%s: %w", provider, model, err)
	}
	if !mr.Active {
		return Rate{}, ErrRateNotFound
	}
	return Rate{
		InputPerMillion:  mr.InputPricePerMillion,
		OutputPerMillion: mr.OutputPricePerMillion,
	}, nil
}

// MarkupPercentage returns the global markup, e.g. 10 for +10%
func (s *Store) MarkupPercentage(ctx context.Context) (decimal.Decimal, error) {
	return s.nonNegativeSetting(ctx, storage.SettingMarkupPercentage)
}

// RoutingFee returns the flat USD fee charged for automatic provider selection
func (s *Store) RoutingFee(ctx context.Context) (decimal.Decimal, error) {
	return s.nonNegativeSetting(ctx, storage.SettingAutomaticRoutingFee)
}

func (s *Store) nonNegativeSetting(ctx context.Context, key string) (decimal.Decimal, error) {
	raw, err := s.settings.Get(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("setting %s is not a number: %w", key, err)
	}
	if v.IsNegative() {
		return decimal.Zero, fmt.Errorf("setting %s must not be negative", key)
	}
	return v, nil
}
