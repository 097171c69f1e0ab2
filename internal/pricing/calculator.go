package pricing

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"fusion_gateway/internal/metrics"
	"fusion_gateway/internal/utils"
)

// Precision is the number of fractional USD digits kept on every amount
const Precision = 6

var million = decimal.NewFromInt(1_000_000)

// Source is what the Calculator needs from a Store
type Source interface {
	RateFor(ctx context.Context, provider, model string) (Rate, error)
	MarkupPercentage(ctx context.Context) (decimal.Decimal, error)
	RoutingFee(ctx context.Context) (decimal.Decimal, error)
}

// Defaults apply whenever a lookup fails
type Defaults struct {
	InputPerMillion  decimal.Decimal
	OutputPerMillion decimal.Decimal
	RoutingFee       decimal.Decimal
}

// StaticDefaults are used when configuration supplies nothing:
// 2.50/10.00 USD per million tokens and a 0.001 USD routing fee. Markup defaults to 0.
func StaticDefaults() Defaults {
	return Defaults{
		InputPerMillion:  decimal.RequireFromString("2.50"),
		OutputPerMillion: decimal.RequireFromString("10.00"),
		RoutingFee:       decimal.RequireFromString("0.001"),
	}
}

// Calculator prices served requests
type Calculator struct {
	source   Source
	defaults Defaults
	metrics  *metrics.Metrics
	logger   *utils.Logger
}

func NewCalculator(source Source, defaults Defaults, m *metrics.Metrics) *Calculator {
	return &Calculator{
		source:   source,
		defaults: defaults,
		metrics:  m,
		logger:   utils.NewLogger("pricing"),
	}
}

// Cost returns the token cost in USD rounded half away from zero to Precision
// digits. A request served on the user's own credential costs exactly zero.
func (c *Calculator) Cost(ctx context.Context, provider, model string, inputTokens, outputTokens int64, byoapiSuccessful bool) decimal.Decimal {
	if byoapiSuccessful {
		return decimal.Zero
	}

	rate, err := c.source.RateFor(ctx, provider, model)
	if err != nil {
		reason := metrics.FallbackRateError
		if errors.Is(err, ErrRateNotFound) {
			reason = metrics.FallbackRateNotFound
			c.logger.Debug("No rate for model, using default", "provider", provider, "model", model)
		} else {
			c.logger.Warn("Rate lookup failed, using default", "provider", provider, "model", model, "error", err)
		}
		c.metrics.PricingFallback(reason)
		rate = Rate{InputPerMillion: c.defaults.InputPerMillion, OutputPerMillion: c.defaults.OutputPerMillion}
	}

	markup, err := c.source.MarkupPercentage(ctx)
	if err != nil {
		c.logger.Warn("Markup lookup failed, applying none", "error", err)
		c.metrics.PricingFallback(metrics.FallbackMarkup)
		markup = decimal.Zero
	}

	return ApplyRate(rate, markup, inputTokens, outputTokens)
}

// RoutingFee returns the flat fee for automatic provider selection, zero otherwise
func (c *Calculator) RoutingFee(ctx context.Context, automatic bool) decimal.Decimal {
	if !automatic {
		return decimal.Zero
	}

	fee, err := c.source.RoutingFee(ctx)
	if err != nil {
		c.logger.Warn("Routing fee lookup failed, using default", "error", err)
		c.metrics.PricingFallback(metrics.FallbackRoutingFee)
		fee = c.defaults.RoutingFee
	}
	return fee.Round(Precision)
}

// ApplyRate computes (in*inputRate + out*outputRate) / 1e6 * (1 + markup/100)
func ApplyRate(rate Rate, markupPercentage decimal.Decimal, inputTokens, outputTokens int64) decimal.Decimal {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}

	base := decimal.NewFromInt(inputTokens).Mul(rate.InputPerMillion).
		Add(decimal.NewFromInt(outputTokens).Mul(rate.OutputPerMillion)).
		Div(million)

	factor := decimal.NewFromInt(1).Add(markupPercentage.Div(decimal.NewFromInt(100)))
	return base.Mul(factor).Round(Precision)
}
