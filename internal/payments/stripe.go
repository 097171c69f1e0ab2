// Package payments turns verified payment processor notifications into ledger credits.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"

	"fusion_gateway/internal/billing"
	"fusion_gateway/internal/metrics"
	"fusion_gateway/internal/models"
	"fusion_gateway/internal/utils"
)

// MaxPayloadBytes bounds webhook bodies
const MaxPayloadBytes = 64 << 10

const (
	eventCheckoutCompleted     = "checkout.session.completed"
	eventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

var (
	// ErrNotConfigured is returned when no webhook secret is set
	ErrNotConfigured = errors.New("payments: webhook secret not configured")

	// ErrInvalidSignature covers missing, stale and forged signatures
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")

	// ErrMalformedEvent is a verified event that lacks the fields needed to credit
	ErrMalformedEvent = errors.New("payments: malformed payment event")
)

// Crediter is the ledger side of a payment
type Crediter interface {
	Credit(ctx context.Context, p billing.Payment) (*billing.CreditResult, error)
}

// Outcome of a verified event
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Result describes what a webhook delivery did
type Result struct {
	Outcome   Outcome
	EventID   string
	EventType string
	UserID    uuid.UUID
	Amount    int64
	Balance   int64
}

// StripeProcessor verifies Stripe webhook deliveries and credits paid checkout sessions
type StripeProcessor struct {
	secret   string
	currency string
	ledger   Crediter
	metrics  *metrics.Metrics
	logger   *utils.Logger
}

func NewStripeProcessor(secret, currency string, ledger Crediter, m *metrics.Metrics) *StripeProcessor {
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &StripeProcessor{
		secret:   secret,
		currency: currency,
		ledger:   ledger,
		metrics:  m,
		logger:   utils.NewLogger("payments"),
	}
}

// Enabled reports whether a webhook secret is configured
func (p *StripeProcessor) Enabled() bool {
	return p.secret != ""
}

// HandleWebhook verifies the signature over the raw payload before reading any
// field of it, then credits the ledger at most once per checkout session.
func (p *StripeProcessor) HandleWebhook(ctx context.Context, payload []byte, signature string) (*Result, error) {
	if !p.Enabled() {
		return nil, ErrNotConfigured
	}

	event, err := webhook.ConstructEvent(payload, signature, p.secret)
	if err != nil {
		p.metrics.Payment(metrics.PaymentRejected)
		p.logger.Warn("Rejected webhook delivery", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	result := &Result{EventID: event.ID, EventType: event.Type, Outcome: OutcomeIgnored}

	if event.Type != eventCheckoutCompleted && event.Type != eventAsyncPaymentSucceeded {
		p.metrics.Payment(metrics.PaymentIgnored)
		p.logger.Debug("Ignoring webhook event", "event_id", event.ID, "type", event.Type)
		return result, nil
	}

	var session stripe.CheckoutSession
	if event.Data == nil || json.Unmarshal(event.Data.Raw, &session) != nil {
		p.metrics.Payment(metrics.PaymentRejected)
		return nil, fmt.Errorf("%w: undecodable checkout session in event %s", ErrMalformedEvent, event.ID)
	}

	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		p.metrics.Payment(metrics.PaymentIgnored)
		p.logger.Info("Checkout session not paid yet", "event_id", event.ID, "session_id", session.ID,
			"payment_status", session.PaymentStatus)
		return result, nil
	}

	if !strings.EqualFold(string(session.Currency), p.currency) {
		p.metrics.Payment(metrics.PaymentIgnored)
		p.logger.Warn("Ignoring payment in unexpected currency", "event_id", event.ID, "session_id", session.ID,
			"currency", session.Currency, "expected", p.currency)
		return result, nil
	}

	payment, err := p.toPayment(&session)
	if err != nil {
		p.metrics.Payment(metrics.PaymentRejected)
		p.logger.Error("Paid checkout session cannot be credited", "event_id", event.ID, "session_id", session.ID, "error", err)
		return nil, err
	}
	result.UserID = payment.UserID
	result.Amount = payment.Amount

	credit, err := p.ledger.Credit(ctx, *payment)
	if err != nil {
		p.metrics.Payment(metrics.PaymentFailed)
		p.logger.Error("Failed to credit payment", "event_id", event.ID, "session_id", session.ID,
			"user_id", payment.UserID, "error", err)
		return nil, err
	}

	if credit.Duplicate {
		p.metrics.Payment(metrics.PaymentDuplicate)
		result.Outcome = OutcomeDuplicate
		return result, nil
	}

	p.metrics.Payment(metrics.PaymentApplied)
	result.Outcome = OutcomeApplied
	result.Balance = credit.Balance
	return result, nil
}

func (p *StripeProcessor) toPayment(session *stripe.CheckoutSession) (*billing.Payment, error) {
	if session.ID == "" {
		return nil, fmt.Errorf("%w: missing session id", ErrMalformedEvent)
	}

	ref := strings.TrimSpace(session.ClientReferenceID)
	if ref == "" {
		ref = strings.TrimSpace(session.Metadata["user_id"])
	}
	userID, err := uuid.Parse(ref)
	if err != nil || userID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing or invalid user reference", ErrMalformedEvent)
	}

	if session.AmountTotal <= 0 {
		return nil, fmt.Errorf("%w: non-positive amount %d", ErrMalformedEvent, session.AmountTotal)
	}

	metadata := models.JSONB{
		"amount_cents": session.AmountTotal,
		"currency":     string(session.Currency),
	}
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		metadata["payment_intent"] = session.PaymentIntent.ID
	}

	return &billing.Payment{
		ExternalID:  session.ID,
		UserID:      userID,
		Amount:      billing.CentsToMinor(session.AmountTotal),
		Method:      models.MethodStripe,
		Description: fmt.Sprintf("Stripe checkout %s", session.ID),
		Metadata:    metadata,
	}, nil
}
