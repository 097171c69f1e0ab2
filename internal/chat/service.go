// Package chat runs one chat request end to end: resolve credentials, dispatch
// to the router, price the result, debit the ledger and record usage.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fusion_gateway/internal/billing"
	"fusion_gateway/internal/credentials"
	"fusion_gateway/internal/dispatch"
	"fusion_gateway/internal/metrics"
	"fusion_gateway/internal/models"
	"fusion_gateway/internal/utils"
)

// ErrPaymentRequired is returned before dispatch when a request would run on
// platform credentials and the user has no balance left
var ErrPaymentRequired = errors.New("chat: insufficient credit balance")

type Resolver interface {
	Resolve(ctx context.Context, userID uuid.UUID, requested models.Provider) (*credentials.Resolution, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

type Pricer interface {
	Cost(ctx context.Context, provider, model string, inputTokens, outputTokens int64, byoapiSuccessful bool) decimal.Decimal
	RoutingFee(ctx context.Context, automatic bool) decimal.Decimal
}

type Ledger interface {
	Debit(ctx context.Context, req billing.DebitRequest) (*billing.DebitResult, error)
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
}

type Recorder interface {
	Record(ctx context.Context, rec *models.UsageRecord) error
}

// Options tunes the request flow
type Options struct {
	// RequirePositiveBalance rejects requests without any attached user key
	// when the balance is zero
	RequirePositiveBalance bool

	// DispatchTimeout bounds the router call; zero leaves it to the dispatcher
	DispatchTimeout time.Duration
}

// Request is one inbound chat turn from an authenticated user
type Request struct {
	UserID    uuid.UUID
	Message   string
	History   []dispatch.Turn
	Provider  models.Provider
	Model     string
	SessionID string
}

// Response is returned to the user once the router has answered. Billing
// problems never turn it into an error.
type Response struct {
	RequestID        uuid.UUID
	Response         string
	ProviderUsed     string
	ModelUsed        string
	FallbackReason   *string
	InputTokens      int64
	OutputTokens     int64
	TotalTokens      int64
	Cost             decimal.Decimal
	RoutingFee       decimal.Decimal
	Charged          int64
	CredentialSource models.CredentialSource
	BillingStatus    models.BillingStatus
	ResponseTime     time.Duration
}

// Service wires the request flow together
type Service struct {
	resolver   Resolver
	dispatcher Dispatcher
	pricer     Pricer
	ledger     Ledger
	recorder   Recorder
	metrics    *metrics.Metrics
	opts       Options
	logger     *utils.Logger
}

func NewService(resolver Resolver, dispatcher Dispatcher, pricer Pricer, ledger Ledger, recorder Recorder, m *metrics.Metrics, opts Options) *Service {
	return &Service{
		resolver:   resolver,
		dispatcher: dispatcher,
		pricer:     pricer,
		ledger:     ledger,
		recorder:   recorder,
		metrics:    m,
		opts:       opts,
		logger:     utils.NewLogger("chat"),
	}
}

// Handle serves req. Errors before the router answers (invalid provider, no
// balance, dispatch failure) leave no billing or usage trace. Once an answer is
// observed it is always priced, debited and recorded, even if ctx is cancelled.
func (s *Service) Handle(ctx context.Context, req Request) (*Response, error) {
	requestID := uuid.New()
	logger := s.logger.With("request_id", requestID, "user_id", req.UserID)

	resolution, err := s.resolver.Resolve(ctx, req.UserID, req.Provider)
	if err != nil {
		return nil, err
	}

	if s.opts.RequirePositiveBalance && !resolution.HasCredentials() {
		balance, err := s.ledger.Balance(ctx, req.UserID)
		if err != nil {
			logger.Warn("Balance check failed, dispatching anyway", "error", err)
		} else if balance <= 0 {
			return nil, ErrPaymentRequired
		}
	}

	dispatchCtx := ctx
	if s.opts.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithTimeout(ctx, s.opts.DispatchTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := s.dispatcher.Dispatch(dispatchCtx, dispatch.Request{
		Message:     req.Message,
		History:     req.History,
		Mode:        req.Provider,
		Model:       req.Model,
		Credentials: resolution.Keys,
		SessionID:   req.SessionID,
	})
	if err != nil {
		outcome := metrics.OutcomeUnavailable
		if errors.Is(err, dispatch.ErrUpstream) {
			outcome = metrics.OutcomeUpstream
		}
		s.metrics.ObserveDispatch(outcome, time.Since(start))
		logger.Warn("Dispatch failed", "mode", req.Provider, "attached", resolution.Attached(), "error", err)
		return nil, err
	}
	s.metrics.ObserveDispatch(metrics.OutcomeSuccess, time.Since(start))

	// Settlement, pricing and the audit trail all key on the canonical provider name
	result.ProviderUsed = canonicalProvider(result.ProviderUsed)

	// Billing and auditing run on a context the caller cannot cancel
	persistCtx := context.WithoutCancel(ctx)

	source, byoapiSuccessful := resolution.Settle(result.ProviderUsed, result.FallbackReason)
	cost := s.pricer.Cost(persistCtx, result.ProviderUsed, result.ModelUsed, result.InputTokens, result.OutputTokens, byoapiSuccessful)
	fee := s.pricer.RoutingFee(persistCtx, req.Provider.IsAutomatic())

	resp := &Response{
		RequestID:        requestID,
		Response:         result.Response,
		ProviderUsed:     result.ProviderUsed,
		ModelUsed:        result.ModelUsed,
		FallbackReason:   result.FallbackReason,
		InputTokens:      result.InputTokens,
		OutputTokens:     result.OutputTokens,
		TotalTokens:      result.TotalTokens,
		Cost:             cost,
		RoutingFee:       fee,
		CredentialSource: source,
		ResponseTime:     result.ResponseTime,
	}

	resp.Charged, resp.BillingStatus = s.debit(persistCtx, logger, req, requestID, result, cost, fee)

	s.record(persistCtx, req, resp)

	logger.Info("Chat request served",
		"provider_used", resp.ProviderUsed, "model_used", resp.ModelUsed,
		"credential_source", resp.CredentialSource, "billing_status", resp.BillingStatus,
		"tokens", resp.TotalTokens, "charged", resp.Charged)
	return resp, nil
}

func (s *Service) debit(ctx context.Context, logger *utils.Logger, req Request, requestID uuid.UUID, result *dispatch.Result, cost, fee decimal.Decimal) (int64, models.BillingStatus) {
	amount := billing.ToMinorUnits(cost) + billing.ToMinorUnits(fee)
	if amount <= 0 {
		return 0, models.BillingNotCharged
	}

	debit, err := s.ledger.Debit(ctx, billing.DebitRequest{
		UserID:      req.UserID,
		Amount:      amount,
		Description: describe(result, fee),
		Metadata: models.JSONB{
			"request_id":    requestID.String(),
			"provider":      result.ProviderUsed,
			"model":         result.ModelUsed,
			"input_tokens":  result.InputTokens,
			"output_tokens": result.OutputTokens,
			"cost":          cost.String(),
			"routing_fee":   fee.String(),
		},
	})

	var shortfall *billing.InsufficientBalanceError
	switch {
	case errors.As(err, &shortfall):
		s.metrics.LedgerAlert(metrics.AlertInsufficientBalance)
		s.metrics.Charged(debit.Charged)
		logger.Error("Served request exceeded balance",
			"alert", "financial_integrity", "requested", amount, "deducted", shortfall.Deducted, "shortfall", shortfall.Shortfall())
		return debit.Charged, models.BillingInsufficientBalance
	case err != nil:
		s.metrics.LedgerAlert(metrics.AlertDebitFailed)
		logger.Error("Debit failed for served request", "alert", "financial_integrity", "amount", amount, "error", err)
		return 0, models.BillingFailed
	}

	s.metrics.Charged(debit.Charged)
	return debit.Charged, models.BillingCharged
}

func (s *Service) record(ctx context.Context, req Request, resp *Response) {
	rec := &models.UsageRecord{
		RequestID:         resp.RequestID,
		UserID:            req.UserID,
		RequestedProvider: string(req.Provider),
		RequestedModel:    utils.NonEmptyStringPtr(req.Model),
		ProviderUsed:      resp.ProviderUsed,
		ModelUsed:         resp.ModelUsed,
		InputTokens:       resp.InputTokens,
		OutputTokens:      resp.OutputTokens,
		TotalTokens:       resp.TotalTokens,
		Cost:              resp.Cost,
		RoutingFee:        resp.RoutingFee,
		FallbackReason:    resp.FallbackReason,
		CredentialSource:  resp.CredentialSource,
		BillingStatus:     resp.BillingStatus,
		ResponseTimeMS:    resp.ResponseTime.Milliseconds(),
	}
	// Failures are logged and counted by the recorder
	_ = s.recorder.Record(ctx, rec)
}

// canonicalProvider maps router-reported aliases such as "Google" or "claude" to
// the provider name rates and credentials are stored under. Unknown names pass through.
func canonicalProvider(name string) string {
	p, err := models.ParseProvider(name)
	if err != nil || !p.IsConcrete() {
		return name
	}
	return string(p)
}

func describe(result *dispatch.Result, fee decimal.Decimal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%s: %d input + %d output tokens", result.ProviderUsed, result.ModelUsed, result.InputTokens, result.OutputTokens)
	if fee.IsPositive() {
		b.WriteString(", automatic routing fee")
	}
	return b.String()
}
