package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fusion_gateway/internal/billing"
	"fusion_gateway/internal/billing/billingtest"
	"fusion_gateway/internal/credentials"
	"fusion_gateway/internal/dispatch"
	"fusion_gateway/internal/metrics"
	"fusion_gateway/internal/models"
	"fusion_gateway/internal/pricing"
	"fusion_gateway/internal/storage"
	"fusion_gateway/internal/usage"
	"fusion_gateway/internal/vault"
)

// credStore is an in-memory credential table
type credStore struct {
	mu    sync.Mutex
	creds map[string]*models.ExternalCredential
}

func newCredStore() *credStore {
	return &credStore{creds: map[string]*models.ExternalCredential{}}
}

func (s *credStore) key(userID uuid.UUID, p models.Provider) string {
	return userID.String() + "/" + string(p)
}

func (s *credStore) Upsert(ctx context.Context, cred *models.ExternalCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cred
	s.creds[s.key(cred.UserID, cred.Provider)] = &c
	return nil
}

func (s *credStore) GetActive(ctx context.Context, userID uuid.UUID, p models.Provider) (*models.ExternalCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[s.key(userID, p)]
	if !ok || !c.Active {
		return nil, storage.ErrCredentialNotFound
	}
	return c, nil
}

func (s *credStore) ListActive(ctx context.Context, userID uuid.UUID, providers []models.Provider) ([]*models.ExternalCredential, error) {
	var out []*models.ExternalCredential
	for _, p := range providers {
		if c, err := s.GetActive(ctx, userID, p); err == nil {
			out = append(out, c)
		}
	}
	return out, nil
}

type rateTable map[string]*models.ModelRate

func (t rateTable) GetActive(ctx context.Context, provider, model string) (*models.ModelRate, error) {
	r, ok := t[strings.ToLower(provider)+"/"+strings.ToLower(model)]
	if !ok {
		return nil, storage.ErrRateNotFound
	}
	return r, nil
}

type settingTable map[string]string

func (t settingTable) Get(ctx context.Context, key string) (string, error) {
	v, ok := t[key]
	if !ok {
		return "", storage.ErrSettingNotFound
	}
	return v, nil
}

type usageRepo struct {
	mu      sync.Mutex
	records []*models.UsageRecord
	err     error
}

func (r *usageRepo) Create(ctx context.Context, rec *models.UsageRecord) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *usageRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.UsageRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records, nil
}

func (r *usageRepo) all() []*models.UsageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.UsageRecord(nil), r.records...)
}

type routerCall struct {
	Mode    string            `json:"mode"`
	APIKeys map[string]string `json:"api_keys"`
}

type harness struct {
	t       *testing.T
	userID  uuid.UUID
	creds   *credStore
	vault   *vault.Vault
	ledger  *billingtest.MemoryStore
	usage   *usageRepo
	metrics *metrics.Metrics
	service *Service

	mu    sync.Mutex
	calls []routerCall
}

// newHarness wires the real resolver, dispatcher, calculator, ledger and
// recorder around an httptest router that answers with reply.
func newHarness(t *testing.T, reply string, status int) *harness {
	t.Helper()

	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.NewFromHex(key)
	require.NoError(t, err)

	h := &harness{
		t:       t,
		userID:  uuid.New(),
		creds:   newCredStore(),
		vault:   v,
		ledger:  billingtest.NewMemoryStore(),
		usage:   &usageRepo{},
		metrics: metrics.New(),
	}

	router := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call routerCall
		_ = json.NewDecoder(r.Body).Decode(&call)
		h.mu.Lock()
		h.calls = append(h.calls, call)
		h.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(router.Close)

	rates := rateTable{
		"mistral/mistral-large": {Provider: "mistral", Model: "mistral-large",
			InputPricePerMillion: decimal.RequireFromString("2"), OutputPricePerMillion: decimal.RequireFromString("6"), Active: true},
		"gemini/gemini-pro": {Provider: "gemini", Model: "gemini-pro",
			InputPricePerMillion: decimal.RequireFromString("1"), OutputPricePerMillion: decimal.RequireFromString("2"), Active: true},
	}
	settings := settingTable{
		storage.SettingMarkupPercentage:    "10",
		storage.SettingAutomaticRoutingFee: "0.001",
	}

	h.service = NewService(
		credentials.NewResolver(h.creds, v, models.KnownProviders, h.metrics),
		dispatch.NewClient(dispatch.Config{BaseURL: router.URL}),
		pricing.NewCalculator(pricing.NewStore(rates, settings), pricing.StaticDefaults(), h.metrics),
		billing.NewLedger(h.ledger),
		usage.NewRecorder(h.usage, nil, h.metrics),
		h.metrics,
		Options{RequirePositiveBalance: true},
	)
	return h
}

func (h *harness) storeKey(p models.Provider, apiKey string) {
	blob, err := h.vault.Encrypt(apiKey)
	require.NoError(h.t, err)
	require.NoError(h.t, h.creds.Upsert(context.Background(), &models.ExternalCredential{
		ID:         uuid.New(),
		UserID:     h.userID,
		Provider:   p,
		Ciphertext: blob,
		Active:     true,
	}))
}

func (h *harness) routerCalls() []routerCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]routerCall(nil), h.calls...)
}

func (h *harness) transactions() []*models.CreditTransaction {
	txns, err := h.ledger.ListTransactions(context.Background(), h.userID, 100)
	require.NoError(h.t, err)
	return txns
}

func (h *harness) balance() int64 {
	b, err := h.ledger.GetBalance(context.Background(), h.userID)
	require.NoError(h.t, err)
	return b
}

func TestHandle_AutomaticWithUserKeyChargesRoutingFeeOnly(t *testing.T) {
	h := newHarness(t, `{
		"response": "hi",
		"provider_used": "gemini",
		"model_used": "gemini-pro",
		"fallback_reason": null,
		"usage": {"input_tokens": 100, "output_tokens": 50}
	}`, http.StatusOK)
	h.storeKey(models.ProviderGemini, "gm-user-key-000000")
	h.ledger.SetBalance(h.userID, 1_000_000)

	resp, err := h.service.Handle(context.Background(), Request{
		UserID:   h.userID,
		Message:  "hello",
		Provider: models.ProviderAutomatic,
	})
	require.NoError(t, err)

	assert.Equal(t, "hi", resp.Response)
	assert.Equal(t, models.CredentialSourceBYOAPI, resp.CredentialSource)
	assert.True(t, resp.Cost.IsZero())
	assert.True(t, resp.RoutingFee.Equal(decimal.RequireFromString("0.001")))
	assert.Equal(t, int64(1000), resp.Charged)
	assert.Equal(t, models.BillingCharged, resp.BillingStatus)

	calls := h.routerCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "automatic", calls[0].Mode)
	assert.Equal(t, map[string]string{"gemini": "gm-user-key-000000"}, calls[0].APIKeys)

	txns := h.transactions()
	require.Len(t, txns, 1)
	assert.Equal(t, int64(-1000), txns[0].Amount)
	assert.Equal(t, models.MethodUsage, txns[0].Method)
	assert.Equal(t, int64(999_000), h.balance())

	records := h.usage.all()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, resp.RequestID, rec.RequestID)
	assert.Equal(t, "automatic", rec.RequestedProvider)
	assert.Equal(t, "gemini", rec.ProviderUsed)
	assert.Equal(t, int64(150), rec.TotalTokens)
	assert.True(t, rec.Cost.IsZero())
	assert.Equal(t, models.CredentialSourceBYOAPI, rec.CredentialSource)
	assert.Equal(t, models.BillingCharged, rec.BillingStatus)
}

func TestHandle_SpecificProviderWithoutKeyBillsInternalRate(t *testing.T) {
	h := newHarness(t, `{
		"response": "bonjour",
		"provider_used": "mistral",
		"model_used": "mistral-large",
		"usage": {"prompt_tokens": 200, "completion_tokens": 100, "total_tokens": 300}
	}`, http.StatusOK)
	h.ledger.SetBalance(h.userID, 1_000_000)

	resp, err := h.service.Handle(context.Background(), Request{
		UserID:   h.userID,
		Message:  "salut",
		Provider: models.ProviderMistral,
		Model:    "mistral-large",
	})
	require.NoError(t, err)

	// (200*2 + 100*6) / 1e6 * 1.10
	assert.True(t, resp.Cost.Equal(decimal.RequireFromString("0.0011")), resp.Cost.String())
	assert.True(t, resp.RoutingFee.IsZero())
	assert.Equal(t, models.CredentialSourceInternal, resp.CredentialSource)
	assert.Equal(t, int64(1100), resp.Charged)

	calls := h.routerCalls()
	require.Len(t, calls, 1)
	assert.Empty(t, calls[0].APIKeys)

	txns := h.transactions()
	require.Len(t, txns, 1)
	assert.Equal(t, int64(-1100), txns[0].Amount)
	assert.Equal(t, int64(998_900), h.balance())

	records := h.usage.all()
	require.Len(t, records, 1)
	assert.Equal(t, models.CredentialSourceInternal, records[0].CredentialSource)
	require.NotNil(t, records[0].RequestedModel)
	assert.Equal(t, "mistral-large", *records[0].RequestedModel)
}

func TestHandle_ProviderAliasIsPricedOnCanonicalRate(t *testing.T) {
	h := newHarness(t, `{
		"response": "ok",
		"provider_used": "Google",
		"model_used": "gemini-pro",
		"usage": {"input_tokens": 1000000, "output_tokens": 1000000}
	}`, http.StatusOK)
	h.ledger.SetBalance(h.userID, 10_000_000)

	resp, err := h.service.Handle(context.Background(), Request{
		UserID:   h.userID,
		Message:  "hello",
		Provider: models.ProviderGemini,
		Model:    "gemini-pro",
	})
	require.NoError(t, err)

	// (1 + 2) * 1.10 from the gemini-pro rate, not the fallback default
	assert.True(t, resp.Cost.Equal(decimal.RequireFromString("3.3")), resp.Cost.String())
	assert.Equal(t, "gemini", resp.ProviderUsed)
	assert.Equal(t, int64(3_300_000), resp.Charged)
	assert.Equal(t, int64(6_700_000), h.balance())

	txns := h.transactions()
	require.Len(t, txns, 1)
	assert.Equal(t, "gemini", txns[0].Metadata["provider"])

	records := h.usage.all()
	require.Len(t, records, 1)
	assert.Equal(t, "gemini", records[0].ProviderUsed)
	assert.True(t, records[0].Cost.Equal(resp.Cost))
}

func TestHandle_ProviderAliasSettlesUserKey(t *testing.T) {
	h := newHarness(t, `{
		"response": "ok",
		"provider_used": "GOOGLE",
		"model_used": "gemini-pro",
		"usage": {"input_tokens": 1000, "output_tokens": 1000}
	}`, http.StatusOK)
	h.storeKey(models.ProviderGemini, "gm-user-key-000000")

	resp, err := h.service.Handle(context.Background(), Request{
		UserID:   h.userID,
		Message:  "hello",
		Provider: models.ProviderGemini,
		Model:    "gemini-pro",
	})
	require.NoError(t, err)

	assert.Equal(t, models.CredentialSourceBYOAPI, resp.CredentialSource)
	assert.True(t, resp.Cost.IsZero(), resp.Cost.String())
	assert.Equal(t, models.BillingNotCharged, resp.BillingStatus)
	assert.Empty(t, h.transactions())
}

func TestHandle_FallbackBillsInternally(t *testing.T) {
	h := newHarness(t, `{
		"response": "ok",
		"provider_used": "mistral",
		"model_used": "mistral-large",
		"fallback_reason": "gemini quota exceeded",
		"usage": {"input_tokens": 200, "output_tokens": 100}
	}`, http.StatusOK)
	h.storeKey(models.ProviderGemini, "gm-user-key-000000")
	h.ledger.SetBalance(h.userID, 1_000_000)

	resp, err := h.service.Handle(context.Background(), Request{
		UserID:   h.userID,
		Message:  "hello",
		Provider: models.ProviderAutomatic,
	})
	require.NoError(t, err)

	assert.Equal(t, models.CredentialSourceInternal, resp.CredentialSource)
	assert.Equal(t, int64(1100+1000), resp.Charged)
	require.NotNil(t, resp.FallbackReason)
	assert.Equal(t, "gemini quota exceeded", *resp.FallbackReason)
}

func TestHandle_ClampsAtZeroAndStillAnswers(t *testing.T) {
	h := newHarness(t, `{
		"response": "ok",
		"provider_used": "mistral",
		"model_used": "mistral-large",
		"usage": {"input_tokens": 200, "output_tokens": 100}
	}`, http.StatusOK)
	h.ledger.SetBalance(h.userID, 500)

	resp, err := h.service.Handle(context.Background(), Request{
		UserID:   h.userID,
		Message:  "hello",
		Provider: models.ProviderMistral,
		Model:    "mistral-large",
	})
	require.NoError(t, err)

	assert.Equal(t, "ok", resp.Response)
	assert.Equal(t, models.BillingInsufficientBalance, resp.BillingStatus)
	assert.Equal(t, int64(500), resp.Charged)
	assert.Equal(t, int64(0), h.balance())
	assert.Equal(t, float64(1), h.metrics.CounterValue("ledger_alerts_total", metrics.AlertInsufficientBalance))

	records := h.usage.all()
	require.Len(t, records, 1)
	assert.Equal(t, models.BillingInsufficientBalance, records[0].BillingStatus)
}

func TestHandle_EmptyBalanceWithoutKeyIsRejectedBeforeDispatch(t *testing.T) {
	h := newHarness(t, `{"response": "unused"}`, http.StatusOK)

	_, err := h.service.Handle(context.Background(), Request{
		UserID:   h.userID,
		Message:  "hello",
		Provider: models.ProviderMistral,
	})
	require.ErrorIs(t, err, ErrPaymentRequired)
	assert.Empty(t, h.routerCalls())
	assert.Empty(t, h.usage.all())
}

func TestHandle_EmptyBalanceWithKeyStillDispatches(t *testing.T) {
	h := newHarness(t, `{
		"response": "ok",
		"provider_used": "gemini",
		"model_used": "gemini-pro",
		"usage": {"input_tokens": 10, "output_tokens": 10}
	}`, http.StatusOK)
	h.storeKey(models.ProviderGemini, "gm-user-key-000000")

	resp, err := h.service.Handle(context.Background(), Request{
		UserID:   h.userID,
		Message:  "hello",
		Provider: models.ProviderGemini,
	})
	require.NoError(t, err)
	assert.Equal(t, models.CredentialSourceBYOAPI, resp.CredentialSource)
	assert.Equal(t, models.BillingNotCharged, resp.BillingStatus)
	assert.Empty(t, h.transactions())
	assert.Len(t, h.usage.all(), 1)
}

func TestHandle_UpstreamErrorLeavesNoTrace(t *testing.T) {
	h := newHarness(t, `{"error": "boom"}`, http.StatusBadGateway)
	h.ledger.SetBalance(h.userID, 1_000_000)

	_, err := h.service.Handle(context.Background(), Request{
		UserID:   h.userID,
		Message:  "hello",
		Provider: models.ProviderMistral,
	})
	require.ErrorIs(t, err, dispatch.ErrUpstream)

	assert.Empty(t, h.transactions())
	assert.Empty(t, h.usage.all())
	assert.Equal(t, int64(1_000_000), h.balance())
	assert.Equal(t, float64(1), h.metrics.CounterValue("dispatch_total", metrics.OutcomeUpstream))
}

func TestHandle_UnknownProvider(t *testing.T) {
	h := newHarness(t, `{}`, http.StatusOK)

	_, err := h.service.Handle(context.Background(), Request{
		UserID:   h.userID,
		Message:  "hello",
		Provider: models.Provider("nope"),
	})
	require.Error(t, err)
	assert.Empty(t, h.routerCalls())
}

// cancellingDispatcher cancels the caller's context after answering, as a
// client disconnect would
type cancellingDispatcher struct {
	cancel context.CancelFunc
	result *dispatch.Result
	err    error
}

func (d *cancellingDispatcher) Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error) {
	d.cancel()
	return d.result, d.err
}

type failingLedger struct{}

func (failingLedger) Debit(ctx context.Context, req billing.DebitRequest) (*billing.DebitResult, error) {
	return nil, errors.New("connection reset")
}

func (failingLedger) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return 1, nil
}

type fixedPricer struct {
	cost decimal.Decimal
}

func (p fixedPricer) Cost(ctx context.Context, provider, model string, in, out int64, byoapi bool) decimal.Decimal {
	return p.cost
}

func (p fixedPricer) RoutingFee(ctx context.Context, automatic bool) decimal.Decimal {
	return decimal.Zero
}

func TestHandle_CancelledCallerStillBillsAndRecords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := billingtest.NewMemoryStore()
	userID := uuid.New()
	store.SetBalance(userID, 10_000)
	repo := &usageRepo{}

	svc := NewService(
		credentials.NewResolver(newCredStore(), nil, models.KnownProviders, nil),
		&cancellingDispatcher{cancel: cancel, result: &dispatch.Result{
			Response: "ok", ProviderUsed: "openai", ModelUsed: "gpt-4o", InputTokens: 1, OutputTokens: 1, TotalTokens: 2,
		}},
		fixedPricer{cost: decimal.RequireFromString("0.002")},
		&ctxCheckingLedger{Ledger: billing.NewLedger(store)},
		usage.NewRecorder(&ctxCheckingRepo{usageRepo: repo}, nil, nil),
		nil,
		Options{},
	)

	resp, err := svc.Handle(ctx, Request{UserID: userID, Message: "hi", Provider: models.ProviderOpenAI})
	require.NoError(t, err)
	assert.Equal(t, models.BillingCharged, resp.BillingStatus)

	balance, err := store.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(8_000), balance)
	assert.Len(t, repo.all(), 1)
}

// ctxCheckingLedger fails like a real database driver would on a cancelled context
type ctxCheckingLedger struct {
	*billing.Ledger
}

func (l *ctxCheckingLedger) Debit(ctx context.Context, req billing.DebitRequest) (*billing.DebitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.Ledger.Debit(ctx, req)
}

type ctxCheckingRepo struct {
	*usageRepo
}

func (r *ctxCheckingRepo) Create(ctx context.Context, rec *models.UsageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.usageRepo.Create(ctx, rec)
}

func TestHandle_DebitFailureIsRecordedAsFailed(t *testing.T) {
	repo := &usageRepo{}
	m := metrics.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := NewService(
		credentials.NewResolver(newCredStore(), nil, models.KnownProviders, nil),
		&cancellingDispatcher{cancel: func() {}, result: &dispatch.Result{
			Response: "ok", ProviderUsed: "openai", ModelUsed: "gpt-4o", InputTokens: 1, OutputTokens: 1, TotalTokens: 2,
		}},
		fixedPricer{cost: decimal.RequireFromString("0.002")},
		failingLedger{},
		usage.NewRecorder(repo, nil, m),
		m,
		Options{RequirePositiveBalance: true},
	)

	resp, err := svc.Handle(ctx, Request{UserID: uuid.New(), Message: "hi", Provider: models.ProviderOpenAI})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Response)
	assert.Equal(t, models.BillingFailed, resp.BillingStatus)
	assert.Equal(t, float64(1), m.CounterValue("ledger_alerts_total", metrics.AlertDebitFailed))

	records := repo.all()
	require.Len(t, records, 1)
	assert.Equal(t, models.BillingFailed, records[0].BillingStatus)
}

func TestHandle_UsageWriteFailureDoesNotFailRequest(t *testing.T) {
	repo := &usageRepo{err: errors.New("disk full")}
	m := metrics.New()
	store := billingtest.NewMemoryStore()
	userID := uuid.New()
	store.SetBalance(userID, 10_000)

	svc := NewService(
		credentials.NewResolver(newCredStore(), nil, models.KnownProviders, nil),
		&cancellingDispatcher{cancel: func() {}, result: &dispatch.Result{Response: "ok", ProviderUsed: "openai"}},
		fixedPricer{cost: decimal.RequireFromString("0.001")},
		billing.NewLedger(store),
		usage.NewRecorder(repo, nil, m),
		m,
		Options{},
	)

	resp, err := svc.Handle(context.Background(), Request{UserID: userID, Message: "hi", Provider: models.ProviderOpenAI})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Response)
	assert.Equal(t, float64(1), m.CounterValue("usage_record_failures_total"))
}
