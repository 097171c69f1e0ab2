// Package dispatch forwards chat requests to the external routing service and
// normalizes what it reports back.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fusion_gateway/internal/models"
	"fusion_gateway/internal/utils"
)

const (
	defaultTimeout          = 60 * time.Second
	defaultMaxResponseBytes = 4 << 20
	maxErrorBodyBytes       = 2048
)

var (
	// ErrServiceUnavailable means the router was never reached or never answered
	ErrServiceUnavailable = errors.New("dispatch: AI service unavailable")

	// ErrUpstream is matched by every *UpstreamError
	ErrUpstream = errors.New("dispatch: upstream error")
)

// UpstreamError carries the router's status and body for diagnostics
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("dispatch: upstream returned status %d: %s", e.StatusCode, e.Body)
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

// Turn is one prior conversation message
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is everything the router needs for one chat turn
type Request struct {
	Message string
	History []Turn

	// Mode is models.ProviderAutomatic or a concrete provider
	Mode  models.Provider
	Model string

	// Credentials are plaintext user keys, attached only for this call
	Credentials map[models.Provider]string

	SessionID string
}

// Result is the normalized router response
type Result struct {
	Response       string
	ProviderUsed   string
	ModelUsed      string
	FallbackReason *string
	InputTokens    int64
	OutputTokens   int64
	TotalTokens    int64
	ResponseTime   time.Duration
}

// Config configures the router client
type Config struct {
	BaseURL string

	// APIKey is sent as a bearer token when set
	APIKey string

	Timeout          time.Duration
	MaxResponseBytes int64
}

// Client calls the router over HTTP
type Client struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	maxBytes int64
	logger   *utils.Logger
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxResponseBytes
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxBytes: maxBytes,
		logger:   utils.NewLogger("dispatch"),
	}
}

type wireRequest struct {
	Message   string            `json:"message"`
	History   []Turn            `json:"history"`
	Mode      string            `json:"mode"`
	Model     string            `json:"model,omitempty"`
	APIKeys   map[string]string `json:"api_keys"`
	SessionID string            `json:"session_id"`
}

type wireUsage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type wireResponse struct {
	Response       string     `json:"response"`
	ProviderUsed   string     `json:"provider_used"`
	ModelUsed      string     `json:"model_used"`
	FallbackReason *string    `json:"fallback_reason"`
	Usage          *wireUsage `json:"usage"`

	// ResponseTime is in seconds
	ResponseTime float64 `json:"response_time"`
}

// Dispatch sends req to the router. A transport failure or timeout returns
// ErrServiceUnavailable; a non-2xx or unparseable answer returns *UpstreamError.
func (c *Client) Dispatch(ctx context.Context, req Request) (*Result, error) {
	keys := make(map[string]string, len(req.Credentials))
	for p, k := range req.Credentials {
		keys[string(p)] = k
	}
	history := req.History
	if history == nil {
		history = []Turn{}
	}

	body, err := json.Marshal(wireRequest{
		Message:   req.Message,
		History:   history,
		Mode:      string(req.Mode),
		Model:     req.Model,
		APIKeys:   keys,
		SessionID: req.SessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal router request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create router request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.Warn("Router request failed", "mode", req.Mode, "session_id", req.SessionID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrServiceUnavailable, err)
	}
	elapsed := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: truncate(respBody)}
	}

	var wire wireResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: truncate(respBody)}
	}

	return normalize(req, &wire, elapsed), nil
}

func normalize(req Request, wire *wireResponse, elapsed time.Duration) *Result {
	res := &Result{
		Response:     wire.Response,
		ProviderUsed: strings.TrimSpace(wire.ProviderUsed),
		ModelUsed:    strings.TrimSpace(wire.ModelUsed),
		ResponseTime: elapsed,
	}

	if res.ProviderUsed == "" && !req.Mode.IsAutomatic() {
		res.ProviderUsed = string(req.Mode)
	}
	if res.ModelUsed == "" {
		res.ModelUsed = req.Model
	}
	if wire.FallbackReason != nil && strings.TrimSpace(*wire.FallbackReason) != "" {
		reason := strings.TrimSpace(*wire.FallbackReason)
		res.FallbackReason = &reason
	}
	if wire.ResponseTime > 0 {
		res.ResponseTime = time.Duration(wire.ResponseTime * float64(time.Second))
	}

	if u := wire.Usage; u != nil {
		res.InputTokens = firstPositive(u.InputTokens, u.PromptTokens)
		res.OutputTokens = firstPositive(u.OutputTokens, u.CompletionTokens)
		res.TotalTokens = u.TotalTokens
	}
	if res.TotalTokens <= 0 {
		res.TotalTokens = res.InputTokens + res.OutputTokens
	}
	return res
}

func firstPositive(values ...int64) int64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func truncate(body []byte) string {
	if len(body) > maxErrorBodyBytes {
		return string(body[:maxErrorBodyBytes]) + "..."
	}
	return string(body)
}
