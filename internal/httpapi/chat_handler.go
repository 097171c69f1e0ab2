package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"fusion_gateway/internal/chat"
	"fusion_gateway/internal/dispatch"
	"fusion_gateway/internal/models"
	"fusion_gateway/internal/utils"
)

const serviceUnavailableMessage = "AI service unavailable, please retry"

type turnDTO struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"required,max=32000"`
}

// ChatRequest is the body of POST /v1/chat. An empty provider means automatic.
type ChatRequest struct {
	Message   string    `json:"message" validate:"required,max=32000"`
	History   []turnDTO `json:"history" validate:"max=100,dive"`
	Provider  string    `json:"provider" validate:"max=32"`
	Model     string    `json:"model" validate:"max=128"`
	SessionID string    `json:"session_id" validate:"max=128"`
}

type usageView struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

type ChatResponse struct {
	RequestID        string    `json:"request_id"`
	Response         string    `json:"response"`
	ProviderUsed     string    `json:"provider_used"`
	ModelUsed        string    `json:"model_used"`
	FallbackReason   *string   `json:"fallback_reason"`
	CredentialSource string    `json:"credential_source"`
	Usage            usageView `json:"usage"`
	Cost             string    `json:"cost"`
	RoutingFee       string    `json:"routing_fee"`
	Charged          string    `json:"charged"`
	BillingStatus    string    `json:"billing_status"`
	ResponseTime     float64   `json:"response_time"`
}

func (h *handlers) handleChat(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req ChatRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		utils.RespondWithError(w, http.StatusBadRequest, `Field "message" is required`)
		return
	}

	provider := models.ProviderAutomatic
	if strings.TrimSpace(req.Provider) != "" {
		p, err := models.ParseProvider(req.Provider)
		if err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "Unknown provider: "+req.Provider)
			return
		}
		provider = p
	}

	history := make([]dispatch.Turn, 0, len(req.History))
	for _, turn := range req.History {
		history = append(history, dispatch.Turn{Role: turn.Role, Content: turn.Content})
	}

	resp, err := h.deps.Chat.Handle(r.Context(), chat.Request{
		UserID:    uid,
		Message:   req.Message,
		History:   history,
		Provider:  provider,
		Model:     strings.TrimSpace(req.Model),
		SessionID: req.SessionID,
	})
	if err != nil {
		h.writeChatError(w, err)
		return
	}

	out := ChatResponse{
		RequestID:        resp.RequestID.String(),
		Response:         resp.Response,
		ProviderUsed:     resp.ProviderUsed,
		ModelUsed:        resp.ModelUsed,
		FallbackReason:   resp.FallbackReason,
		CredentialSource: string(resp.CredentialSource),
		Usage: usageView{
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			TotalTokens:  resp.TotalTokens,
		},
		Cost:             resp.Cost.String(),
		RoutingFee:       resp.RoutingFee.String(),
		Charged:          usd(resp.Charged),
		BillingStatus:    string(resp.BillingStatus),
		ResponseTime:     resp.ResponseTime.Seconds(),
	}
	utils.RespondWithJSON(w, http.StatusOK, out)
}

func (h *handlers) writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrUnknownProvider):
		utils.RespondWithError(w, http.StatusBadRequest, "Unknown provider")
	case errors.Is(err, chat.ErrPaymentRequired):
		utils.RespondWithError(w, http.StatusPaymentRequired, "Insufficient credit balance")
	case errors.Is(err, dispatch.ErrUpstream):
		utils.RespondWithError(w, http.StatusBadGateway, serviceUnavailableMessage)
	case errors.Is(err, dispatch.ErrServiceUnavailable):
		utils.RespondWithError(w, http.StatusServiceUnavailable, serviceUnavailableMessage)
	default:
		h.logger.Error("Chat request failed", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Internal server error")
	}
}
