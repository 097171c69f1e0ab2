package httpapi

import (
	"errors"
	"io"
	"net/http"

	"fusion_gateway/internal/payments"
	"fusion_gateway/internal/utils"
)

func (h *handlers) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.deps.Payments == nil || !h.deps.Payments.Enabled() {
		utils.RespondWithError(w, http.StatusServiceUnavailable, "Payments are not configured")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, payments.MaxPayloadBytes))
	if err != nil {
		utils.RespondWithError(w, http.StatusRequestEntityTooLarge, "Payload too large")
		return
	}

	result, err := h.deps.Payments.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, payments.ErrInvalidSignature):
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid signature")
		return
	case errors.Is(err, payments.ErrMalformedEvent):
		utils.RespondWithError(w, http.StatusBadRequest, "Malformed event")
		return
	case err != nil:
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to process event")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"received": true,
		"outcome":  result.Outcome,
	})
}
