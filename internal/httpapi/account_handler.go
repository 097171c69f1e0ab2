package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"fusion_gateway/internal/models"
	"fusion_gateway/internal/usage"
	"fusion_gateway/internal/utils"
)

const recentTransactions = 20

type TransactionView struct {
	ID          string       `json:"id"`
	Amount      string       `json:"amount"`
	AmountMinor int64        `json:"amount_minor"`
	Method      string       `json:"method"`
	Status      string       `json:"status"`
	Description string       `json:"description"`
	Metadata    models.JSONB `json:"metadata,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

type BalanceResponse struct {
	Balance      string            `json:"balance"`
	BalanceMinor int64             `json:"balance_minor"`
	Transactions []TransactionView `json:"transactions"`
}

func (h *handlers) handleBalance(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	balance, err := h.deps.Ledger.Balance(r.Context(), uid)
	if err != nil {
		h.logger.Error("Failed to read balance", "user_id", uid, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to read balance")
		return
	}

	txns, err := h.deps.Ledger.Transactions(r.Context(), uid, recentTransactions)
	if err != nil {
		h.logger.Error("Failed to list transactions", "user_id", uid, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to read balance")
		return
	}

	resp := BalanceResponse{
		Balance:      usd(balance),
		BalanceMinor: balance,
		Transactions: make([]TransactionView, 0, len(txns)),
	}
	for _, t := range txns {
		resp.Transactions = append(resp.Transactions, TransactionView{
			ID:          t.ID.String(),
			Amount:      usd(t.Amount),
			AmountMinor: t.Amount,
			Method:      string(t.Method),
			Status:      string(t.Status),
			Description: t.Description,
			Metadata:    t.Metadata,
			CreatedAt:   t.CreatedAt,
		})
	}
	utils.RespondWithJSON(w, http.StatusOK, resp)
}

func (h *handlers) handleUsage(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	limit := usage.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			utils.RespondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := h.deps.Usage.Recent(r.Context(), uid, limit)
	if err != nil {
		h.logger.Error("Failed to list usage", "user_id", uid, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to list usage")
		return
	}
	if records == nil {
		records = []*models.UsageRecord{}
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{"usage": records})
}
