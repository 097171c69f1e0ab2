package httpapi

import (
	"errors"
	"net/http"
	"time"

	"fusion_gateway/internal/credentials"
	"fusion_gateway/internal/models"
	"fusion_gateway/internal/storage"
	"fusion_gateway/internal/utils"
)

type SaveCredentialRequest struct {
	Provider string `json:"provider" validate:"required,max=32"`
	APIKey   string `json:"api_key" validate:"required,max=512"`
}

type ToggleCredentialRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// CredentialView never carries key material, only the preview
type CredentialView struct {
	Provider  string    `json:"provider"`
	Preview   string    `json:"preview"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toCredentialView(c *models.ExternalCredential) CredentialView {
	return CredentialView{
		Provider:  string(c.Provider),
		Preview:   c.Preview,
		Active:    c.Active,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func (h *handlers) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	creds, err := h.deps.Credentials.List(r.Context(), uid)
	if err != nil {
		h.logger.Error("Failed to list credentials", "user_id", uid, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to list credentials")
		return
	}

	views := make([]CredentialView, 0, len(creds))
	for _, c := range creds {
		views = append(views, toCredentialView(c))
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{"credentials": views})
}

func (h *handlers) handleSaveCredential(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req SaveCredentialRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	provider, ok := parseCredentialProvider(w, req.Provider)
	if !ok {
		return
	}

	cred, err := h.deps.Credentials.Save(r.Context(), uid, provider, req.APIKey)
	if err != nil {
		h.writeCredentialError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusCreated, toCredentialView(cred))
}

func (h *handlers) handleToggleCredential(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	provider, ok := parseCredentialProvider(w, r.PathValue("provider"))
	if !ok {
		return
	}

	var req ToggleCredentialRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.deps.Credentials.SetActive(r.Context(), uid, provider, *req.Active); err != nil {
		h.writeCredentialError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"provider": provider,
		"active":   *req.Active,
	})
}

func (h *handlers) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	provider, ok := parseCredentialProvider(w, r.PathValue("provider"))
	if !ok {
		return
	}

	if err := h.deps.Credentials.Delete(r.Context(), uid, provider); err != nil {
		h.writeCredentialError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseCredentialProvider(w http.ResponseWriter, name string) (models.Provider, bool) {
	p, err := models.ParseProvider(name)
	if err != nil || !p.IsConcrete() {
		utils.RespondWithError(w, http.StatusBadRequest, "Provider must be one of the supported AI providers")
		return "", false
	}
	return p, true
}

func (h *handlers) writeCredentialError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, credentials.ErrInvalidProvider):
		utils.RespondWithError(w, http.StatusBadRequest, "Provider must be one of the supported AI providers")
	case errors.Is(err, credentials.ErrEmptyKey):
		utils.RespondWithError(w, http.StatusBadRequest, `Field "api_key" is required`)
	case errors.Is(err, storage.ErrCredentialNotFound):
		utils.RespondWithError(w, http.StatusNotFound, "Credential not found")
	default:
		h.logger.Error("Credential operation failed", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to update credentials")
	}
}
