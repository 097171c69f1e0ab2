package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"fusion_gateway/internal/models"
	"fusion_gateway/internal/utils"
)

var (
	// ErrInvalidProvider rejects automatic or unknown providers for stored keys
	ErrInvalidProvider = errors.New("credentials: provider must be a concrete provider")

	// ErrEmptyKey rejects blank API keys
	ErrEmptyKey = errors.New("credentials: api key is required")
)

// Repository is the write side of storage.CredentialRepository
type Repository interface {
	Upsert(ctx context.Context, cred *models.ExternalCredential) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.ExternalCredential, error)
	SetActive(ctx context.Context, userID uuid.UUID, provider models.Provider, active bool) error
	Delete(ctx context.Context, userID uuid.UUID, provider models.Provider) error
}

// Encrypter seals plaintext keys
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// Manager handles user-facing credential CRUD
type Manager struct {
	repo   Repository
	vault  Encrypter
	logger *utils.Logger
}

func NewManager(repo Repository, vault Encrypter) *Manager {
	return &Manager{
		repo:   repo,
		vault:  vault,
		logger: utils.NewLogger("credentials"),
	}
}

// Save stores or replaces the user's key for provider and activates it
func (m *Manager) Save(ctx context.Context, userID uuid.UUID, provider models.Provider, apiKey string) (*models.ExternalCredential, error) {
	if !provider.IsConcrete() {
		return nil, ErrInvalidProvider
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, ErrEmptyKey
	}

	blob, err := m.vault.Encrypt(apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credential: %w", err)
	}

	cred := &models.ExternalCredential{
		UserID:     userID,
		Provider:   provider,
		Ciphertext: blob,
		Preview:    Preview(apiKey),
		Active:     true,
	}
	if err := m.repo.Upsert(ctx, cred); err != nil {
		return nil, err
	}

	m.logger.Info("Credential saved", "user_id", userID, "provider", provider)
	return cred, nil
}

func (m *Manager) List(ctx context.Context, userID uuid.UUID) ([]*models.ExternalCredential, error) {
	return m.repo.ListByUser(ctx, userID)
}

func (m *Manager) SetActive(ctx context.Context, userID uuid.UUID, provider models.Provider, active bool) error {
	if !provider.IsConcrete() {
		return ErrInvalidProvider
	}
	if err := m.repo.SetActive(ctx, userID, provider, active); err != nil {
		return err
	}
	m.logger.Info("Credential toggled", "user_id", userID, "provider", provider, "active", active)
	return nil
}

func (m *Manager) Delete(ctx context.Context, userID uuid.UUID, provider models.Provider) error {
	if !provider.IsConcrete() {
		return ErrInvalidProvider
	}
	if err := m.repo.Delete(ctx, userID, provider); err != nil {
		return err
	}
	m.logger.Info("Credential deleted", "user_id", userID, "provider", provider)
	return nil
}

// Preview keeps the first 3 and last 4 characters of keys of 12 or more
// characters; shorter keys are fully masked.
func Preview(apiKey string) string {
	r := []rune(apiKey)
	if len(r) < 12 {
		return "****"
	}
	return string(r[:3]) + "..." + string(r[len(r)-4:])
}
