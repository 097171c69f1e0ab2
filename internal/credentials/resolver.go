// Package credentials decides which user-supplied provider keys travel with a
// chat request, and manages the encrypted keys users store.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"fusion_gateway/internal/metrics"
	"fusion_gateway/internal/models"
	"fusion_gateway/internal/storage"
	"fusion_gateway/internal/utils"
)

// Store reads active credentials
type Store interface {
	GetActive(ctx context.Context, userID uuid.UUID, provider models.Provider) (*models.ExternalCredential, error)
	ListActive(ctx context.Context, userID uuid.UUID, providers []models.Provider) ([]*models.ExternalCredential, error)
}

// Decrypter opens stored ciphertext blobs
type Decrypter interface {
	Decrypt(blob string) (string, error)
}

// Resolution is the credential strategy for one request. Keys holds plaintext
// and must only live for the duration of the dispatch.
type Resolution struct {
	Requested models.Provider
	Keys      map[models.Provider]string
}

// Attached lists the providers that carry a user key, sorted
func (r *Resolution) Attached() []models.Provider {
	out := make([]models.Provider, 0, len(r.Keys))
	for p := range r.Keys {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Resolution) HasCredentials() bool {
	return len(r.Keys) > 0
}

// Source is the pre-dispatch credential source: byoapi only for a specific
// provider request that found a usable key. Automatic requests start as internal.
func (r *Resolution) Source() models.CredentialSource {
	if !r.Requested.IsAutomatic() && r.Keys[r.Requested] != "" {
		return models.CredentialSourceBYOAPI
	}
	return models.CredentialSourceInternal
}

// Settle revises the source once the router reports what served the request.
// The user's key counts only if one was attached for the provider actually used
// and the router did not fall back.
func (r *Resolution) Settle(providerUsed string, fallbackReason *string) (models.CredentialSource, bool) {
	if fallbackReason != nil && strings.TrimSpace(*fallbackReason) != "" {
		return models.CredentialSourceInternal, false
	}
	used, err := models.ParseProvider(providerUsed)
	if err != nil || !used.IsConcrete() {
		return models.CredentialSourceInternal, false
	}
	if r.Keys[used] == "" {
		return models.CredentialSourceInternal, false
	}
	return models.CredentialSourceBYOAPI, true
}

// String never prints key material
func (r *Resolution) String() string {
	return fmt.Sprintf("Resolution{requested=%s attached=%v}", r.Requested, r.Attached())
}

// Resolver builds Resolutions from the credential table and the vault
type Resolver struct {
	store         Store
	vault         Decrypter
	autoProviders []models.Provider
	metrics       *metrics.Metrics
	logger        *utils.Logger
}

// NewResolver creates a resolver. autoProviders are the providers the router
// may choose among in automatic mode.
func NewResolver(store Store, vault Decrypter, autoProviders []models.Provider, m *metrics.Metrics) *Resolver {
	return &Resolver{
		store:         store,
		vault:         vault,
		autoProviders: autoProviders,
		metrics:       m,
		logger:        utils.NewLogger("credentials"),
	}
}

// Resolve returns the keys to attach for a request. Missing, inactive, unreadable
// or undecryptable credentials are skipped; the router then serves the request on
// its internal credentials. The only error is an invalid requested provider.
func (r *Resolver) Resolve(ctx context.Context, userID uuid.UUID, requested models.Provider) (*Resolution, error) {
	res := &Resolution{Requested: requested, Keys: make(map[models.Provider]string)}

	switch {
	case requested.IsAutomatic():
		r.resolveAutomatic(ctx, userID, res)
	case requested.IsConcrete():
		r.resolveSpecific(ctx, userID, res)
	default:
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownProvider, string(requested))
	}

	return res, nil
}

func (r *Resolver) resolveSpecific(ctx context.Context, userID uuid.UUID, res *Resolution) {
	cred, err := r.store.GetActive(ctx, userID, res.Requested)
	if err != nil {
		if !errors.Is(err, storage.ErrCredentialNotFound) {
			r.logger.Warn("Credential lookup failed, using internal access",
				"user_id", userID, "provider", res.Requested, "error", err)
		}
		return
	}
	r.attach(userID, cred, res)
}

func (r *Resolver) resolveAutomatic(ctx context.Context, userID uuid.UUID, res *Resolution) {
	creds, err := r.store.ListActive(ctx, userID, r.autoProviders)
	if err != nil {
		r.logger.Warn("Credential listing failed, using internal access", "user_id", userID, "error", err)
		return
	}

	eligible := make(map[models.Provider]bool, len(r.autoProviders))
	for _, p := range r.autoProviders {
		eligible[p] = true
	}
	for _, cred := range creds {
		if !eligible[cred.Provider] {
			continue
		}
		r.attach(userID, cred, res)
	}
}

func (r *Resolver) attach(userID uuid.UUID, cred *models.ExternalCredential, res *Resolution) {
	if !cred.Active {
		return
	}
	key, err := r.vault.Decrypt(cred.Ciphertext)
	if err != nil {
		r.metrics.DecryptFailure()
		r.logger.Error("Stored credential failed to decrypt, skipping",
			"user_id", userID, "provider", cred.Provider, "error", err)
		return
	}
	if key == "" {
		return
	}
	res.Keys[cred.Provider] = key
}
