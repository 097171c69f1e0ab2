package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"fusion_gateway/internal/models"
)

const credentialColumns = `id, user_id, provider, ciphertext, preview, active, created_at, updated_at`

// CredentialRepository stores encrypted user-supplied provider credentials
type CredentialRepository struct {
	db *DB
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db *DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Upsert creates the (user, provider) credential or replaces its ciphertext and preview
func (r *CredentialRepository) Upsert(ctx context.Context, cred *models.ExternalCredential) error {
	if cred.ID == uuid.Nil {
		cred.ID = uuid.New()
	}

	query := `
		INSERT INTO external_credentials (id, user_id, provider, ciphertext, preview, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (user_id, provider) DO UPDATE
		SET ciphertext = EXCLUDED.ciphertext,
			preview = EXCLUDED.preview,
			active = EXCLUDED.active,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	err := r.db.conn.QueryRowxContext(ctx, query,
		cred.ID, cred.UserID, string(cred.Provider), cred.Ciphertext, cred.Preview, cred.Active,
	).Scan(&cred.ID, &cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}

	return nil
}

// GetActive returns the user's active credential for one provider
func (r *CredentialRepository) GetActive(ctx context.Context, userID uuid.UUID, provider models.Provider) (*models.ExternalCredential, error) {
	var cred models.ExternalCredential
	query := `SELECT ` + credentialColumns + `
		FROM external_credentials
		WHERE user_id = $1 AND provider = $2 AND active
	`

	if err := r.db.conn.GetContext(ctx, &cred, query, userID, string(provider)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	return &cred, nil
}

// ListActive returns the user's active credentials restricted to the given providers
func (r *CredentialRepository) ListActive(ctx context.Context, userID uuid.UUID, providers []models.Provider) ([]*models.ExternalCredential, error) {
	if len(providers) == 0 {
		return nil, nil
	}

	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = string(p)
	}

	var creds []*models.ExternalCredential
	query := `SELECT ` + credentialColumns + `
		FROM external_credentials
		WHERE user_id = $1 AND active AND provider = ANY($2)
		ORDER BY provider
	`

	if err := r.db.conn.SelectContext(ctx, &creds, query, userID, pq.Array(names)); err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	return creds, nil
}

// ListByUser returns every credential the user holds, active or not
func (r *CredentialRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.ExternalCredential, error) {
	var creds []*models.ExternalCredential
	query := `SELECT ` + credentialColumns + `
		FROM external_credentials
		WHERE user_id = $1
		ORDER BY provider
	`

	if err := r.db.conn.SelectContext(ctx, &creds, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	return creds, nil
}

// SetActive enables or disables a credential without touching its ciphertext
func (r *CredentialRepository) SetActive(ctx context.Context, userID uuid.UUID, provider models.Provider, active bool) error {
	query := `
		UPDATE external_credentials
		SET active = $3, updated_at = NOW()
		WHERE user_id = $1 AND provider = $2
	`

	result, err := r.db.conn.ExecContext(ctx, query, userID, string(provider), active)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}

	return requireAffected(result, ErrCredentialNotFound)
}

// Delete removes a credential
func (r *CredentialRepository) Delete(ctx context.Context, userID uuid.UUID, provider models.Provider) error {
	query := `DELETE FROM external_credentials WHERE user_id = $1 AND provider = $2`

	result, err := r.db.conn.ExecContext(ctx, query, userID, string(provider))
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}

	return requireAffected(result, ErrCredentialNotFound)
}

func requireAffected(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
