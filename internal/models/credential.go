package models

import (
	"time"

	"github.com/google/uuid"
)

// CredentialSource tags which kind of credential served a request
type CredentialSource string

const (
	CredentialSourceInternal CredentialSource = "internal"
	CredentialSourceBYOAPI   CredentialSource = "byoapi"
)

// ExternalCredential is a user-supplied provider API key, stored encrypted.
// At most one exists per (user, provider).
type ExternalCredential struct {
	ID         uuid.UUID `db:"id" json:"id"`
	UserID     uuid.UUID `db:"user_id" json:"user_id"`
	Provider   Provider  `db:"provider" json:"provider"`
	Ciphertext string    `db:"ciphertext" json:"-"`
	Preview    string    `db:"preview" json:"preview"`
	Active     bool      `db:"active" json:"active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}
