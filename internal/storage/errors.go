package storage

import "errors"

var (
	// ErrCredentialNotFound is returned when a user has no (active) credential for a provider
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrRateNotFound is returned when no active rate matches a provider/model pair
	ErrRateNotFound = errors.New("model rate not found")

	// ErrSettingNotFound is returned when a settings key is absent
	ErrSettingNotFound = errors.New("setting not found")

	// ErrInvalidAmount is returned for non-positive ledger amounts
	ErrInvalidAmount = errors.New("ledger amount must be positive")

	// errDuplicateCredit aborts a credit transaction whose external id was already applied
	errDuplicateCredit = errors.New("duplicate credit")
)
