// Package billingtest provides an in-memory ledger store for tests.
package billingtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fusion_gateway/internal/models"
	"fusion_gateway/internal/storage"
)

// MemoryStore implements billing.Store in process with the same clamping and
// idempotency rules as the Postgres repository. Nothing survives a restart.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int64
	txns     []*models.CreditTransaction
	applied  map[string]bool
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[uuid.UUID]int64),
		applied:  make(map[string]bool),
		now:      time.Now,
	}
}

// SetBalance seeds a balance without a ledger row
func (s *MemoryStore) SetBalance(userID uuid.UUID, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = balance
}

func (s *MemoryStore) Debit(ctx context.Context, userID uuid.UUID, amount int64, entry *models.CreditTransaction) (*storage.DebitOutcome, error) {
	if amount <= 0 {
		return nil, storage.ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.balances[userID]
	deducted := amount
	if deducted > prev {
		deducted = prev
	}
	outcome := &storage.DebitOutcome{PreviousBalance: prev, NewBalance: prev - deducted, Deducted: deducted}
	if deducted == 0 {
		return outcome, nil
	}

	s.balances[userID] = outcome.NewBalance
	entry.UserID = userID
	entry.Amount = -deducted
	s.append(entry)
	outcome.Transaction = entry
	return outcome, nil
}

func (s *MemoryStore) Credit(ctx context.Context, entry *models.CreditTransaction) (*storage.CreditOutcome, error) {
	if entry.Amount <= 0 {
		return nil, storage.ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ExternalID != nil {
		key := string(entry.Method) + "/" + *entry.ExternalID
		if s.applied[key] {
			return &storage.CreditOutcome{Applied: false}, nil
		}
		s.applied[key] = true
	}

	s.balances[entry.UserID] += entry.Amount
	s.append(entry)
	return &storage.CreditOutcome{Applied: true, NewBalance: s.balances[entry.UserID]}, nil
}

func (s *MemoryStore) append(entry *models.CreditTransaction) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Status == "" {
		entry.Status = models.StatusCompleted
	}
	entry.CreatedAt = s.now()
	cp := *entry
	s.txns = append(s.txns, &cp)
}

func (s *MemoryStore) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}

// ListTransactions returns newest first; limit <= 0 means 20
func (s *MemoryStore) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.CreditTransaction
	for i := len(s.txns) - 1; i >= 0; i-- {
		if s.txns[i].UserID == userID {
			cp := *s.txns[i]
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
