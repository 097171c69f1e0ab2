// Package usage keeps the per-request audit trail.
package usage

import (
	"context"

	"github.com/google/uuid"

	"fusion_gateway/internal/logging"
	"fusion_gateway/internal/metrics"
	"fusion_gateway/internal/models"
	"fusion_gateway/internal/utils"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// Repository persists usage records
type Repository interface {
	Create(ctx context.Context, rec *models.UsageRecord) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.UsageRecord, error)
}

// Recorder writes one record per served request. Writes are best-effort:
// failures are logged and counted, never propagated to the user.
type Recorder struct {
	repo    Repository
	sink    logging.Sink
	metrics *metrics.Metrics
	logger  *utils.Logger
}

// NewRecorder creates a recorder; a nil sink disables archival
func NewRecorder(repo Repository, sink logging.Sink, m *metrics.Metrics) *Recorder {
	if sink == nil {
		sink = logging.NewNoopSink()
	}
	return &Recorder{
		repo:    repo,
		sink:    sink,
		metrics: m,
		logger:  utils.NewLogger("usage"),
	}
}

// Record persists rec and hands it to the archive sink. The returned error has
// already been logged; callers only need it to decide on extra reporting.
func (r *Recorder) Record(ctx context.Context, rec *models.UsageRecord) error {
	if err := r.repo.Create(ctx, rec); err != nil {
		r.metrics.UsageRecordFailure()
		r.logger.Error("Failed to record usage",
			"request_id", rec.RequestID, "user_id", rec.UserID, "provider_used", rec.ProviderUsed,
			"billing_status", rec.BillingStatus, "error", err)
		return err
	}

	if err := r.sink.Enqueue(ctx, rec); err != nil {
		r.logger.Warn("Failed to enqueue usage record for archive", "request_id", rec.RequestID, "error", err)
	}
	return nil
}

// Recent returns the user's latest records, newest first
func (r *Recorder) Recent(ctx context.Context, userID uuid.UUID, limit int) ([]*models.UsageRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return r.repo.ListByUser(ctx, userID, limit)
}
