package logging

import (
	"context"
	"fmt"

	"fusion_gateway/internal/models"
	"fusion_gateway/internal/queue"
)

// Sink receives usage records after they are persisted, for archival
type Sink interface {
	Enqueue(ctx context.Context, rec *models.UsageRecord) error
}

// NoopSink discards records; used when archival is disabled
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (s *NoopSink) Enqueue(ctx context.Context, rec *models.UsageRecord) error {
	return nil
}

// QueueSink buffers records on a queue drained by an Archiver
type QueueSink struct {
	queue queue.Queue
}

func NewQueueSink(q queue.Queue) *QueueSink {
	return &QueueSink{queue: q}
}

func (s *QueueSink) Enqueue(ctx context.Context, rec *models.UsageRecord) error {
	if rec == nil {
		return nil
	}
	if err := s.queue.Enqueue(ctx, rec); err != nil {
		return fmt.Errorf("failed to enqueue usage record: %w", err)
	}
	return nil
}
