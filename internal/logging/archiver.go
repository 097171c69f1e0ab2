package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fusion_gateway/internal/metrics"
	"fusion_gateway/internal/models"
	"fusion_gateway/internal/queue"
	"fusion_gateway/internal/utils"
)

// BatchWriter persists a batch of usage records somewhere durable
type BatchWriter interface {
	WriteBatch(ctx context.Context, records []*models.UsageRecord) (string, error)
}

// Archiver drains the usage queue into a BatchWriter. A batch that still fails
// after MaxRetries attempts is moved record by record to the dead-letter queue.
type Archiver struct {
	queue   queue.Queue
	dlq     queue.DeadLetterQueue
	writer  BatchWriter
	config  *queue.Config
	metrics *metrics.Metrics
	logger  *utils.Logger

	sleep func(time.Duration)

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

func NewArchiver(q queue.Queue, dlq queue.DeadLetterQueue, writer BatchWriter, config *queue.Config, m *metrics.Metrics) *Archiver {
	if config == nil {
		config = queue.DefaultConfig("usage-archive")
	}
	return &Archiver{
		queue:       q,
		dlq:         dlq,
		writer:      writer,
		config:      config,
		metrics:     m,
		logger:      utils.NewLogger("usage-archiver"),
		sleep:       time.Sleep,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start runs the worker loop until Stop or ctx cancellation
func (a *Archiver) Start(ctx context.Context) {
	go a.run(ctx)
}

// Stop waits for the in-flight batch to finish
func (a *Archiver) Stop() {
	close(a.stopChan)
	<-a.stoppedChan
}

func (a *Archiver) run(ctx context.Context) {
	defer close(a.stoppedChan)

	for {
		select {
		case <-a.stopChan:
			a.logger.Info("Usage archiver stopping")
			return
		case <-ctx.Done():
			a.logger.Info("Usage archiver context cancelled")
			return
		default:
			a.processBatch(ctx)
		}
	}
}

// processBatch handles one dequeue cycle and reports how many records it archived
func (a *Archiver) processBatch(ctx context.Context) int {
	items, err := a.queue.DequeueWithTimeout(ctx, a.config.BatchSize, a.config.BatchTimeout)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Error("Failed to dequeue usage records", "error", err)
			a.sleep(time.Second)
		}
		return 0
	}
	if len(items) == 0 {
		return 0
	}

	records := make([]*models.UsageRecord, 0, len(items))
	for _, item := range items {
		rec, err := decodeRecord(item)
		if err != nil {
			a.logger.Error("Dropping undecodable usage record", "error", err)
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return 0
	}

	var lastErr error
	for attempt := 0; attempt <= a.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := a.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			a.logger.Debug("Retrying usage archive batch", "attempt", attempt, "backoff", backoff)
			a.sleep(backoff)
		}

		key, err := a.writer.WriteBatch(ctx, records)
		if err == nil {
			a.metrics.ArchiveBatch(metrics.ArchiveWritten)
			a.logger.Debug("Archived usage batch", "key", key, "count", len(records))
			return len(records)
		}
		lastErr = err
		a.logger.Warn("Failed to archive usage batch", "attempt", attempt, "count", len(records), "error", err)
	}

	a.metrics.ArchiveBatch(metrics.ArchiveDeadLettered)
	if a.dlq == nil {
		a.logger.Error("Usage batch lost, no dead-letter queue configured", "count", len(records), "error", lastErr)
		return 0
	}
	for _, rec := range records {
		if err := a.dlq.Add(ctx, rec, lastErr); err != nil {
			a.logger.Error("Failed to dead-letter usage record", "request_id", rec.RequestID, "error", err)
		}
	}
	a.logger.Warn("Usage batch moved to dead-letter queue", "count", len(records), "error", lastErr)
	return 0
}

// Pending returns the number of queued records
func (a *Archiver) Pending(ctx context.Context) (int, error) {
	return a.queue.Length(ctx)
}

// DeadLetters lists records that exhausted their retries
func (a *Archiver) DeadLetters(ctx context.Context, maxItems int) ([]queue.DeadLetterItem, error) {
	if a.dlq == nil {
		return nil, fmt.Errorf("dead-letter queue not configured")
	}
	return a.dlq.List(ctx, maxItems)
}

// Requeue moves a dead-lettered record back onto the archive queue
func (a *Archiver) Requeue(ctx context.Context, id string) error {
	if a.dlq == nil {
		return fmt.Errorf("dead-letter queue not configured")
	}

	items, err := a.dlq.List(ctx, 0)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.ID != id {
			continue
		}
		if err := a.queue.Enqueue(ctx, item.Item); err != nil {
			return fmt.Errorf("failed to requeue usage record: %w", err)
		}
		return a.dlq.Remove(ctx, id)
	}
	return queue.ErrItemNotFound
}

func decodeRecord(item interface{}) (*models.UsageRecord, error) {
	switch v := item.(type) {
	case *models.UsageRecord:
		return v, nil
	case json.RawMessage:
		var rec models.UsageRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil, err
		}
		return &rec, nil
	default:
		data, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal queue item: %w", err)
		}
		var rec models.UsageRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		return &rec, nil
	}
}
