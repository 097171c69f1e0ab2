// Package queue moves usage records off the request path to background workers.
//
// Two backends implement the same interfaces: an in-process channel queue for
// single-node deployments and a Redis list queue shared across replicas. Items
// that exhaust their retries land in a dead-letter queue for inspection.
package queue

import (
	"context"
	"time"
)

// Queue is a FIFO of JSON-serializable items consumed in batches
type Queue interface {
	// Enqueue appends an item
	Enqueue(ctx context.Context, item interface{}) error

	// DequeueWithTimeout waits up to timeout for the first item, then drains
	// whatever else is ready up to maxItems. An empty slice means the wait expired.
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]interface{}, error)

	// Length returns the number of pending items
	Length(ctx context.Context) (int, error)

	Close() error
}

// DeadLetterQueue parks items a worker gave up on
type DeadLetterQueue interface {
	Add(ctx context.Context, item interface{}, err error) error
	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)
	Remove(ctx context.Context, id string) error
	Close() error
}

// DeadLetterItem is a failed item plus the error that sank it
type DeadLetterItem struct {
	ID        string      `json:"id"`
	Item      interface{} `json:"item"`
	Error     string      `json:"error"`
	Timestamp time.Time   `json:"timestamp"`
	Retries   int         `json:"retries"`
}

// Config holds queue and worker tuning
type Config struct {
	// Name keys the Redis list and hash; it has no effect on memory queues
	Name string

	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultConfig returns the worker defaults: batches of 100, flushed every 5s, 3 retries
func DefaultConfig(name string) *Config {
	return &Config{
		Name:         name,
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: time.Second,
	}
}
