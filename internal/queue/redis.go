package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "fusion:"

// RedisQueue implements Queue on a Redis list. Dequeued items are returned
// as json.RawMessage; consumers decode them into their own type.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue wraps a shared client. The caller owns the client's lifetime.
func NewRedisQueue(client *redis.Client, config *Config) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config == nil || config.Name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	return &RedisQueue{
		client: client,
		key:    keyPrefix + "queue:" + config.Name,
	}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, item interface{}) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("failed to push to redis: %w", err)
	}
	return nil
}

func (q *RedisQueue) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]interface{}, error) {
	result, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return []interface{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from redis: %w", err)
	}

	// result[0] is the key
	items := []interface{}{json.RawMessage(result[1])}

	for len(items) < maxItems {
		next, err := q.client.LPop(ctx, q.key).Result()
		if err != nil {
			// redis.Nil means drained; anything else is retried on the next poll
			break
		}
		items = append(items, json.RawMessage(next))
	}
	return items, nil
}

func (q *RedisQueue) Length(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return int(n), nil
}

// Close does not close the shared client
func (q *RedisQueue) Close() error {
	return nil
}

// RedisDeadLetterQueue implements DeadLetterQueue on a Redis hash keyed by item id
type RedisDeadLetterQueue struct {
	client *redis.Client
	key    string
}

func NewRedisDeadLetterQueue(client *redis.Client, config *Config) (*RedisDeadLetterQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config == nil || config.Name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	return &RedisDeadLetterQueue{
		client: client,
		key:    keyPrefix + "dlq:" + config.Name,
	}, nil
}

func (q *RedisDeadLetterQueue) Add(ctx context.Context, item interface{}, cause error) error {
	dl := newDeadLetterItem(item, cause)

	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter item: %w", err)
	}
	if err := q.client.HSet(ctx, q.key, dl.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to add to dead letter queue: %w", err)
	}
	return nil
}

// List returns up to maxItems entries, oldest first. Malformed entries are skipped.
func (q *RedisDeadLetterQueue) List(ctx context.Context, maxItems int) ([]DeadLetterItem, error) {
	raw, err := q.client.HGetAll(ctx, q.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter items: %w", err)
	}

	items := make([]DeadLetterItem, 0, len(raw))
	for _, data := range raw {
		var dl DeadLetterItem
		if err := json.Unmarshal([]byte(data), &dl); err != nil {
			continue
		}
		items = append(items, dl)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Timestamp.Before(items[j].Timestamp) })
	if maxItems > 0 && len(items) > maxItems {
		items = items[:maxItems]
	}
	return items, nil
}

func (q *RedisDeadLetterQueue) Remove(ctx context.Context, id string) error {
	n, err := q.client.HDel(ctx, q.key, id).Result()
	if err != nil {
		return fmt.Errorf("failed to remove from dead letter queue: %w", err)
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (q *RedisDeadLetterQueue) Close() error {
	return nil
}
