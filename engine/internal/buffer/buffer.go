// Package buffer provides a Redis-backed write-ahead buffer for collector
// uploads. This decouples HTTP ingest from pipeline processing: the API pushes
// batches and returns immediately, and a Drainer feeds them to the pipeline at
// its own pace. Batches survive an engine restart while they wait.
package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/topomon/pkg/types"
)

const (
	// Redis key for the ingest queue
	keyIngest = "topomon:ingest"

	// DefaultBatchSize is the number of queued entries popped per drain cycle.
	DefaultBatchSize = 100

	// DefaultDrainInterval is how often the drainer polls an empty queue.
	DefaultDrainInterval = 500 * time.Millisecond
)

// Client is the subset of the Redis client used by the buffer.
type Client interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	RPopCount(ctx context.Context, key string, count int) *redis.StringSliceCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
}

// Entry is one queued upload: a frame batch or a metric batch.
type Entry struct {
	Frames  *types.FrameBatch  `json:"frames,omitempty"`
	Metrics *types.MetricBatch `json:"metrics,omitempty"`
}

// Buffer provides Redis-backed buffering for collector uploads.
type Buffer struct {
	client Client
	logger *slog.Logger
}

// New creates a buffer on an existing Redis client.
func New(client Client, logger *slog.Logger) *Buffer {
	return &Buffer{
		client: client,
		logger: logger.With("component", "ingest_buffer"),
	}
}

// Connect parses redisURL, verifies connectivity and returns the client.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// PushFrames queues a frame batch.
func (b *Buffer) PushFrames(ctx context.Context, batch types.FrameBatch) error {
	return b.push(ctx, Entry{Frames: &batch})
}

// PushMetrics queues a metric batch.
func (b *Buffer) PushMetrics(ctx context.Context, batch types.MetricBatch) error {
	return b.push(ctx, Entry{Metrics: &batch})
}

func (b *Buffer) push(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	if err := b.client.LPush(ctx, keyIngest, data).Err(); err != nil {
		return fmt.Errorf("failed to push to redis: %w", err)
	}
	return nil
}

// Pop retrieves and removes up to max entries, oldest first.
func (b *Buffer) Pop(ctx context.Context, max int) ([]Entry, error) {
	raw, err := b.client.RPopCount(ctx, keyIngest, max).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from redis: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for _, s := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			b.logger.Warn("dropping undecodable entry", "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Requeue puts entries back at the head of the queue so they are popped next,
// preserving their order.
func (b *Buffer) Requeue(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(entries))
	// RPUSH appends left to right; the last value pushed is popped first.
	for i := len(entries) - 1; i >= 0; i-- {
		data, err := json.Marshal(entries[i])
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		values = append(values, data)
	}
	return b.client.RPush(ctx, keyIngest, values...).Err()
}

// Len returns the number of queued entries.
func (b *Buffer) Len(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, keyIngest).Result()
}
