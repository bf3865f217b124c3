// Package buffer provides a Redis-backed queue for inbound alert events.
// It decouples HTTP ingestion from the ingest worker pool so bursts are
// absorbed in Redis rather than rejected when the pool is saturated.
package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/alertcore/pkg/types"
)

const (
	// keyEvents is the Redis list holding queued events. LPUSH adds at the
	// head and RPOP takes from the tail, so the list is FIFO.
	keyEvents = "alertcore:events"

	// DefaultBatchSize is the number of events drained per tick.
	DefaultBatchSize = 500

	// DefaultDrainInterval is how often the drainer polls the queue.
	DefaultDrainInterval = 250 * time.Millisecond
)

// EventBuffer queues alert events in Redis.
type EventBuffer struct {
	client *redis.Client
	logger *slog.Logger
}

// NewEventBuffer connects to Redis and verifies the connection.
func NewEventBuffer(redisURL string, logger *slog.Logger) (*EventBuffer, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &EventBuffer{
		client: client,
		logger: logger.With("component", "event_buffer"),
	}, nil
}

// Client exposes the Redis client so the query cache can share it.
func (b *EventBuffer) Client() *redis.Client {
	return b.client
}

// Push appends events to the queue in one round trip.
func (b *EventBuffer) Push(ctx context.Context, events []*types.AlertEvent) error {
	if len(events) == 0 {
		return nil
	}

	values := make([]any, len(events))
	for i, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		values[i] = data
	}

	if err := b.client.LPush(ctx, keyEvents, values...).Err(); err != nil {
		return fmt.Errorf("failed to push events to redis: %w", err)
	}
	return nil
}

// Pop removes up to max of the oldest events.
func (b *EventBuffer) Pop(ctx context.Context, max int) ([]*types.AlertEvent, error) {
	values, err := b.client.RPopCount(ctx, keyEvents, max).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop events from redis: %w", err)
	}

	events := make([]*types.AlertEvent, 0, len(values))
	for _, v := range values {
		var ev types.AlertEvent
		if err := json.Unmarshal([]byte(v), &ev); err != nil {
			b.logger.Warn("dropping undecodable event", "error", err)
			continue
		}
		events = append(events, &ev)
	}
	return events, nil
}

// Requeue puts events back at the oldest end of the queue so they are
// drained next, preserving their order.
func (b *EventBuffer) Requeue(ctx context.Context, events []*types.AlertEvent) error {
	if len(events) == 0 {
		return nil
	}
	values := make([]any, len(events))
	for i, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		// RPUSH appends left to right; the first requeued event must end
		// up at the tail so it is popped first.
		values[len(events)-1-i] = data
	}
	if err := b.client.RPush(ctx, keyEvents, values...).Err(); err != nil {
		return fmt.Errorf("failed to requeue events: %w", err)
	}
	return nil
}

// Len returns the number of queued events.
func (b *EventBuffer) Len(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, keyEvents).Result()
}

// Ping checks the Redis connection.
func (b *EventBuffer) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (b *EventBuffer) Close() error {
	return b.client.Close()
}
