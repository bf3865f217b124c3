// Package cache provides Redis-backed caching for list query responses.
//
// Entries are grouped in namespaces ("alerts", "incidents"). Each namespace
// has a generation counter that is part of every key; invalidating a
// namespace bumps the counter so stale entries are never read again and
// simply expire.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "alertcore:cache:"

// Namespaces cached by the API.
const (
	NamespaceAlerts    = "alerts"
	NamespaceIncidents = "incidents"
)

// DefaultTTL bounds how long a response may be served after a missed
// invalidation.
const DefaultTTL = 30 * time.Second

// Cache provides Redis-backed response caching.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

// New creates a cache on an existing client, typically shared with the
// event buffer.
func New(client *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{client: client, logger: logger.With("component", "query_cache")}
}

// NewFromURL connects to Redis and creates a cache.
func NewFromURL(redisURL string, logger *slog.Logger) (*Cache, error) {
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
	return New(client, logger), nil
}

func generationKey(namespace string) string {
	return keyPrefix + namespace + ":gen"
}

// entryKey hashes the query so arbitrary filter strings make safe keys.
func entryKey(namespace string, generation int64, query string) string {
	sum := sha256.Sum256([]byte(query))
	return fmt.Sprintf("%s%s:%d:%s", keyPrefix, namespace, generation, hex.EncodeToString(sum[:12]))
}

func (c *Cache) generation(ctx context.Context, namespace string) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey(namespace)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// GetJSON looks up query in namespace and decodes it into v. It reports
// false on a miss.
func (c *Cache) GetJSON(ctx context.Context, namespace, query string, v any) (bool, error) {
	gen, err := c.generation(ctx, namespace)
	if err != nil {
		return false, err
	}
	data, err := c.client.Get(ctx, entryKey(namespace, gen, query)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON stores v for query under the current generation.
func (c *Cache) SetJSON(ctx context.Context, namespace, query string, v any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	gen, err := c.generation(ctx, namespace)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, entryKey(namespace, gen, query), data, ttl).Err()
}

// Invalidate makes every entry of namespace unreachable.
func (c *Cache) Invalidate(ctx context.Context, namespace string) error {
	return c.client.Incr(ctx, generationKey(namespace)).Err()
}
