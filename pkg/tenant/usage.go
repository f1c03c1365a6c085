package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	usageKeyPrefix = "tenant_usage:api_calls:"

	// usageTTL keeps a monthly counter around a little past month end.
	usageTTL = 35 * 24 * time.Hour
)

// UsageCounter counts API calls per tenant per calendar month (UTC).
type UsageCounter interface {
	Increment(ctx context.Context, tenantID uuid.UUID, at time.Time) (int64, error)
	Count(ctx context.Context, tenantID uuid.UUID, at time.Time) (int64, error)
}

// IntegrationCounter reports how many provider integrations a tenant has
// connected.
type IntegrationCounter interface {
	CountByTenant(ctx context.Context, tenantID uuid.UUID) (int, error)
}

func usageKey(tenantID uuid.UUID, at time.Time) string {
	return usageKeyPrefix + tenantID.String() + ":" + at.UTC().Format("2006-01")
}

// RedisUsageCounter stores monthly counters in Redis with INCR + EXPIRE.
type RedisUsageCounter struct {
	redis *redis.Client
}

// NewRedisUsageCounter creates a Redis-backed UsageCounter.
func NewRedisUsageCounter(rdb *redis.Client) *RedisUsageCounter {
	return &RedisUsageCounter{redis: rdb}
}

func (c *RedisUsageCounter) Increment(ctx context.Context, tenantID uuid.UUID, at time.Time) (int64, error) {
	key := usageKey(tenantID, at)

	pipe := c.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, usageTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incrementing api call usage: %w", err)
	}
	return incr.Val(), nil
}

func (c *RedisUsageCounter) Count(ctx context.Context, tenantID uuid.UUID, at time.Time) (int64, error) {
	n, err := c.redis.Get(ctx, usageKey(tenantID, at)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading api call usage: %w", err)
	}
	return n, nil
}

// MemoryUsageCounter keeps counters in process memory.
type MemoryUsageCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewMemoryUsageCounter creates an empty MemoryUsageCounter.
func NewMemoryUsageCounter() *MemoryUsageCounter {
	return &MemoryUsageCounter{counts: make(map[string]int64)}
}

func (c *MemoryUsageCounter) Increment(_ context.Context, tenantID uuid.UUID, at time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := usageKey(tenantID, at)
	c.counts[key]++
	return c.counts[key], nil
}

func (c *MemoryUsageCounter) Count(_ context.Context, tenantID uuid.UUID, at time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[usageKey(tenantID, at)], nil
}
