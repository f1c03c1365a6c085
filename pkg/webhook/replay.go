package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix is the prefix for all replay keys in Redis.
const redisKeyPrefix = "webhook:delivery:"

// ReplayCache remembers delivery keys for a bounded window.
type ReplayCache interface {
	// GetOrInsert records key for ttl and reports whether it was already
	// present. The check and insert are atomic.
	GetOrInsert(ctx context.Context, key string, ttl time.Duration) (existed bool, err error)
	Delete(ctx context.Context, key string) error
}

// RedisReplayCache shares replay state across instances.
type RedisReplayCache struct {
	rdb *redis.Client
}

// NewRedisReplayCache creates a RedisReplayCache.
func NewRedisReplayCache(rdb *redis.Client) *RedisReplayCache {
	return &RedisReplayCache{rdb: rdb}
}

func (c *RedisReplayCache) GetOrInsert(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	set, err := c.rdb.SetNX(ctx, redisKeyPrefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("recording delivery in redis: %w", err)
	}
	return !set, nil
}

func (c *RedisReplayCache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("deleting delivery from redis: %w", err)
	}
	return nil
}

// MemoryReplayCache is a process-local ReplayCache. Expired keys are
// ignored on lookup and swept periodically once Start is called.
type MemoryReplayCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewMemoryReplayCache creates an empty MemoryReplayCache.
func NewMemoryReplayCache() *MemoryReplayCache {
	return &MemoryReplayCache{
		entries: make(map[string]time.Time),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

func (c *MemoryReplayCache) GetOrInsert(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if exp, ok := c.entries[key]; ok && now.Before(exp) {
		return true, nil
	}
	c.entries[key] = now.Add(ttl)
	return false, nil
}

func (c *MemoryReplayCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of tracked keys, expired or not.
func (c *MemoryReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep drops expired keys.
func (c *MemoryReplayCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, exp := range c.entries {
		if !now.Before(exp) {
			delete(c.entries, k)
		}
	}
}

// Start sweeps every interval until Stop is called.
func (c *MemoryReplayCache) Start(interval time.Duration) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop ends the sweeper. It is safe to call more than once.
func (c *MemoryReplayCache) Stop() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
}
