package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/ledgerowl/pkg/cipherbox"
)

const (
	leaseKeyPrefix = "credential:refresh_lease:"

	// RefreshLeaseTTL bounds how long one holder may keep a credential's
	// refresh lease, and how long other holders wait for it.
	RefreshLeaseTTL = 30 * time.Second

	leasePollInterval = 100 * time.Millisecond
	leaseTokenBytes   = 16
)

// RefreshLease grants one process at a time the right to refresh a
// credential. Acquire reports false while another holder has the key.
type RefreshLease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release drops the lease only if token still holds it.
	Release(ctx context.Context, key, token string) error
}

// releaseScript deletes the key only when it still carries the caller's
// token, so an expired holder cannot drop a successor's lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisRefreshLease is a RefreshLease shared by every process using the same
// Redis.
type RedisRefreshLease struct {
	redis *redis.Client
}

// NewRedisRefreshLease creates a Redis-backed RefreshLease.
func NewRedisRefreshLease(rdb *redis.Client) *RedisRefreshLease {
	return &RedisRefreshLease{redis: rdb}
}

func (l *RedisRefreshLease) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token, err := cipherbox.RandomToken(leaseTokenBytes)
	if err != nil {
		return "", false, err
	}
	ok, err := l.redis.SetNX(ctx, leaseKeyPrefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquiring refresh lease: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisRefreshLease) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, l.redis, []string{leaseKeyPrefix + key}, token).Err(); err != nil {
		return fmt.Errorf("releasing refresh lease: %w", err)
	}
	return nil
}

type leaseEntry struct {
	token   string
	expires time.Time
}

// MemoryRefreshLease is an in-process RefreshLease. Managers sharing one
// instance behave like processes sharing one Redis.
type MemoryRefreshLease struct {
	mu     sync.Mutex
	leases map[string]leaseEntry
	now    func() time.Time
}

// NewMemoryRefreshLease creates an empty MemoryRefreshLease.
func NewMemoryRefreshLease() *MemoryRefreshLease {
	return &MemoryRefreshLease{leases: make(map[string]leaseEntry), now: time.Now}
}

func (l *MemoryRefreshLease) Acquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	token, err := cipherbox.RandomToken(leaseTokenBytes)
	if err != nil {
		return "", false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if e, ok := l.leases[key]; ok && now.Before(e.expires) {
		return "", false, nil
	}
	l.leases[key] = leaseEntry{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (l *MemoryRefreshLease) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.leases[key]; ok && e.token == token {
		delete(l.leases, key)
	}
	return nil
}
