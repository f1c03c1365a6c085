package credential

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// exerciseRefreshLease checks the contract every RefreshLease must meet.
func exerciseRefreshLease(t *testing.T, l RefreshLease) {
	t.Helper()
	ctx := context.Background()

	token, ok, err := l.Acquire(ctx, "t1:xero", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = l.Acquire(ctx, "t1:xero", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder is refused")

	_, ok, err = l.Acquire(ctx, "t2:xero", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "other credentials are independent")

	require.NoError(t, l.Release(ctx, "t1:xero", "not-the-token"))
	_, ok, err = l.Acquire(ctx, "t1:xero", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release with a stale token keeps the lease")

	require.NoError(t, l.Release(ctx, "t1:xero", token))
	_, ok, err = l.Acquire(ctx, "t1:xero", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released lease can be taken again")
}

func TestMemoryRefreshLease(t *testing.T) {
	exerciseRefreshLease(t, NewMemoryRefreshLease())
}

func TestMemoryRefreshLease_Expires(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)}
	l := NewMemoryRefreshLease()
	l.now = clock.Now
	ctx := context.Background()

	_, ok, err := l.Acquire(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(29 * time.Second)
	_, ok, _ = l.Acquire(ctx, "k", 30*time.Second)
	assert.False(t, ok)

	clock.Advance(time.Second)
	_, ok, _ = l.Acquire(ctx, "k", 30*time.Second)
	assert.True(t, ok, "an abandoned lease lapses after its ttl")
}

func TestRedisRefreshLease(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting redis: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = rdb.Close() })

	exerciseRefreshLease(t, NewRedisRefreshLease(rdb))

	ttl, err := rdb.PTTL(ctx, leaseKeyPrefix+"t2:xero").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0), "lease keys carry an expiry")
}
