package auth

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRateLimiter(t *testing.T) {
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

	rl := NewRateLimiter(rdb, 3, time.Minute)
	const ip = "198.51.100.9"

	for i := range 3 {
		res, err := rl.Check(ctx, ip)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("attempt %d blocked, want allowed", i+1)
		}
		if res.Remaining != 3-i {
			t.Errorf("Remaining = %d, want %d", res.Remaining, 3-i)
		}
		if err := rl.Record(ctx, ip); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	res, err := rl.Check(ctx, ip)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Allowed {
		t.Fatal("fourth attempt allowed, want blocked")
	}
	if !res.RetryAt.After(time.Now()) {
		t.Errorf("RetryAt = %v, want in the future", res.RetryAt)
	}

	other, err := rl.Check(ctx, "198.51.100.10")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !other.Allowed {
		t.Error("unrelated IP blocked")
	}
}
