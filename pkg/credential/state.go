package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	stateKeyPrefix = "oauth_state:"

	// StateTTL bounds how long a user may take on the provider consent page.
	StateTTL = 10 * time.Minute
)

// ErrStateNotFound is returned for unknown, expired or already used states.
var ErrStateNotFound = errors.New("oauth state not found or expired")

// PendingConnect is what the connect endpoint remembers about an
// authorization redirect until its callback arrives.
type PendingConnect struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
}

// StateStore keeps single-use OAuth state values.
type StateStore interface {
	Save(ctx context.Context, state string, p PendingConnect) error
	// Consume returns and deletes the pending connect for state.
	Consume(ctx context.Context, state string) (*PendingConnect, error)
}

// RedisStateStore stores states in Redis with a TTL and consumes them with
// GETDEL so a state can be redeemed once.
type RedisStateStore struct {
	redis *redis.Client
}

// NewRedisStateStore creates a Redis-backed StateStore.
func NewRedisStateStore(rdb *redis.Client) *RedisStateStore {
	return &RedisStateStore{redis: rdb}
}

func (s *RedisStateStore) Save(ctx context.Context, state string, p PendingConnect) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling oauth state: %w", err)
	}
	if err := s.redis.Set(ctx, stateKeyPrefix+state, data, StateTTL).Err(); err != nil {
		return fmt.Errorf("storing oauth state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Consume(ctx context.Context, state string) (*PendingConnect, error) {
	data, err := s.redis.GetDel(ctx, stateKeyPrefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consuming oauth state: %w", err)
	}

	var p PendingConnect
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshaling oauth state: %w", err)
	}
	return &p, nil
}

type memoryState struct {
	pending   PendingConnect
	expiresAt time.Time
}

// MemoryStateStore keeps states in process memory. Expired entries are
// dropped lazily on access.
type MemoryStateStore struct {
	mu     sync.Mutex
	now    func() time.Time
	states map[string]memoryState
}

// NewMemoryStateStore creates an empty MemoryStateStore.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{now: time.Now, states: make(map[string]memoryState)}
}

func (s *MemoryStateStore) Save(_ context.Context, state string, p PendingConnect) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, v := range s.states {
		if now.After(v.expiresAt) {
			delete(s.states, k)
		}
	}
	s.states[state] = memoryState{pending: p, expiresAt: now.Add(StateTTL)}
	return nil
}

func (s *MemoryStateStore) Consume(_ context.Context, state string) (*PendingConnect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.states[state]
	delete(s.states, state)
	if !ok || s.now().After(v.expiresAt) {
		return nil, ErrStateNotFound
	}
	p := v.pending
	return &p, nil
}
