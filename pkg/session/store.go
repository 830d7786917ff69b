package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/canopy-network/chainfeed/pkg/redis"
)

// Store persists the bearer credential between runs.
type Store interface {
	// Load returns the stored token, or "" when there is none.
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps the token for the life of the process.
type MemoryStore struct {
	mu    sync.Mutex
	token string
}

func NewMemoryStore(token string) *MemoryStore {
	return &MemoryStore{token: token}
}

func (s *MemoryStore) Load(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *MemoryStore) Save(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	return s.Save(ctx, "")
}

// RedisStore keeps the token under chainfeed:session:<profile>. Tokens with
// an exp claim get a matching TTL so Redis forgets them on expiry.
type RedisStore struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

func NewRedisStore(client *redis.Client, profile string) *RedisStore {
	if profile == "" {
		profile = "default"
	}
	return &RedisStore{client: client, key: "chainfeed:session:" + profile, now: time.Now}
}

func (s *RedisStore) Key() string { return s.key }

func (s *RedisStore) Load(ctx context.Context) (string, error) {
	token, err := s.client.Get(ctx, s.key)
	if errors.Is(err, redis.ErrNotFound) {
		return "", nil
	}
	return token, err
}

func (s *RedisStore) Save(ctx context.Context, token string) error {
	if token == "" {
		return s.Clear(ctx)
	}
	var ttl time.Duration
	if exp, ok := Expiry(token); ok {
		ttl = exp.Sub(s.now())
		if ttl <= 0 {
			return s.Clear(ctx)
		}
	}
	return s.client.Set(ctx, s.key, token, ttl)
}

func (s *RedisStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.key)
}
