// Package idempotency de-duplicates engagement callbacks that providers
// deliver more than once.
package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store claims keys for a bounded time. The first Claim of a key returns
// true; later claims return false until the key expires or is released.
type Store interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release drops a claim so the event can be processed again.
	Release(ctx context.Context, key string) error

	HealthCheck(ctx context.Context) error
}

// FormatKey builds the standard de-duplication key.
func FormatKey(scope, id string) string {
	return fmt.Sprintf("idem:%s:%s", scope, id)
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (s *MemoryStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expiresAt, exists := s.entries[key]; exists && now.Before(expiresAt) {
		return false, nil
	}
	s.entries[key] = now.Add(ttl)
	s.sweepLocked(now)
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// sweepLocked drops expired entries once the map has grown.
func (s *MemoryStore) sweepLocked(now time.Time) {
	if len(s.entries) < 1024 {
		return
	}
	for key, expiresAt := range s.entries {
		if !now.Before(expiresAt) {
			delete(s.entries, key)
		}
	}
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store. Claims are SET NX with an expiry, so
// every replica sees the same claims.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a new Redis-backed store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
