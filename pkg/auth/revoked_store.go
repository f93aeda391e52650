package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevokedTokenStore tracks token ids that must no longer verify.
type RevokedTokenStore interface {
	RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// InMemoryRevokedStore is used when REDIS_URL is unset.
type InMemoryRevokedStore struct {
	mu      sync.RWMutex
	revoked map[string]time.Time
	now     func() time.Time
}

func NewInMemoryRevokedStore() *InMemoryRevokedStore {
	return &InMemoryRevokedStore{
		revoked: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (s *InMemoryRevokedStore) RevokeToken(_ context.Context, tokenID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[tokenID] = expiresAt
	return nil
}

func (s *InMemoryRevokedStore) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	exp, ok := s.revoked[tokenID]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if s.now().After(exp) {
		s.mu.Lock()
		delete(s.revoked, tokenID)
		s.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// Cleanup drops entries whose tokens have expired anyway.
func (s *InMemoryRevokedStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, exp := range s.revoked {
		if now.After(exp) {
			delete(s.revoked, id)
			n++
		}
	}
	return n
}

// RedisRevokedStore keeps revoked ids as keys that expire with the token.
type RedisRevokedStore struct {
	client    redis.Cmdable
	keyPrefix string
}

func NewRedisRevokedStore(client redis.Cmdable) *RedisRevokedStore {
	return &RedisRevokedStore{client: client, keyPrefix: "revoked:token:"}
}

func (s *RedisRevokedStore) RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.keyPrefix+tokenID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (s *RedisRevokedStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.keyPrefix+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return n > 0, nil
}
