// Package redisstore keeps the revocation denylist in Redis so every instance
// sees a logout immediately. Entries expire with the token they block.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"machine-auth/internal/auth"
)

const keyPrefix = "revoked:jti:"

var _ auth.RevocationStore = (*RevocationStore)(nil)

type RevocationStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRevocationStore(client *redis.Client) *RevocationStore {
	return &RevocationStore{client: client, now: time.Now}
}

func (s *RevocationStore) WithClock(now func() time.Time) *RevocationStore {
	if now != nil {
		s.now = now
	}
	return s
}

func key(jti string) string {
	return keyPrefix + jti
}

// Revoke is a no-op for tokens that have already expired; the signer rejects
// those on its own.
func (s *RevocationStore) Revoke(ctx context.Context, entry auth.RevocationEntry) error {
	ttl := entry.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.client.SetNX(ctx, key(entry.JTI), string(entry.Reason), ttl).Err(); err != nil {
		return fmt.Errorf("redis revoke %s: %w", entry.JTI, err)
	}
	return nil
}

func (s *RevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, key(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("redis lookup %s: %w", jti, err)
	}
	return n > 0, nil
}

// PurgeRevocations has nothing to do: Redis expires keys itself.
func (s *RevocationStore) PurgeRevocations(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

// Open parses a redis:// URL and pings the server.
func Open(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
