// Package tokencache caches resolved personal-access-token identities in
// Redis. Token resolution runs on every authenticated request, so the cache
// keeps the hot path off Postgres; entries never outlive the token's expiry
// and are dropped whenever the token is edited or revoked.
package tokencache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Identity is the cached resolution of a token secret.
type Identity struct {
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New connects to Redis and verifies the connection.
func New(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client), nil
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(client *redis.Client) *Store {
	return &Store{
		client: client,
		prefix: "pat:",
		ttl:    5 * time.Minute,
	}
}

func (s *Store) key(secret int64) string {
	return s.prefix + strconv.FormatInt(secret, 10)
}

// Get returns the cached identity for a secret, if present.
func (s *Store) Get(ctx context.Context, secret int64) (Identity, bool) {
	raw, err := s.client.Get(ctx, s.key(secret)).Result()
	if err != nil {
		return Identity{}, false
	}
	var identity Identity
	if err := json.Unmarshal([]byte(raw), &identity); err != nil {
		return Identity{}, false
	}
	return identity, true
}

// Put caches an identity. The entry TTL is the cache default capped at the
// token's remaining life; an already-expired token is never cached.
func (s *Store) Put(ctx context.Context, secret int64, identity Identity) error {
	ttl := s.ttl
	if remaining := time.Until(identity.ExpiresAt); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return nil
	}

	raw, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := s.client.Set(ctx, s.key(secret), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache identity: %w", err)
	}
	return nil
}

// Invalidate drops the entry for a secret. Called on token edit and revoke.
func (s *Store) Invalidate(ctx context.Context, secret int64) error {
	if err := s.client.Del(ctx, s.key(secret)).Err(); err != nil {
		return fmt.Errorf("invalidate identity: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
