package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/postcraft/model"
)

const defaultRedisPrefix = "postcraft:workflow:"

// RedisStateStore is a Redis-backed StateStore. Each user's record is a
// single string key, optionally expiring.
type RedisStateStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisStateStore.
type RedisOption func(*RedisStateStore)

// WithTTL sets the expiration applied on every save. Zero means no expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStateStore) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStateStore) {
		s.prefix = prefix
	}
}

// NewRedisStateStore creates a state store over an existing client.
func NewRedisStateStore(client *redis.Client, opts ...RedisOption) *RedisStateStore {
	s := &RedisStateStore{
		client: client,
		prefix: defaultRedisPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStateStore) key(userID string) string {
	return s.prefix + userID
}

// Load returns the stored record.
func (s *RedisStateStore) Load(ctx context.Context, userID string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("workflow state for %q not found", userID),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get workflow state: %w", err)
	}
	return data, nil
}

// Save writes the record, refreshing its TTL.
func (s *RedisStateStore) Save(ctx context.Context, userID string, data []byte) error {
	if err := s.client.Set(ctx, s.key(userID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set workflow state: %w", err)
	}
	return nil
}

// Delete removes the key. DEL on a missing key succeeds.
func (s *RedisStateStore) Delete(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("redis del workflow state: %w", err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStateStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
