package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/postcraft/model"
)

// IdempotencyStore remembers publish outcomes by client-supplied key.
type IdempotencyStore interface {
	// Check returns a cached outcome for key. A key reused with a different
	// input hash is a CONFLICT.
	Check(ctx context.Context, key, inputHash string) (*Outcome, bool, error)
	Save(ctx context.Context, key, inputHash string, out Outcome, ttl time.Duration) error
}

type idempotencyEntry struct {
	InputHash string  `json:"input_hash"`
	Outcome   Outcome `json:"outcome"`
}

// FormatIdempotencyKey scopes a client key to its user.
func FormatIdempotencyKey(userID, key string) string {
	return fmt.Sprintf("idem:publish:%s:%s", userID, key)
}

func inputHash(contentID, visibility string) string {
	sum := sha256.Sum256([]byte(contentID + "\x00" + visibility))
	return hex.EncodeToString(sum[:])
}

func reusedKey(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}

// MemoryIdempotencyStore keeps outcomes in process.
type MemoryIdempotencyStore struct {
	cache *gocache.Cache
}

// NewMemoryIdempotencyStore creates an empty store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{cache: gocache.New(gocache.NoExpiration, 10*time.Minute)}
}

func (s *MemoryIdempotencyStore) Check(_ context.Context, key, hash string) (*Outcome, bool, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	entry := v.(idempotencyEntry)
	if entry.InputHash != hash {
		return nil, true, reusedKey(key)
	}
	out := entry.Outcome
	return &out, true, nil
}

func (s *MemoryIdempotencyStore) Save(_ context.Context, key, hash string, out Outcome, ttl time.Duration) error {
	s.cache.Set(key, idempotencyEntry{InputHash: hash, Outcome: out}, ttl)
	return nil
}

// Len counts unexpired entries.
func (s *MemoryIdempotencyStore) Len() int {
	return s.cache.ItemCount()
}

// RedisIdempotencyStore keeps outcomes in Redis with a TTL.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a Redis-backed store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

func (s *RedisIdempotencyStore) Check(ctx context.Context, key, hash string) (*Outcome, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if entry.InputHash != hash {
		return nil, true, reusedKey(key)
	}
	return &entry.Outcome, true, nil
}

func (s *RedisIdempotencyStore) Save(ctx context.Context, key, hash string, out Outcome, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{InputHash: hash, Outcome: out})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
