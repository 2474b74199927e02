package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "idempotency:"

// RedisStore keeps keys in Redis. Expiry is delegated to key TTLs, so Purge is a no-op.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps client.
func NewRedisStore(client redis.UniversalClient) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("idempotency: redis client is required")
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Begin(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	entry := pending(key, fingerprint, now.UTC(), ttl)
	payload, err := json.Marshal(entry)
	if err != nil {
		return OutcomeBusy, Entry{}, err
	}

	id := redisKeyPrefix + documentID(key)
	ok, err := s.client.SetNX(ctx, id, payload, entry.ExpiresAt.Sub(entry.CreatedAt)).Result()
	if err != nil {
		return OutcomeBusy, Entry{}, fmt.Errorf("redis: setnx idempotency key: %w", err)
	}
	if ok {
		return OutcomeStarted, entry, nil
	}

	raw, err := s.client.Get(ctx, id).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; the caller may retry.
		return OutcomeBusy, Entry{}, nil
	}
	if err != nil {
		return OutcomeBusy, Entry{}, fmt.Errorf("redis: get idempotency key: %w", err)
	}
	var existing Entry
	if err := json.Unmarshal(raw, &existing); err != nil {
		return OutcomeBusy, Entry{}, fmt.Errorf("redis: decode idempotency key: %w", err)
	}
	return classify(existing, fingerprint)
}

func (s *RedisStore) Finish(ctx context.Context, key string, entry Entry) error {
	entry.State = StateDone
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := s.client.Set(ctx, redisKeyPrefix+documentID(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set idempotency key: %w", err)
	}
	return nil
}

func (s *RedisStore) Abandon(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+documentID(key)).Err(); err != nil {
		return fmt.Errorf("redis: del idempotency key: %w", err)
	}
	return nil
}

func (s *RedisStore) Purge(context.Context, time.Time, int) (int, error) {
	return 0, nil
}
