package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestEventCacheRemember(t *testing.T) {
	client := getRedisClient(t)
	cache, err := NewEventCache(client, time.Minute)
	if err != nil {
		t.Fatalf("NewEventCache: %v", err)
	}
	ctx := context.Background()
	eventID := "evt_" + ulid.Make().String()
	t.Cleanup(func() { client.Del(context.Background(), eventKeyPrefix+eventID) })

	seen, err := cache.Seen(ctx, eventID)
	if err != nil || seen {
		t.Fatalf("expected unseen event, got %v err=%v", seen, err)
	}
	first, err := cache.Remember(ctx, eventID)
	if err != nil || !first {
		t.Fatalf("expected first remember to win, got %v err=%v", first, err)
	}
	second, err := cache.Remember(ctx, eventID)
	if err != nil || second {
		t.Fatalf("expected duplicate remember to lose, got %v err=%v", second, err)
	}
	if ttl := client.TTL(ctx, eventKeyPrefix+eventID).Val(); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl %s", ttl)
	}
}

func TestNewEventCacheRequiresClient(t *testing.T) {
	if _, err := NewEventCache(nil, time.Minute); err == nil {
		t.Fatal("expected error for nil client")
	}
}
