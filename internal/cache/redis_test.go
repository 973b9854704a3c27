package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient, *RedisExpiryCache) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb, NewRedisExpiryCache(rdb)
}

func TestRedisExpiryCache_PutDelete(t *testing.T) {
	mr, _, cache := newTestCache(t)
	ctx := context.Background()

	if err := cache.Put(ctx, "R1", 5*time.Minute); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if ttl := mr.TTL(defaultKeyPrefix + "R1"); ttl != 5*time.Minute {
		t.Fatalf("unexpected ttl: %s", ttl)
	}

	if err := cache.Delete(ctx, "R1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if mr.Exists(defaultKeyPrefix + "R1") {
		t.Fatal("key should be deleted")
	}
	if err := cache.Delete(ctx, "R1"); err != nil {
		t.Fatalf("second delete must be a no-op: %v", err)
	}

	if err := cache.Put(ctx, "R2", 0); err != nil {
		t.Fatalf("put with zero ttl failed: %v", err)
	}
	if mr.Exists(defaultKeyPrefix + "R2") {
		t.Fatal("zero ttl must not create a key")
	}
}

func TestRedisExpiryCache_KeyExpires(t *testing.T) {
	mr, _, cache := newTestCache(t)

	if err := cache.Put(context.Background(), "R1", time.Second); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if mr.Exists(defaultKeyPrefix + "R1") {
		t.Fatal("key should expire with ttl")
	}
}

func TestRedisExpiryCache_HandleExpiredKey(t *testing.T) {
	cache := NewRedisExpiryCache(nil, WithKeyPrefix("test:"))

	var got []string
	handler := func(_ context.Context, id string) { got = append(got, id) }

	cache.handleExpiredKey(context.Background(), "test:R1", handler)
	cache.handleExpiredKey(context.Background(), "rsv:lock:coupon:C1", handler)
	cache.handleExpiredKey(context.Background(), "test:", handler)

	if len(got) != 1 || got[0] != "R1" {
		t.Fatalf("unexpected handled ids: %v", got)
	}
}

func TestRedisExpiryCache_Listen(t *testing.T) {
	_, rdb, cache := newTestCache(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- cache.Listen(ctx, func(_ context.Context, id string) {
			select {
			case received <- id:
			default:
			}
		})
	}()

	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

wait:
	for {
		select {
		case id := <-received:
			if id != "R1" {
				t.Fatalf("unexpected reservation id: %s", id)
			}
			break wait
		case <-ticker.C:
			rdb.Publish(context.Background(), "__keyevent@0__:expired", defaultKeyPrefix+"R1")
		case err := <-done:
			t.Fatalf("listen returned early: %v", err)
		case <-deadline:
			t.Fatal("expired notification was not handled")
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected listen error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not stop after cancel")
	}
}
