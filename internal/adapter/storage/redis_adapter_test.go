package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

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
	return client
}

func TestSetIdempotency(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	key := "test:idem:" + t.Name()
	client.Del(ctx, key)

	first, err := adapter.SetIdempotency(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first {
		t.Error("first set should succeed")
	}

	second, err := adapter.SetIdempotency(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second {
		t.Error("second set should report duplicate")
	}

	if err := adapter.ClearIdempotency(ctx, key); err != nil {
		t.Fatalf("clear: %v", err)
	}
	again, _ := adapter.SetIdempotency(ctx, key, time.Minute)
	if !again {
		t.Error("set after clear should succeed")
	}
}

func TestAllow_FixedWindow(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	key := "test:" + t.Name()
	client.Del(ctx, rateKeyPrefix+key)

	for i := 0; i < 3; i++ {
		ok, err := adapter.Allow(ctx, key, 3, time.Minute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Fatalf("hit %d should be allowed", i+1)
		}
	}

	ok, err := adapter.Allow(ctx, key, 3, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("fourth hit should be limited")
	}

	ttl := client.PTTL(ctx, rateKeyPrefix+key).Val()
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("expected window expiry within a minute, got %v", ttl)
	}
}

func TestAllow_Concurrent(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	key := "test:" + t.Name()
	client.Del(ctx, rateKeyPrefix+key)

	var wg sync.WaitGroup
	var allowed int32

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := adapter.Allow(ctx, key, 10, time.Minute)
			if ok {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}

	wg.Wait()

	if allowed != 10 {
		t.Errorf("expected 10 allowed hits, got %d", allowed)
	}
}

func TestRedisSweepLock(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	key := "test:sweep:" + t.Name()
	client.Del(ctx, key)
	lock := NewRedisSweepLock(client, key)

	ok, err := lock.Acquire(ctx, "node-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("node-a acquire = %v, %v", ok, err)
	}

	ok, err = lock.Acquire(ctx, "node-b", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("node-b should not acquire a held lock")
	}

	ok, _ = lock.Acquire(ctx, "node-a", time.Minute)
	if !ok {
		t.Error("holder should be able to renew")
	}

	if err := lock.Release(ctx, "node-b"); err != nil {
		t.Fatalf("release by non-holder: %v", err)
	}
	if client.Exists(ctx, key).Val() != 1 {
		t.Error("non-holder release must not drop the lock")
	}

	if err := lock.Release(ctx, "node-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, _ = lock.Acquire(ctx, "node-b", time.Minute)
	if !ok {
		t.Error("node-b should acquire after release")
	}
	client.Del(ctx, key)
}
