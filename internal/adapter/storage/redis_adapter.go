package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	rateKeyPrefix    = "rate:"
	defaultSweepLock  = "sweep:leader"
)

// Counts one hit in the current window; the first hit starts the window.
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local current = redis.call('INCR', key)
if current == 1 then
	redis.call('PEXPIRE', key, window)
end

if current > limit then
	return 0
end

return 1
`)

// Deletes the lock only while the caller still owns it.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end

return 0
`)

type RedisAdapter struct {
	client redis.UniversalClient
}

func NewRedisAdapter(client redis.UniversalClient) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ClearIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisAdapter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	result, err := fixedWindowScript.Run(ctx, r.client,
		[]string{rateKeyPrefix + key}, limit, window.Milliseconds()).Int()
	if err != nil {
		return false, err
	}

	return result == 1, nil
}

// RedisSweepLock elects one sweeper per tick across instances.
type RedisSweepLock struct {
	client redis.UniversalClient
	key    string
}

func NewRedisSweepLock(client redis.UniversalClient, key string) *RedisSweepLock {
	if key == "" {
		key = defaultSweepLock
	}
	return &RedisSweepLock{client: client, key: key}
}

func (l *RedisSweepLock) Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, holder, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	// A holder that reacquires before its lease ends keeps the lock.
	current, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if current != holder {
		return false, nil
	}
	return true, l.client.PExpire(ctx, l.key, ttl).Err()
}

func (l *RedisSweepLock) Release(ctx context.Context, holder string) error {
	return releaseLockScript.Run(ctx, l.client, []string{l.key}, holder).Err()
}
