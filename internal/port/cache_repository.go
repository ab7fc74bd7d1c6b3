package port

import (
	"context"
	"time"
)

type CacheRepository interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// ClearIdempotency forgets a key so the operation can be retried.
	ClearIdempotency(ctx context.Context, key string) error

	// Allow counts one hit against key inside a fixed window and reports
	// whether the caller is still under limit.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// SweepLock elects a single sweeper across process instances per tick.
type SweepLock interface {
	// Acquire returns true when this holder owns the lock for ttl.
	Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error)

	// Release drops the lock if holder still owns it.
	Release(ctx context.Context, holder string) error
}
