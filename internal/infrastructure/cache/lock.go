package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lock only when the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Lock is a TTL-bounded distributed mutex. The value of the lock key encodes
// the holder; release is a compare-and-delete so a worker that lost its TTL
// cannot delete a successor's lock.
type Lock struct {
	client *redis.Client
	logger *zap.Logger
}

// NewLock creates a distributed lock backed by the given client.
func NewLock(client *redis.Client, logger *zap.Logger) *Lock {
	return &Lock{client: client, logger: logger}
}

// Acquire attempts to take the lock. It returns false without error when the
// lock is already held by someone else.
func (l *Lock) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		l.logger.Error("lock acquire failed", zap.String("key", key), zap.Error(err))
		return false, fmt.Errorf("lock acquire failed: %w", err)
	}
	return ok, nil
}

// Release drops the lock if holder still owns it. Returns false when the lock
// was not held by this holder (expired or taken over).
func (l *Lock) Release(ctx context.Context, key, holder string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{key}, holder).Int()
	if err != nil {
		l.logger.Error("lock release failed", zap.String("key", key), zap.Error(err))
		return false, fmt.Errorf("lock release failed: %w", err)
	}
	if n == 0 {
		l.logger.Warn("lock released by someone else",
			zap.String("key", key),
			zap.String("holder", holder))
		return false, nil
	}
	return true, nil
}
