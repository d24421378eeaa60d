package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
)

// RedisLocker implements Locker with Redlock. The key expiry is the TTL, so a
// crashed holder's lock disappears on its own once stale.
type RedisLocker struct {
	rs     *redsync.Redsync
	prefix string
}

func NewRedisLocker(client goredislib.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{rs: redsync.New(goredis.NewPool(client)), prefix: prefix}
}

func (r *RedisLocker) Acquire(ctx context.Context, jobName string, ttl time.Duration) (Handle, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := r.rs.NewMutex(r.prefix+jobName, redsync.WithExpiry(ttl), redsync.WithTries(1))
	if err := m.TryLockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var taken redsync.ErrTaken
		var takenPtr *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) || errors.As(err, &takenPtr) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("acquire redis lock %s: %w", jobName, err)
	}
	return &redisHandle{mutex: m}, nil
}

type redisHandle struct {
	mutex *redsync.Mutex
}

func (h *redisHandle) Release(ctx context.Context) error {
	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		var taken redsync.ErrTaken
		var takenPtr *redsync.ErrTaken
		if errors.As(err, &taken) || errors.As(err, &takenPtr) {
			return ErrNotHeld
		}
		return fmt.Errorf("release redis lock: %w", err)
	}
	if !ok {
		return ErrNotHeld
	}
	return nil
}
