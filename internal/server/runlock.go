package server

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunLock serializes pipeline runs per session with a redis SetNX lock, so a
// second deep-research request for the same session is rejected instead of
// racing the first. A nil client disables locking (single-instance dev).
type RunLock struct {
	Rdb *redis.Client
	TTL time.Duration
}

// Acquire takes the per-session lock. On success the returned release
// function must be called when the run finishes.
func (l *RunLock) Acquire(ctx context.Context, sessionID string) (release func(), ok bool, err error) {
	if l == nil || l.Rdb == nil {
		return func() {}, true, nil
	}
	ttl := l.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	key := "research:lock:" + sessionID
	ok, err = l.Rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		l.Rdb.Del(context.Background(), key)
	}, true, nil
}
