package stores

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"github.com/go-redis/redis"
	"zaplink.io/zap/common/logging"
	pe "zaplink.io/zap/errors"
)

const keyTmplAttempts = `attempts.%s`

// KEYS[1] attempt counter, ARGV[1] window in milliseconds
// counts the failure and opens the window on the first one, so no counter outlives its window
var failScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisAttemptTracker is an AttemptTracker whose counters expire Window after the first failure.
type RedisAttemptTracker struct {
	DB     *redis.Client
	Max    int
	Window time.Duration
}

func (t *RedisAttemptTracker) key(k string) string {
	return fmt.Sprintf(keyTmplAttempts, k)
}

func (t *RedisAttemptTracker) Blocked(ctx context.Context, key string) (bool, *pe.Err) {
	n, err := t.DB.WithContext(ctx).Get(t.key(key)).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		logging.WithFuncName().WithError(err).Error("error reading password attempts")
		return false, pe.NewStorageUnavailable("error reading password attempts").WithCause(err)
	}
	return n >= int64(t.Max), nil
}

func (t *RedisAttemptTracker) Fail(ctx context.Context, key string) *pe.Err {
	window := t.Window.Milliseconds()
	if err := failScript.Run(t.DB.WithContext(ctx), []string{t.key(key)}, window).Err(); err != nil {
		logging.WithFuncName().WithError(err).Error("error counting password attempt")
		return pe.NewStorageUnavailable("error counting password attempt").WithCause(err)
	}
	return nil
}

func (t *RedisAttemptTracker) Clear(ctx context.Context, key string) *pe.Err {
	if err := t.DB.WithContext(ctx).Del(t.key(key)).Err(); err != nil {
		logging.WithFuncName().WithError(err).Error("error clearing password attempts")
		return pe.NewStorageUnavailable("error clearing password attempts").WithCause(err)
	}
	return nil
}

// LocalAttemptTracker is an in-process AttemptTracker for deployments without Redis. Counters live in
// a bounded LRU cache.
type LocalAttemptTracker struct {
	Max    int
	Window time.Duration
	mu     sync.Mutex
	cache  gcache.Cache
}

type attemptEntry struct {
	count int
	// window start; the cache entry expires Window after it
	since time.Time
}

func NewLocalAttemptTracker(size, max int, window time.Duration) *LocalAttemptTracker {
	return &LocalAttemptTracker{
		Max:    max,
		Window: window,
		cache:  gcache.New(size).LRU().Build(),
	}
}

func (t *LocalAttemptTracker) get(key string) (*attemptEntry, *pe.Err) {
	v, err := t.cache.Get(key)
	if err == gcache.KeyNotFoundError {
		return nil, nil
	}
	if err != nil {
		return nil, pe.NewServiceFailure("error reading password attempts").WithCause(err)
	}
	e := v.(attemptEntry)
	return &e, nil
}

func (t *LocalAttemptTracker) Blocked(_ context.Context, key string) (bool, *pe.Err) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.get(key)
	if err != nil || e == nil {
		return false, err
	}
	return e.count >= t.Max, nil
}

func (t *LocalAttemptTracker) Fail(_ context.Context, key string) *pe.Err {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.get(key)
	if err != nil {
		return err
	}
	now := time.Now()
	if e == nil {
		e = &attemptEntry{since: now}
	}
	e.count++
	ttl := t.Window - now.Sub(e.since)
	if ttl <= 0 {
		return nil
	}
	if err := t.cache.SetWithExpire(key, *e, ttl); err != nil {
		return pe.NewServiceFailure("error counting password attempt").WithCause(err)
	}
	return nil
}

func (t *LocalAttemptTracker) Clear(_ context.Context, key string) *pe.Err {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Remove(key)
	return nil
}
