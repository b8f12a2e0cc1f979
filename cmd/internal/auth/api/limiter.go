package authapi

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// FailureLimiter counts failed attempts per key inside a fixed window.
type FailureLimiter interface {
	// Blocked reports whether key reached max failures and, if so, how long until the window resets.
	Blocked(ctx context.Context, key string, max int) (bool, time.Duration, error)
	// Fail records one failure; the first failure opens a window of the given length.
	Fail(ctx context.Context, key string, window time.Duration) error
	Reset(ctx context.Context, key string) error
}

// MemoryLimiter is a process-local FailureLimiter.
type MemoryLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]failureWindow
}

type failureWindow struct {
	count int
	until time.Time
}

// NewMemoryLimiter returns an empty MemoryLimiter. now may be nil.
func NewMemoryLimiter(now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{now: now, windows: make(map[string]failureWindow)}
}

func (l *MemoryLimiter) Blocked(_ context.Context, key string, max int) (bool, time.Duration, error) {
	if max <= 0 {
		return false, 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok {
		return false, 0, nil
	}
	if !now.Before(w.until) {
		delete(l.windows, key)
		return false, 0, nil
	}
	if w.count >= max {
		return true, w.until.Sub(now), nil
	}
	return false, 0, nil
}

func (l *MemoryLimiter) Fail(_ context.Context, key string, window time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.until) {
		w = failureWindow{until: now.Add(window)}
	}
	w.count++
	l.windows[key] = w
	return nil
}

func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.windows, key)
	l.mu.Unlock()
	return nil
}

// RedisLimiter shares failure counters between instances.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLimiter returns a limiter storing counters under prefix.
func NewRedisLimiter(client redis.UniversalClient, prefix string) (*RedisLimiter, error) {
	if client == nil {
		return nil, errors.New("authapi: nil redis client")
	}
	if prefix == "" {
		prefix = "molar:auth:fail:"
	}
	return &RedisLimiter{client: client, prefix: prefix}, nil
}

func (l *RedisLimiter) key(k string) string { return l.prefix + k }

func (l *RedisLimiter) Blocked(ctx context.Context, key string, max int) (bool, time.Duration, error) {
	if max <= 0 {
		return false, 0, nil
	}
	raw, err := l.client.Get(ctx, l.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < max {
		return false, 0, nil
	}
	ttl, err := l.client.PTTL(ctx, l.key(key)).Result()
	if err != nil {
		return false, 0, err
	}
	if ttl < 0 {
		ttl = 0
	}
	return true, ttl, nil
}

func (l *RedisLimiter) Fail(ctx context.Context, key string, window time.Duration) error {
	k := l.key(key)
	n, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return err
	}
	if n == 1 {
		return l.client.PExpire(ctx, k, window).Err()
	}
	return nil
}

func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.key(key)).Err()
}
