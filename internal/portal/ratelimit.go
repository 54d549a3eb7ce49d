package portal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter admits or rejects one attempt for key. A rejected attempt reports
// how long until the window reopens.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// MemoryLimiter is a fixed-window limiter for a single process.
type MemoryLimiter struct {
	mu     sync.Mutex
	perKey map[string]*window
	limit  int
	window time.Duration
	now    func() time.Time
}

type window struct {
	count int
	start time.Time
}

func NewMemoryLimiter(limit int, win time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		perKey: map[string]*window{},
		limit:  limit,
		window: win,
		now:    time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	if l == nil || l.limit <= 0 {
		return true, 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	state, ok := l.perKey[key]
	if !ok || now.Sub(state.start) >= l.window {
		state = &window{start: now}
		l.perKey[key] = state
	}
	if state.count >= l.limit {
		return false, state.start.Add(l.window).Sub(now), nil
	}
	state.count++
	return true, 0, nil
}

// RedisLimiter shares a fixed-window counter across instances.
type RedisLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	prefix string
}

func NewRedisLimiter(rdb *redis.Client, limit int, win time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: limit, window: win, prefix: "ehr:ratelimit:"}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if l.limit <= 0 {
		return true, 0, nil
	}
	k := l.prefix + key
	n, err := l.rdb.Incr(ctx, k).Result()
	if err != nil {
		return true, 0, fmt.Errorf("rate limit incr: %w", err)
	}
	if n == 1 {
		if err := l.rdb.Expire(ctx, k, l.window).Err(); err != nil {
			return true, 0, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	if n <= int64(l.limit) {
		return true, 0, nil
	}
	ttl, err := l.rdb.TTL(ctx, k).Result()
	if err != nil || ttl < 0 {
		ttl = l.window
	}
	return false, ttl, nil
}

// NewRedisClient connects to addr and pings it. It returns nil when Redis
// is unreachable so callers can fall back to the in-memory limiter.
func NewRedisClient(cfg Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil
	}
	return client
}
