package portal

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryLimiter_Window(t *testing.T) {
	l := NewMemoryLimiter(2, time.Minute)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _, _ := l.Allow(ctx, "10.0.0.1"); !ok {
			t.Fatalf("attempt %d rejected", i+1)
		}
	}
	ok, retry, _ := l.Allow(ctx, "10.0.0.1")
	if ok {
		t.Fatal("third attempt allowed")
	}
	if retry != time.Minute {
		t.Errorf("retry after = %v, want 1m", retry)
	}
	if ok, _, _ := l.Allow(ctx, "10.0.0.2"); !ok {
		t.Error("other key must have its own window")
	}

	now = now.Add(time.Minute)
	if ok, _, _ := l.Allow(ctx, "10.0.0.1"); !ok {
		t.Error("window did not reopen")
	}
}

func TestMemoryLimiter_Disabled(t *testing.T) {
	l := NewMemoryLimiter(0, time.Minute)
	for i := 0; i < 100; i++ {
		if ok, _, _ := l.Allow(context.Background(), "k"); !ok {
			t.Fatal("zero limit must not reject")
		}
	}
}

func TestRedisLimiter(t *testing.T) {
	if os.Getenv("REDIS_ADDR") == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := NewRedisClient(LoadConfig())
	if rdb == nil {
		t.Skip("redis unreachable")
	}
	defer rdb.Close()

	l := NewRedisLimiter(rdb, 2, time.Minute)
	ctx := context.Background()
	key := "test:" + uuid.NewString()
	defer rdb.Del(ctx, l.prefix+key)

	for i := 0; i < 2; i++ {
		ok, _, err := l.Allow(ctx, key)
		if err != nil || !ok {
			t.Fatalf("attempt %d = %v, %v", i+1, ok, err)
		}
	}
	ok, retry, err := l.Allow(ctx, key)
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if ok || retry <= 0 || retry > time.Minute {
		t.Errorf("third attempt = %v retry %v", ok, retry)
	}
}
