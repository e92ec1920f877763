package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestOrderRateLimiterAllowOncePerWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	limiter := NewOrderRateLimiter(rdb)
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "order:create:7", 10*time.Second)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !allowed {
		t.Fatalf("first request must be allowed")
	}

	allowed, err = limiter.Allow(ctx, "order:create:7", 10*time.Second)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatalf("second request inside the window must be blocked")
	}

	// 不影响其他 key
	allowed, err = limiter.Allow(ctx, "order:create:8", 10*time.Second)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !allowed {
		t.Fatalf("different key must be allowed")
	}
}

func TestOrderRateLimiterResetFreesWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	limiter := NewOrderRateLimiter(rdb)
	ctx := context.Background()

	if _, err := limiter.Allow(ctx, "order:create:7", 10*time.Second); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if err := limiter.Reset(ctx, "order:create:7"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	allowed, err := limiter.Allow(ctx, "order:create:7", 10*time.Second)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !allowed {
		t.Fatalf("request after reset must be allowed")
	}
}

func TestOrderRateLimiterWindowExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	limiter := NewOrderRateLimiter(rdb)
	ctx := context.Background()

	if _, err := limiter.Allow(ctx, "order:create:7", time.Second); err != nil {
		t.Fatalf("allow: %v", err)
	}

	mr.FastForward(2 * time.Second)

	allowed, err := limiter.Allow(ctx, "order:create:7", time.Second)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !allowed {
		t.Fatalf("request after window expiry must be allowed")
	}
}
