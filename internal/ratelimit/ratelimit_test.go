package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLimiter(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewLimiter(client, 2, 1, time.Minute)

	d, err := limiter.Allow(ctx, "caller-a")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", d.Allowed, err)
	}
	d, _ = limiter.Allow(ctx, "caller-a")
	if !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	d, _ = limiter.Allow(ctx, "caller-a")
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// Scopes are independent buckets.
	d, _ = limiter.Allow(ctx, "caller-b")
	if !d.Allowed {
		t.Fatalf("expected separate scope to have its own bucket")
	}

	// Note: refill cannot be tested with miniredis.FastForward() because the
	// Lua script receives time from Go's clock, not Redis's internal clock.
}
