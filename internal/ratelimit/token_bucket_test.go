package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bucket := NewTokenBucket(client, capacity, refill, time.Minute).WithClock(func() time.Time { return now })
	return bucket, &now
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	allowed, _, err := bucket.Allow(ctx, "203.0.113.7")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "203.0.113.7")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "203.0.113.7")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
	allowed, _, _ = bucket.Allow(ctx, "198.51.100.1")
	if !allowed {
		t.Fatalf("expected other key to have its own bucket")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket, now := newBucket(t, 1, 1)

	if allowed, _, _ := bucket.Allow(ctx, "k"); !allowed {
		t.Fatalf("expected first token allowed")
	}
	if allowed, _, _ := bucket.Allow(ctx, "k"); allowed {
		t.Fatalf("expected empty bucket")
	}
	*now = now.Add(1500 * time.Millisecond)
	if allowed, _, err := bucket.Allow(ctx, "k"); err != nil || !allowed {
		t.Fatalf("expected refilled token got allowed=%v err=%v", allowed, err)
	}
}
