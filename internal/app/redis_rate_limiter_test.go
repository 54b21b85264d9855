package app

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisPayoutRateLimiter_DisabledPolicyAdmitsEverything(t *testing.T) {
	cases := []struct {
		name   string
		limit  int
		window time.Duration
	}{
		{name: "zero limit", limit: 0, window: time.Minute},
		{name: "negative limit", limit: -1, window: time.Minute},
		{name: "zero window", limit: 5, window: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			limiter := NewRedisPayoutRateLimiter(nil, "", tc.limit, tc.window)
			allowed, retryAfter, err := limiter.Allow(context.Background(), "payout_request", "provider-1")
			if err != nil {
				t.Fatalf("expected nil error, got %v", err)
			}
			if !allowed || retryAfter != 0 {
				t.Fatalf("expected disabled limiter to admit, got allowed=%t retry=%d", allowed, retryAfter)
			}
		})
	}
}

func TestRedisPayoutRateLimiter_BlankSubjectIsNotCounted(t *testing.T) {
	// The client is never contacted for a blank subject, so no server is needed.
	limiter := NewRedisPayoutRateLimiter(redis.NewClient(&redis.Options{}), "taskilo:rate_limit", 5, time.Minute)
	allowed, _, err := limiter.Allow(context.Background(), "payout_request", "  ")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !allowed {
		t.Fatal("expected a blank subject to be admitted without counting")
	}
}
