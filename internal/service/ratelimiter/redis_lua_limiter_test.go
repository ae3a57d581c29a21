package ratelimiter

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisLuaLimiter(t *testing.T, defaultBucket BucketConfig) (*RedisLuaLimiter, func()) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedisLuaLimiter(rdb, defaultBucket, nil)
	return limiter, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func TestNewRedisLuaLimiter_NilClientDisabled(t *testing.T) {
	if l := NewRedisLuaLimiter(nil, BucketConfig{}, nil); l != nil {
		t.Fatalf("expected nil limiter for nil redis client, got %+v", l)
	}
}

func TestNewBucketConfigFromPerMinute(t *testing.T) {
	cfg := NewBucketConfigFromPerMinute(60)
	if cfg.Capacity != 60 {
		t.Fatalf("Capacity = %d, want 60", cfg.Capacity)
	}
	if cfg.RefillRate != 1.0 {
		t.Fatalf("RefillRate = %v, want 1.0", cfg.RefillRate)
	}

	zero := NewBucketConfigFromPerMinute(0)
	if zero.Capacity != 0 || zero.RefillRate != 0 {
		t.Fatalf("expected zero config for non-positive perMinute, got %+v", zero)
	}
}

func TestAllow_NilLimiterAlwaysAllows(t *testing.T) {
	var l *RedisLuaLimiter
	allowed, retryAfter, err := l.Allow(context.Background(), "k", 1)
	if !allowed || retryAfter != 0 || err != nil {
		t.Fatalf("nil limiter should allow unconditionally, got (%v, %v, %v)", allowed, retryAfter, err)
	}
}

func TestAllow_ZeroBucketConfigAllows(t *testing.T) {
	l, cleanup := newTestRedisLuaLimiter(t, BucketConfig{})
	defer cleanup()

	allowed, _, err := l.Allow(context.Background(), "no-bucket", 1)
	if err != nil || !allowed {
		t.Fatalf("expected key with no bucket config to pass through, got (%v, %v)", allowed, err)
	}
}

func TestAllow_ExhaustsBucketThenDenies(t *testing.T) {
	l, cleanup := newTestRedisLuaLimiter(t, BucketConfig{})
	defer cleanup()

	l.SetBucketConfig("burst", BucketConfig{Capacity: 2, RefillRate: 0.001})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		allowed, _, err := l.Allow(ctx, "burst", 1)
		if err != nil || !allowed {
			t.Fatalf("request %d: expected allow, got (%v, %v)", i, allowed, err)
		}
	}

	allowed, retryAfter, err := l.Allow(ctx, "burst", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("expected third request against a 2-token bucket to be denied")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retryAfter once denied, got %v", retryAfter)
	}
}

func TestAllow_UsesDefaultBucketWhenKeyUnconfigured(t *testing.T) {
	l, cleanup := newTestRedisLuaLimiter(t, BucketConfig{Capacity: 1, RefillRate: 0.001})
	defer cleanup()

	ctx := context.Background()
	allowed, _, err := l.Allow(ctx, "unconfigured", 1)
	if err != nil || !allowed {
		t.Fatalf("expected first request to consume the default bucket, got (%v, %v)", allowed, err)
	}
	allowed, _, err = l.Allow(ctx, "unconfigured", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("expected default bucket to be exhausted on second request")
	}
}

func TestAllow_NonPositiveCostNormalizesToOne(t *testing.T) {
	l, cleanup := newTestRedisLuaLimiter(t, BucketConfig{})
	defer cleanup()

	l.SetBucketConfig("zero-cost", BucketConfig{Capacity: 1, RefillRate: 1})

	ctx := context.Background()
	allowed, _, err := l.Allow(ctx, "zero-cost", 0)
	if err != nil || !allowed {
		t.Fatalf("expected non-positive cost request to be allowed, got (%v, %v)", allowed, err)
	}

	val, err := l.redis.HGet(ctx, "rate:zero-cost", "tokens").Result()
	if err != nil {
		t.Fatalf("failed to read tokens from redis: %v", err)
	}
	tokens, err := strconv.ParseFloat(val, 64)
	if err != nil {
		t.Fatalf("failed to parse tokens value %q: %v", val, err)
	}
	if tokens != 0 {
		t.Fatalf("expected tokens=0 after non-positive cost normalized to 1, got %v", tokens)
	}
}

func TestAllow_ScriptError_FailOpen(t *testing.T) {
	l, cleanup := newTestRedisLuaLimiter(t, BucketConfig{})
	cleanup()

	l.SetBucketConfig("after-close", BucketConfig{Capacity: 1, RefillRate: 1})

	allowed, retryAfter, err := l.Allow(context.Background(), "after-close", 1)
	if err == nil {
		t.Fatalf("expected error once redis is closed")
	}
	if !allowed {
		t.Fatalf("expected limiter to fail open on script error")
	}
	if retryAfter != 0 {
		t.Fatalf("expected zero retryAfter on script error, got %v", retryAfter)
	}
}

func TestAllow_UnexpectedScriptResult_FailOpen(t *testing.T) {
	l, cleanup := newTestRedisLuaLimiter(t, BucketConfig{})
	defer cleanup()

	l.SetBucketConfig("bad-script", BucketConfig{Capacity: 1, RefillRate: 1})
	l.script = redis.NewScript("return 1")

	allowed, retryAfter, err := l.Allow(context.Background(), "bad-script", 1)
	if err != nil {
		t.Fatalf("expected no error for unexpected script result, got %v", err)
	}
	if !allowed {
		t.Fatalf("expected limiter to fail open on unexpected script result")
	}
	if retryAfter != 0 {
		t.Fatalf("expected zero retryAfter on unexpected script result, got %v", retryAfter)
	}
}

func TestRedisLuaLimiter_SetBucketConfigNilSafe(_ *testing.T) {
	var l *RedisLuaLimiter
	l.SetBucketConfig("key", BucketConfig{Capacity: 1, RefillRate: 1})
}

func TestToInt64AndToFloat64(t *testing.T) {
	if v := toInt64(int64(5)); v != 5 {
		t.Fatalf("toInt64(int64) = %d, want 5", v)
	}
	if v := toInt64(3); v != 3 {
		t.Fatalf("toInt64(int) = %d, want 3", v)
	}
	if v := toInt64(7.9); v != 7 {
		t.Fatalf("toInt64(float64) = %d, want 7", v)
	}
	if v := toInt64("not-a-number"); v != 0 {
		t.Fatalf("toInt64(string) = %d, want 0", v)
	}

	if v := toFloat64(float64(1.5)); v != 1.5 {
		t.Fatalf("toFloat64(float64) = %v, want 1.5", v)
	}
	if v := toFloat64(int64(2)); v != 2 {
		t.Fatalf("toFloat64(int64) = %v, want 2", v)
	}
	if v := toFloat64(3); v != 3 {
		t.Fatalf("toFloat64(int) = %v, want 3", v)
	}
	if v := toFloat64("nan"); !isNaN(v) {
		t.Fatalf("toFloat64(string) should return NaN, got %v", v)
	}
}

func isNaN(f float64) bool {
	return f != f
}
