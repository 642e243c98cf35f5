package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"autograder/internal/common/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisCacheBasicOps(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	if got, err := c.Get(ctx, "missing"); err != nil || got != "" {
		t.Fatalf("expected empty miss, got %q err=%v", got, err)
	}
	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if got, _ := c.Get(ctx, "k"); got != "v" {
		t.Fatalf("unexpected value: %q", got)
	}
	ok, err := c.SetNX(ctx, "k", "other", time.Minute)
	if err != nil || ok {
		t.Fatalf("setnx on existing key must fail, ok=%v err=%v", ok, err)
	}
	n, err := c.Incr(ctx, "counter")
	if err != nil || n != 1 {
		t.Fatalf("unexpected incr: %d err=%v", n, err)
	}
	if err := c.Expire(ctx, "counter", time.Second); err != nil {
		t.Fatalf("expire failed: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if got, _ := c.Get(ctx, "counter"); got != "" {
		t.Fatalf("expected counter to expire, got %q", got)
	}
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("del failed: %v", err)
	}
	if got, _ := c.Get(ctx, "k"); got != "" {
		t.Fatalf("expected key deleted, got %q", got)
	}
}

func TestGetWithCachedCachesValuesAndMisses(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	calls := 0
	load := func(val string) func(context.Context) (string, error) {
		return func(context.Context) (string, error) {
			calls++
			return val, nil
		}
	}
	get := func(key string, fn func(context.Context) (string, error)) (string, error) {
		return cache.GetWithCached[string](ctx, c, key, time.Minute, time.Minute,
			func(s string) bool { return s == "" },
			func(s string) bool { return s != "draft" },
			func(s string) string { return s },
			func(s string) (string, error) { return s, nil },
			fn,
		)
	}

	for i := 0; i < 3; i++ {
		got, err := get("hit", load("value"))
		if err != nil || got != "value" {
			t.Fatalf("unexpected result %q err=%v", got, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected loader called once, got %d", calls)
	}

	calls = 0
	for i := 0; i < 2; i++ {
		got, err := get("miss", load(""))
		if err != nil || got != "" {
			t.Fatalf("unexpected result %q err=%v", got, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected empty value cached after first load, got %d loads", calls)
	}

	calls = 0
	for i := 0; i < 2; i++ {
		if got, err := get("uncacheable", load("draft")); err != nil || got != "draft" {
			t.Fatalf("unexpected result %q err=%v", got, err)
		}
	}
	if calls != 2 {
		t.Fatalf("uncacheable value must be reloaded, got %d loads", calls)
	}

	_, err := get("err", func(context.Context) (string, error) { return "", errors.New("boom") })
	if err == nil {
		t.Fatalf("expected loader error")
	}
}

func TestJitterTTLStaysWithinTenPercent(t *testing.T) {
	ttl := 10 * time.Minute
	for i := 0; i < 50; i++ {
		got := cache.JitterTTL(ttl)
		if got > ttl || got < ttl-ttl/10 {
			t.Fatalf("jittered ttl out of range: %v", got)
		}
	}
	if cache.JitterTTL(0) != 0 {
		t.Fatalf("zero ttl must stay zero")
	}
}
