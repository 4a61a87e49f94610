package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestLimiter(rate float64, burst int) *MemoryLimiter {
	return NewMemoryLimiter(MemoryConfig{
		Rate:       rate,
		Burst:      burst,
		MaxKeys:    100,
		StaleAfter: 10 * time.Minute,
	})
}

func closeLimiter(t *testing.T, m *MemoryLimiter) {
	t.Helper()
	if err := m.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

func TestMemoryLimiterAllowUnderBurst(t *testing.T) {
	m := newTestLimiter(10, 5)
	defer closeLimiter(t, m)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ok, _, err := m.Allow(ctx, "k1")
		if err != nil {
			t.Fatalf("Allow returned error on request %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("expected Allow to return true for request %d (within burst)", i)
		}
	}
}

func TestMemoryLimiterDenyAfterBurst(t *testing.T) {
	m := newTestLimiter(10, 20)
	defer closeLimiter(t, m)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		ok, _, err := m.Allow(ctx, "k1")
		if err != nil {
			t.Fatalf("Allow error: %v", err)
		}
		if !ok {
			t.Fatalf("expected Allow=true for request %d", i)
		}
	}

	ok, retryAfter, err := m.Allow(ctx, "k1")
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if ok {
		t.Fatal("expected Allow=false after burst exhausted")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retry-after hint, got %v", retryAfter)
	}
}

func TestMemoryLimiterRetryAfterIsHonest(t *testing.T) {
	m := newTestLimiter(1000, 2) // 1 token per ms
	defer closeLimiter(t, m)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _, _ = m.Allow(ctx, "k1")
	}
	ok, retryAfter, _ := m.Allow(ctx, "k1")
	if ok {
		t.Fatal("should be denied immediately after exhausting burst")
	}

	// Waiting the hinted duration (plus scheduler slack) must admit the
	// next request.
	time.Sleep(retryAfter + 5*time.Millisecond)

	ok, _, err := m.Allow(ctx, "k1")
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if !ok {
		t.Fatal("expected Allow=true after waiting the retry-after hint")
	}
}

func TestMemoryLimiterTokensNeverExceedCapacity(t *testing.T) {
	m := newTestLimiter(1000, 3)
	defer closeLimiter(t, m)

	ctx := context.Background()
	// Create the bucket, let refill run well past capacity, then verify
	// only `burst` tokens are spendable.
	_, _, _ = m.Allow(ctx, "k1")
	base := m.now()
	m.now = func() time.Time { return base.Add(time.Hour) }

	allowed := 0
	for i := 0; i < 10; i++ {
		if ok, _, _ := m.Allow(ctx, "k1"); ok {
			allowed++
		}
	}
	if allowed != 3 {
		t.Fatalf("expected exactly 3 allowed after long idle (clamped to capacity), got %d", allowed)
	}

	// And tokens never go negative: a denied call must not dip below zero,
	// so an immediate follow-up at +1s (1000 tokens refilled, clamped to 3)
	// admits exactly 3 again.
	m.now = func() time.Time { return base.Add(time.Hour + time.Second) }
	allowed = 0
	for i := 0; i < 10; i++ {
		if ok, _, _ := m.Allow(ctx, "k1"); ok {
			allowed++
		}
	}
	if allowed != 3 {
		t.Fatalf("expected 3 allowed after refill, got %d", allowed)
	}
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	m := newTestLimiter(1, 1)
	defer closeLimiter(t, m)

	ctx := context.Background()
	if ok, _, _ := m.Allow(ctx, "a"); !ok {
		t.Fatal("first request for key a should be allowed")
	}
	if ok, _, _ := m.Allow(ctx, "a"); ok {
		t.Fatal("second request for key a should be denied")
	}
	if ok, _, _ := m.Allow(ctx, "b"); !ok {
		t.Fatal("key b has its own bucket and should be allowed")
	}
}

func TestMemoryLimiterAllowNCost(t *testing.T) {
	m := newTestLimiter(10, 10)
	defer closeLimiter(t, m)

	ctx := context.Background()
	if ok, _, _ := m.AllowN(ctx, "k1", 8); !ok {
		t.Fatal("cost-8 request against a full 10-token bucket should be allowed")
	}
	if ok, _, _ := m.AllowN(ctx, "k1", 8); ok {
		t.Fatal("second cost-8 request should be denied with only 2 tokens left")
	}
	if ok, _, _ := m.AllowN(ctx, "k1", 2); !ok {
		t.Fatal("cost-2 request should still fit")
	}
}

func TestMemoryLimiterMaxKeysEviction(t *testing.T) {
	m := NewMemoryLimiter(MemoryConfig{
		Rate:       1,
		Burst:      1,
		MaxKeys:    10,
		StaleAfter: time.Hour,
	})
	defer closeLimiter(t, m)

	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 10; i++ {
		// Stagger last-update times so eviction order is deterministic.
		tick := base.Add(time.Duration(i) * time.Second)
		m.now = func() time.Time { return tick }
		_, _, _ = m.Allow(ctx, fmt.Sprintf("key-%d", i))
	}
	if got := m.Len(); got != 10 {
		t.Fatalf("expected 10 buckets, got %d", got)
	}

	// The 11th key forces eviction of the oldest 10% (1 bucket) first.
	m.now = func() time.Time { return base.Add(time.Minute) }
	_, _, _ = m.Allow(ctx, "key-new")

	if got := m.Len(); got != 10 {
		t.Fatalf("expected table to stay at 10 buckets after forced eviction, got %d", got)
	}
	m.mu.Lock()
	_, oldestSurvives := m.buckets["key-0"]
	_, newExists := m.buckets["key-new"]
	m.mu.Unlock()
	if oldestSurvives {
		t.Fatal("oldest bucket should have been evicted")
	}
	if !newExists {
		t.Fatal("new key should have been inserted")
	}
}

func TestMemoryLimiterStaleSweep(t *testing.T) {
	m := newTestLimiter(1, 1)
	defer closeLimiter(t, m)

	ctx := context.Background()
	_, _, _ = m.Allow(ctx, "old")

	base := time.Now()
	m.now = func() time.Time { return base.Add(20 * time.Minute) }
	_, _, _ = m.Allow(ctx, "fresh")

	m.evictStale()

	m.mu.Lock()
	_, oldExists := m.buckets["old"]
	_, freshExists := m.buckets["fresh"]
	m.mu.Unlock()
	if oldExists {
		t.Fatal("stale bucket should have been swept")
	}
	if !freshExists {
		t.Fatal("fresh bucket should survive the sweep")
	}
}

func TestMemoryLimiterConcurrentAccess(t *testing.T) {
	m := newTestLimiter(1000, 50)
	defer closeLimiter(t, m)

	ctx := context.Background()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", g%4)
			for i := 0; i < 100; i++ {
				_, _, _ = m.Allow(ctx, key)
			}
		}(g)
	}
	wg.Wait()
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var n NoopLimiter
	for i := 0; i < 3; i++ {
		ok, retryAfter, err := n.Allow(context.Background(), "any")
		if err != nil || !ok || retryAfter != 0 {
			t.Fatalf("NoopLimiter.Allow = (%v, %v, %v), want (true, 0, nil)", ok, retryAfter, err)
		}
	}
	if err := n.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}
