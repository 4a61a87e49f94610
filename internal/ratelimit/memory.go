package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// bucket is a single token bucket for one rate-limit key.
type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// MemoryConfig configures a MemoryLimiter.
type MemoryConfig struct {
	// Rate is sustained tokens added per second per key.
	Rate float64
	// Burst is the bucket capacity (maximum tokens).
	Burst int
	// MaxKeys bounds the bucket table. Inserting a key beyond this limit
	// first evicts the oldest ~10% of buckets by last update time, which
	// bounds memory under key-enumeration abuse.
	MaxKeys int
	// SweepInterval is how often stale buckets are swept. Zero disables
	// the sweeper (tests drive eviction directly).
	SweepInterval time.Duration
	// StaleAfter is how long a bucket may sit untouched before the sweep
	// removes it.
	StaleAfter time.Duration
}

// MemoryLimiter implements Limiter using an in-memory token bucket per key.
//
// Each key gets an independent bucket refilled lazily from elapsed wall time.
// All mutation of the table and of individual buckets happens under one
// mutex, so admission decisions are linearized per the table lock.
type MemoryLimiter struct {
	cfg MemoryConfig
	now func() time.Time // injectable for tests

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter. Call Close to stop the
// background sweeper.
func NewMemoryLimiter(cfg MemoryConfig) *MemoryLimiter {
	m := &MemoryLimiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		go m.sweepLoop()
	}
	return m
}

// Allow consumes one token from the bucket for key.
func (m *MemoryLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	return m.AllowN(ctx, key, 1)
}

// AllowN consumes n tokens from the bucket for key. Returns the admission
// decision and, when denied, how long until n tokens will have refilled.
func (m *MemoryLimiter) AllowN(_ context.Context, key string, n float64) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		if m.cfg.MaxKeys > 0 && len(m.buckets) >= m.cfg.MaxKeys {
			m.evictOldestLocked()
		}
		b = &bucket{tokens: float64(m.cfg.Burst), lastUpdate: now}
		m.buckets[key] = b
	} else {
		elapsed := now.Sub(b.lastUpdate).Seconds()
		b.tokens += elapsed * m.cfg.Rate
		if b.tokens > float64(m.cfg.Burst) {
			b.tokens = float64(m.cfg.Burst)
		}
		b.lastUpdate = now
	}

	if b.tokens < n {
		wait := time.Duration((n - b.tokens) / m.cfg.Rate * float64(time.Second))
		return false, wait, nil
	}
	b.tokens -= n
	return true, 0, nil
}

// Len reports the current bucket table size. Exposed for health reporting.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Close stops the sweeper goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.cfg.StaleAfter)
	for key, b := range m.buckets {
		if b.lastUpdate.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}

// evictOldestLocked removes the oldest ~10% of buckets by last update time.
// Caller holds m.mu.
func (m *MemoryLimiter) evictOldestLocked() {
	n := len(m.buckets) / 10
	if n < 1 {
		n = 1
	}

	type aged struct {
		key  string
		last time.Time
	}
	all := make([]aged, 0, len(m.buckets))
	for key, b := range m.buckets {
		all = append(all, aged{key, b.lastUpdate})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].last.Before(all[j].last) })

	for _, a := range all[:n] {
		delete(m.buckets, a.key)
	}
}
