// Package ratelimit provides per-key admission control for the HTTP layer.
//
// The in-memory token bucket (MemoryLimiter) is the only shipped
// implementation; the Limiter interface is the contract so deployments that
// need cross-instance coordination can substitute their own.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow consumes one token for key. When denied, retryAfter is the
	// minimum wait before a single-token request could succeed.
	// The key is opaque — callers construct it (e.g. an API key or client IP).
	// An error signals a limiter malfunction; callers should treat errors
	// as fail-open (permit the request) rather than blocking traffic.
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)

	// AllowN is Allow with a request cost of n tokens.
	AllowN(ctx context.Context, key string, n float64) (allowed bool, retryAfter time.Duration, err error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	return true, 0, nil
}

// AllowN always returns true.
func (NoopLimiter) AllowN(context.Context, string, float64) (bool, time.Duration, error) {
	return true, 0, nil
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
