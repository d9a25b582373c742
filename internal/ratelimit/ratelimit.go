// Package ratelimit rate-limits the coordinator's HTTP RPC surface
// per authenticated caller or, for unauthenticated requests, per IP.
// Backend abstracts the token bucket store so the distributed Redis
// implementation (RedisBackend) can degrade to an in-process bucket
// (FallbackBackend/LocalTokenBucketBackend) if Redis is unreachable,
// rather than failing every request open or closed outright.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Backend performs one token bucket check: maxTokens is the bucket's
// burst size, refillRate is tokens added per second, requested is how
// many tokens this check consumes.
type Backend interface {
	CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (allowed bool, remaining int, err error)
}

// Config is one bucket's shape.
type Config struct {
	RequestsPerSecond float64
	BurstSize         int
}

// DefaultConfig is applied when a caller passes a zero Config to New.
var DefaultConfig = Config{RequestsPerSecond: 10, BurstSize: 20}

// Limiter applies a single token bucket policy on top of a Backend,
// keyed per caller.
type Limiter struct {
	backend Backend
	cfg     Config
}

// New constructs a Limiter backed by backend, applying def to every key.
func New(backend Backend, def Config) *Limiter {
	if def.RequestsPerSecond <= 0 || def.BurstSize <= 0 {
		def = DefaultConfig
	}
	return &Limiter{backend: backend, cfg: def}
}

// Result is the outcome of one rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Allow checks whether one request against key is permitted.
func (l *Limiter) Allow(ctx context.Context, key string) (Result, error) {
	allowed, remaining, err := l.backend.CheckRateLimit(ctx, key, l.cfg.BurstSize, l.cfg.RequestsPerSecond, 1)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check: %w", err)
	}

	tokensNeeded := float64(l.cfg.BurstSize) - float64(remaining)
	refillSeconds := tokensNeeded / l.cfg.RequestsPerSecond
	resetAt := time.Now().Add(time.Duration(refillSeconds) * time.Second)

	return Result{Allowed: allowed, Remaining: remaining, ResetAt: resetAt}, nil
}

// KeyForSubject returns the rate limit key for an authenticated caller.
func KeyForSubject(subject string) string {
	return "subject:" + subject
}

// KeyForIP returns the rate limit key for an anonymous caller's IP.
func KeyForIP(ip string) string {
	return "ip:" + ip
}
