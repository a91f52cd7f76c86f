// Package ratelimit implements a per-user token bucket rate limiter.
// Thread-safe. Buckets are refilled lazily by golang.org/x/time/rate.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a user has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-user token bucket rate limiter.
// Each user gets an independent bucket; one user cannot exhaust another's quota.
type Limiter struct {
	mu    sync.Mutex
	users map[string]*rate.Limiter
	limit rate.Limit
	burst int
	now   func() time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		users: make(map[string]*rate.Limiter),
		limit: rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst: burst,
		now:   time.Now,
	}
}

// Allow consumes one token for userID. Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(userID string) error {
	if l.limit <= 0 {
		return nil
	}
	if !l.bucket(userID).AllowN(l.now(), 1) {
		return ErrRateLimited
	}
	return nil
}

func (l *Limiter) bucket(userID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.users[userID]
	if !ok {
		// First request starts with a full bucket.
		b = rate.NewLimiter(l.limit, l.burst)
		l.users[userID] = b
	}
	return b
}
