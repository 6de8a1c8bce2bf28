// Package ratelimit implements a per-client token bucket for the run API.
// Thread-safe. No background goroutines: tokens are refilled lazily on each
// Allow call and idle buckets are dropped once they would be full again.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrRateLimited is returned when a client has exhausted its bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// LimitedError carries how long the client should wait.
type LimitedError struct {
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("%v: retry in %v", ErrRateLimited, e.RetryAfter.Round(time.Millisecond))
}

func (e *LimitedError) Is(target error) bool { return target == ErrRateLimited }

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter gives every client an independent bucket, so one client cannot
// exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*bucket
	rate    float64 // tokens per second
	burst   float64 // max bucket capacity
	now     func() time.Time
	calls   int
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// pruneEvery is how many Allow calls pass between idle-bucket sweeps.
const pruneEvery = 1024

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		clients: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// Allow consumes one token for clientID. It returns a *LimitedError, which
// matches ErrRateLimited, when the bucket is empty.
func (l *Limiter) Allow(clientID string) error {
	if l == nil || l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.clients[clientID]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.clients[clientID] = b
	}
	l.refill(b, now)

	l.calls++
	if l.calls%pruneEvery == 0 {
		l.prune(now)
	}

	if b.tokens < 1 {
		wait := time.Duration(math.Ceil((1 - b.tokens) / l.rate * float64(time.Second)))
		return &LimitedError{RetryAfter: wait}
	}
	b.tokens--
	return nil
}

// Clients returns the number of tracked buckets.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *Limiter) refill(b *bucket, now time.Time) {
	b.tokens += now.Sub(b.lastFill).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now
}

// prune drops buckets that have refilled completely. Must be called with
// l.mu held.
func (l *Limiter) prune(now time.Time) {
	for id, b := range l.clients {
		l.refill(b, now)
		if b.tokens >= l.burst {
			delete(l.clients, id)
		}
	}
}
