// Package ratelimit implements a per-key token bucket rate limiter for run
// submissions. Keys are API users; scheduled runs bypass it.
// Thread-safe. No background goroutines: tokens are refilled lazily on each
// Allow call and idle buckets are dropped by Prune.
package ratelimit

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrRateLimited is returned when a key has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-key token bucket rate limiter.
// Each key gets an independent bucket; one user cannot exhaust another's quota.
type Limiter struct {
	mu    sync.Mutex
	keys  map[string]*bucket
	rate  float64 // tokens per second
	burst float64 // max bucket capacity
	now   func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
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
		keys:  make(map[string]*bucket),
		rate:  float64(cfg.RequestsPerMinute) / 60.0,
		burst: float64(burst),
		now:   time.Now,
	}
}

// Allow consumes one token for key. It returns ErrRateLimited when the
// bucket is empty.
func (l *Limiter) Allow(key string) error {
	_, err := l.Reserve(key)
	return err
}

// Reserve is Allow that also reports, when limited, how long until the next
// token is available. Callers surface it as Retry-After.
func (l *Limiter) Reserve(key string) (time.Duration, error) {
	if l == nil || l.rate <= 0 {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(key)
	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
		return wait, ErrRateLimited
	}
	b.tokens--
	return 0, nil
}

// Remaining returns the whole tokens left for key.
func (l *Limiter) Remaining(key string) int {
	if l == nil || l.rate <= 0 {
		return math.MaxInt
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.refill(key).tokens)
}

// Prune drops buckets that have been full for at least idle. Returns the
// number of buckets removed.
func (l *Limiter) Prune(idle time.Duration) int {
	if l == nil || l.rate <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, b := range l.keys {
		full := b.lastFill.Add(time.Duration((l.burst - b.tokens) / l.rate * float64(time.Second)))
		if now.Sub(full) >= idle {
			delete(l.keys, key)
			removed++
		}
	}
	return removed
}

// refill tops up key's bucket for the elapsed time. Must be called with
// l.mu held.
func (l *Limiter) refill(key string) *bucket {
	now := l.now()
	b, ok := l.keys[key]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.keys[key] = b
		return b
	}
	b.tokens = min(l.burst, b.tokens+now.Sub(b.lastFill).Seconds()*l.rate)
	b.lastFill = now
	return b
}
