package ratelimit

import (
	"errors"
	"math"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := NewLimiter(cfg)
	l.now = clock.now
	return l, clock
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("request %d limited: %v", i, err)
		}
	}
	if l.Remaining("alice") != math.MaxInt {
		t.Error("unlimited limiter reports finite remaining")
	}
}

func TestLimiter_BurstThenLimited(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("request %d limited: %v", i, err)
		}
	}
	wait, err := l.Reserve("alice")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if wait != time.Second {
		t.Errorf("retry after = %s, want 1s", wait)
	}

	// Another user has an independent bucket.
	if err := l.Allow("bob"); err != nil {
		t.Errorf("bob limited: %v", err)
	}

	clock.advance(time.Second)
	if err := l.Allow("alice"); err != nil {
		t.Errorf("alice still limited after refill: %v", err)
	}
}

func TestLimiter_RefillCapsAtBurst(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})
	_ = l.Allow("alice")
	clock.advance(time.Hour)
	if got := l.Remaining("alice"); got != 2 {
		t.Errorf("remaining = %d, want 2", got)
	}
}

func TestLimiter_Prune(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})
	_ = l.Allow("alice")
	_ = l.Allow("bob")
	_ = l.Allow("bob")

	// alice refills in 1s, bob in 2s.
	clock.advance(90 * time.Second)
	if n := l.Prune(89 * time.Second); n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if n := l.Prune(0); n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
}

func TestLimiter_NilSafe(t *testing.T) {
	var l *Limiter
	if err := l.Allow("alice"); err != nil {
		t.Errorf("nil limiter: %v", err)
	}
}
