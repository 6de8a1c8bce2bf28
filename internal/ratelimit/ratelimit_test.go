package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func fakeClock(l *Limiter, start time.Time) *time.Time {
	now := start
	l.now = func() time.Time { return now }
	return &now
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("anyone"); err != nil {
			t.Fatalf("unlimited limiter refused request %d: %v", i, err)
		}
	}
	var nilLimiter *Limiter
	if err := nilLimiter.Allow("anyone"); err != nil {
		t.Fatalf("nil limiter: %v", err)
	}
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	now := fakeClock(l, time.Unix(0, 0))

	for i := 0; i < 3; i++ {
		if err := l.Allow("ci"); err != nil {
			t.Fatalf("request %d within burst: %v", i, err)
		}
	}
	err := l.Allow("ci")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	var le *LimitedError
	if !errors.As(err, &le) || le.RetryAfter != time.Second {
		t.Fatalf("RetryAfter = %v, want 1s", le)
	}

	*now = now.Add(time.Second)
	if err := l.Allow("ci"); err != nil {
		t.Fatalf("after one second a token should be back: %v", err)
	}
}

func TestLimiter_ClientsAreIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 1})
	fakeClock(l, time.Unix(0, 0))

	if err := l.Allow("alice"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("alice"); err == nil {
		t.Fatal("alice should be limited")
	}
	if err := l.Allow("bob"); err != nil {
		t.Fatalf("bob has a separate bucket: %v", err)
	}
}

func TestLimiter_PrunesIdleBuckets(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	now := fakeClock(l, time.Unix(0, 0))

	_ = l.Allow("stale")
	*now = now.Add(time.Hour)
	for i := 0; i < pruneEvery; i++ {
		_ = l.Allow("busy")
	}
	if n := l.Clients(); n != 1 {
		t.Errorf("Clients = %d after prune, want 1", n)
	}
}
