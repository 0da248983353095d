package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

func TestAcquireSpacingUnderConcurrency(t *testing.T) {
	t.Parallel()

	const (
		spacing = 50 * time.Millisecond
		callers = 5
		// scheduling slop: goroutines observe time after the timer fires
		slop = 5 * time.Millisecond
	)

	l := New(Config{MinSpacing: spacing, MaxRetries: 1})

	var mu sync.Mutex
	var stamps []time.Time
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background()); err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			stamps = append(stamps, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })
	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap < spacing-slop {
			t.Errorf("acquisitions %d and %d only %v apart, want >= %v", i-1, i, gap, spacing)
		}
	}
}

func TestAcquireRespectsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{MinSpacing: time.Hour, MaxRetries: 1})
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); err == nil {
		t.Fatal("second Acquire should fail on context timeout")
	}
}

func TestThrottleBackoffMonotonic(t *testing.T) {
	t.Parallel()

	l := New(Config{
		MinSpacing:      time.Millisecond,
		InitialBackoff:  2 * time.Second,
		MaxBackoff:      2 * time.Minute,
		MinBackoffOn429: 0,
		MaxRetries:      10,
	})

	var prev time.Duration
	for i := 0; i < 10; i++ {
		got := l.RecordThrottled()
		if got < prev {
			t.Fatalf("backoff decreased: %v after %v", got, prev)
		}
		if got > 2*time.Minute {
			t.Fatalf("backoff exceeds cap: %v", got)
		}
		prev = got
	}
	if prev != 2*time.Minute {
		t.Fatalf("backoff should saturate at max, got %v", prev)
	}

	// A success walks the counter back, lowering the next backoff.
	l.RecordSuccess()
	l.RecordSuccess()
	if after := l.RecordThrottled(); after > prev {
		t.Fatalf("backoff after successes %v should not exceed saturated %v", after, prev)
	}
}

func TestThrottleBackoffFloor(t *testing.T) {
	t.Parallel()

	l := New(Config{
		MinSpacing:      time.Millisecond,
		InitialBackoff:  time.Second,
		MaxBackoff:      2 * time.Minute,
		MinBackoffOn429: 30 * time.Second,
		MaxRetries:      10,
	})

	// First 429: 1s * 2^1 = 2s, floored to 30s.
	if got := l.RecordThrottled(); got != 30*time.Second {
		t.Fatalf("floored backoff: got %v want 30s", got)
	}
}

func TestRecordSuccessStopsAtZero(t *testing.T) {
	t.Parallel()

	l := New(Config{MinSpacing: time.Millisecond, MaxRetries: 1})
	l.RecordSuccess()
	l.RecordSuccess()
	if s := l.Stats(); s.Consecutive429s != 0 {
		t.Fatalf("counter went negative: %d", s.Consecutive429s)
	}
}
