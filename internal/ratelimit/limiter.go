package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter paces all upstream REST calls from this process. The upstream
// enforces 10-90 req/min depending on endpoint and blocks the source address
// for ~60s on breach, so requests are fully serialized: Acquire holds the
// lock across the wait, and concurrency never increases throughput.
type Limiter struct {
	mu sync.Mutex

	minSpacing      time.Duration
	initialBackoff  time.Duration
	maxBackoff      time.Duration
	minBackoffOn429 time.Duration
	maxRetries      int

	lastRequest    time.Time
	consecutive429 int
}

type Config struct {
	MinSpacing      time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	MinBackoffOn429 time.Duration
	MaxRetries      int
}

func New(cfg Config) *Limiter {
	if cfg.MinSpacing <= 0 {
		cfg.MinSpacing = 6 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	return &Limiter{
		minSpacing:      cfg.MinSpacing,
		initialBackoff:  cfg.InitialBackoff,
		maxBackoff:      cfg.MaxBackoff,
		minBackoffOn429: cfg.MinBackoffOn429,
		maxRetries:      cfg.MaxRetries,
	}
}

// Acquire blocks until at least minSpacing has elapsed since the previous
// request, then claims the slot. Callers queue on the internal mutex, so
// consecutive returns are spaced by at least minSpacing.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if wait := l.minSpacing - time.Since(l.lastRequest); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	l.lastRequest = time.Now()
	return nil
}

// RecordSuccess walks the throttle counter back toward zero.
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.consecutive429 > 0 {
		l.consecutive429--
	}
}

// RecordThrottled registers a 429 response and returns how long the caller
// should back off: exponential in the consecutive-429 count, capped at
// maxBackoff and floored at minBackoffOn429.
func (l *Limiter) RecordThrottled() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.consecutive429++
	exp := l.consecutive429
	if exp > 6 {
		exp = 6
	}
	backoff := l.initialBackoff * time.Duration(1<<exp)
	if backoff > l.maxBackoff {
		backoff = l.maxBackoff
	}
	if backoff < l.minBackoffOn429 {
		backoff = l.minBackoffOn429
	}
	return backoff
}

// MaxRetries is the per-request retry budget for the REST fetcher.
func (l *Limiter) MaxRetries() int {
	return l.maxRetries
}

// Stats is a point-in-time snapshot for the status endpoint.
type Stats struct {
	MinSpacing        time.Duration `json:"-"`
	RequestsPerMinute float64       `json:"requests_per_minute"`
	Consecutive429s   int           `json:"consecutive_rate_limits"`
	LastRequest       time.Time     `json:"last_request_time"`
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		MinSpacing:        l.minSpacing,
		RequestsPerMinute: float64(time.Minute) / float64(l.minSpacing),
		Consecutive429s:   l.consecutive429,
		LastRequest:       l.lastRequest,
	}
}
