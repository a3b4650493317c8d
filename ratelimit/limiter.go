// Package ratelimit paces navigations per session key and decides when
// failed attempts are worth retrying.
package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tokwatch/tokwatch/config"
)

// Limiter enforces a minimum inter-request interval per key. Keys are
// session ids, so each browser identity paces itself independently.
// It is safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	interval time.Duration
	burst    int
	jitter   float64
}

// NewLimiter creates a Limiter from the rate limit configuration.
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		interval: cfg.MinInterval,
		burst:    burst,
		jitter:   cfg.JitterFraction,
	}
}

// Wait blocks until the minimum interval for key has elapsed or ctx is
// done. On top of the token wait it sleeps a random jitter fraction of
// the interval so request timing does not form a detectable rhythm.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if l.interval <= 0 {
		return ctx.Err()
	}

	if err := l.forKey(key).Wait(ctx); err != nil {
		return err
	}

	if l.jitter > 0 {
		extra := time.Duration(rand.Float64() * l.jitter * float64(l.interval))
		return Sleep(ctx, extra)
	}
	return nil
}

// Forget drops the limiter state for a key, e.g. after its session is
// destroyed.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.limiters, key)
	l.mu.Unlock()
}

func (l *Limiter) forKey(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.limiters[key]; ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Every(l.interval), l.burst)
	l.limiters[key] = lim
	return lim
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SleepWithJitter sleeps d widened by up to frac of itself.
func SleepWithJitter(ctx context.Context, d time.Duration, frac float64) error {
	if frac > 0 {
		d += time.Duration(rand.Float64() * frac * float64(d))
	}
	return Sleep(ctx, d)
}
