package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/tokwatch/tokwatch/config"
)

func TestLimiter_EnforcesMinInterval(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{MinInterval: 50 * time.Millisecond, Burst: 1})

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Wait(ctx, "sess-1"); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	// Burst 1 means the second and third waits each pay the interval.
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("three waits took %v, want >= 100ms", elapsed)
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{MinInterval: time.Hour, Burst: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	// Each key has its own bucket, so the first wait per key is free.
	for _, key := range []string{"a", "b", "c"} {
		if err := l.Wait(ctx, key); err != nil {
			t.Fatalf("first wait for %q should not block: %v", key, err)
		}
	}
}

func TestLimiter_ZeroIntervalNeverBlocks(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{MinInterval: 0})

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := l.Wait(ctx, "k"); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("unpaced waits took %v", elapsed)
	}
}

func TestLimiter_CanceledContext(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{MinInterval: time.Hour, Burst: 1})

	ctx := context.Background()
	if err := l.Wait(ctx, "k"); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := l.Wait(canceled, "k"); err == nil {
		t.Error("wait with canceled context should fail")
	}
}

func TestLimiter_ForgetResetsPacing(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{MinInterval: time.Hour, Burst: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx, "k"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	l.Forget("k")
	if err := l.Wait(ctx, "k"); err != nil {
		t.Errorf("wait after Forget should start a fresh bucket: %v", err)
	}
}

func TestSleep_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Sleep(ctx, time.Hour); err == nil {
		t.Error("sleep with canceled context should fail")
	}
	if err := Sleep(context.Background(), 0); err != nil {
		t.Errorf("zero sleep should be a no-op: %v", err)
	}
}
