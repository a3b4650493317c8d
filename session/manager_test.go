package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tokwatch/tokwatch/config"
	"github.com/tokwatch/tokwatch/models"
)

type fakeVisitor struct {
	closed atomic.Bool
}

func (f *fakeVisitor) Visit(ctx context.Context, url string, opts VisitOptions) (*VisitResult, error) {
	return &VisitResult{HTML: "<html></html>", FinalURL: url, StatusCode: 200}, nil
}

func (f *fakeVisitor) Close() error {
	f.closed.Store(true)
	return nil
}

func testManager(t *testing.T, cfg config.SessionConfig) (*Manager, *atomic.Int32) {
	t.Helper()
	var created atomic.Int32
	factory := func(id Identity) (Visitor, error) {
		created.Add(1)
		return &fakeVisitor{}, nil
	}
	identities := NewIdentityPool(nil, nil, cfg.RotateAfterExpiries)
	return NewManager(cfg, identities, factory), &created
}

func baseSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		PoolSize:            2,
		AcquireTimeout:      100 * time.Millisecond,
		Cooldown:            time.Hour,
		BlockedThreshold:    3,
		RotateAfterExpiries: 2,
	}
}

func TestManager_AcquireRelease(t *testing.T) {
	m, created := testManager(t, baseSessionConfig())
	defer m.Close()

	ctx := context.Background()
	s, err := m.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if s.State() != StateActive {
		t.Errorf("acquired session state = %v, want active", s.State())
	}
	m.Release(s)

	// The released idle session is reused, not rebuilt.
	s2, err := m.Acquire(ctx)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if s2.ID != s.ID {
		t.Error("idle session should be reused")
	}
	if created.Load() != 1 {
		t.Errorf("factory ran %d times, want 1", created.Load())
	}
	m.Release(s2)
}

func TestManager_AcquireTimesOutWhenPoolExhausted(t *testing.T) {
	m, _ := testManager(t, baseSessionConfig())
	defer m.Close()

	ctx := context.Background()
	a, _ := m.Acquire(ctx)
	b, _ := m.Acquire(ctx)

	_, err := m.Acquire(ctx)
	if err == nil {
		t.Fatal("third acquire on a 2-slot pool should fail")
	}
	if code := models.ErrCode(err); code != models.ErrCodeAcquireTimeout {
		t.Errorf("error code = %q, want %q", code, models.ErrCodeAcquireTimeout)
	}

	m.Release(a)
	m.Release(b)
}

func TestManager_CapacityUnderConcurrency(t *testing.T) {
	cfg := baseSessionConfig()
	cfg.AcquireTimeout = 5 * time.Second
	m, _ := testManager(t, cfg)
	defer m.Close()

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			m.Release(s)
		}()
	}
	wg.Wait()

	if peak.Load() > int32(cfg.PoolSize) {
		t.Errorf("peak concurrent sessions = %d, want <= %d", peak.Load(), cfg.PoolSize)
	}
}

func TestManager_CoolingDownSessionNotReused(t *testing.T) {
	m, created := testManager(t, baseSessionConfig())
	defer m.Close()

	ctx := context.Background()
	s, _ := m.Acquire(ctx)
	m.MarkCoolingDown(s, time.Hour)
	m.Release(s)

	s2, err := m.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after cooldown parking: %v", err)
	}
	if s2.ID == s.ID {
		t.Error("cooling-down session must not be handed out")
	}
	if created.Load() != 2 {
		t.Errorf("factory ran %d times, want 2", created.Load())
	}

	stats := m.Stats()
	if stats.CoolingDown != 1 {
		t.Errorf("stats cooling_down = %d, want 1", stats.CoolingDown)
	}
	m.Release(s2)
}

func TestManager_CooldownElapsesBackToIdle(t *testing.T) {
	m, _ := testManager(t, baseSessionConfig())
	defer m.Close()

	ctx := context.Background()
	s, _ := m.Acquire(ctx)
	m.MarkCoolingDown(s, 10*time.Millisecond)
	m.Release(s)

	time.Sleep(20 * time.Millisecond)

	s2, err := m.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if s2.ID != s.ID {
		t.Error("session past its cooldown should return to rotation")
	}
	m.Release(s2)
}

func TestManager_ExpiredSessionDestroyedAndIdentityRotates(t *testing.T) {
	cfg := baseSessionConfig()
	cfg.RotateAfterExpiries = 2
	m, created := testManager(t, cfg)
	defer m.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		s, err := m.Acquire(ctx)
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		s.MarkExpired()
		m.Release(s)
	}

	if created.Load() != 2 {
		t.Errorf("each expiry should force a fresh session, factory ran %d times", created.Load())
	}
	if got := m.Stats().Rotations; got != 1 {
		t.Errorf("rotations = %d, want 1 after hitting the expiry threshold", got)
	}
}

func TestManager_FactoryFailure(t *testing.T) {
	cfg := baseSessionConfig()
	fail := true
	factory := func(id Identity) (Visitor, error) {
		if fail {
			return nil, errors.New("browser context refused")
		}
		return &fakeVisitor{}, nil
	}
	m := NewManager(cfg, NewIdentityPool(nil, nil, cfg.RotateAfterExpiries), factory)
	defer m.Close()

	ctx := context.Background()
	_, err := m.Acquire(ctx)
	if code := models.ErrCode(err); code != models.ErrCodeSessionUnavailable {
		t.Fatalf("error code = %q, want %q", code, models.ErrCodeSessionUnavailable)
	}

	// The permit must have been returned: a later acquire succeeds.
	fail = false
	s, err := m.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after factory recovery: %v", err)
	}
	m.Release(s)
}

func TestSession_BlockedCounter(t *testing.T) {
	s := &Session{ID: "s1", visitor: &fakeVisitor{}}

	if s.RecordBlocked(3) || s.RecordBlocked(3) {
		t.Error("blocked count below the threshold should not demand cooldown")
	}
	if !s.RecordBlocked(3) {
		t.Error("third blocked navigation should hit the threshold")
	}

	s.ResetFailures()
	if s.RecordBlocked(3) {
		t.Error("counter should restart after a reset")
	}
}

func TestSession_TransientCounter(t *testing.T) {
	s := &Session{ID: "s1", visitor: &fakeVisitor{}}

	if s.RecordTransient(3) || s.RecordTransient(3) {
		t.Error("transient count below the threshold should not demand cooldown")
	}
	if !s.RecordTransient(3) {
		t.Error("third consecutive transient failure should hit the threshold")
	}

	// Counters are independent: blocked hits do not advance the
	// transient count.
	s.ResetFailures()
	s.RecordBlocked(3)
	s.RecordBlocked(3)
	if s.RecordTransient(3) {
		t.Error("blocked navigations must not count toward the transient threshold")
	}

	s.ResetFailures()
	if s.RecordTransient(3) {
		t.Error("counter should restart after a successful load")
	}
}

func TestIdentityPool_RotationChangesIdentity(t *testing.T) {
	p := NewIdentityPool([]string{"ua-one", "ua-two"}, nil, 1)

	first := p.Current()
	if !p.RecordExpiry(first) {
		t.Fatal("rotateAfter=1 should rotate on the first expiry")
	}
	second := p.Current()
	if second.ID == first.ID {
		t.Error("rotation should move to a different identity")
	}
	if p.Rotations() != 1 {
		t.Errorf("rotations = %d, want 1", p.Rotations())
	}
}
