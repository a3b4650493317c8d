package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"sync"

	"github.com/google/uuid"

	"github.com/tokwatch/tokwatch/config"
	"github.com/tokwatch/tokwatch/models"
)

// VisitorFactory builds the page-loading backend for a new session.
// The production factory opens a rod browser context; tests inject fakes.
type VisitorFactory func(id Identity) (Visitor, error)

// Manager is the session pool. At most PoolSize sessions are held by
// workers at once; acquisition blocks until a slot frees or the acquire
// timeout elapses. Cooling-down sessions stay parked and are skipped
// until their cooldown passes.
type Manager struct {
	cfg        config.SessionConfig
	identities *IdentityPool
	newVisitor VisitorFactory

	permits chan struct{}

	mu     sync.Mutex
	parked []*Session
	active int
	closed bool
}

// NewManager creates a session pool backed by the given visitor factory.
func NewManager(cfg config.SessionConfig, identities *IdentityPool, factory VisitorFactory) *Manager {
	permits := make(chan struct{}, cfg.PoolSize)
	for i := 0; i < cfg.PoolSize; i++ {
		permits <- struct{}{}
	}
	return &Manager{
		cfg:        cfg,
		identities: identities,
		newVisitor: factory,
		permits:    permits,
	}
}

// Acquire blocks until a pool slot frees, then returns an idle session,
// creating one when none is reusable. It fails with ACQUIRE_TIMEOUT when
// the configured timeout elapses and SESSION_UNAVAILABLE when a slot is
// free but no session can be built.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, m.cfg.AcquireTimeout)
	defer cancel()

	select {
	case <-m.permits:
	case <-acquireCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, models.NewPipelineError(
			models.ErrCodeAcquireTimeout,
			"no session slot freed within the acquire timeout",
			acquireCtx.Err(),
		)
	}

	s, err := m.takeOrCreate()
	if err != nil {
		m.permits <- struct{}{}
		return nil, err
	}

	s.setState(StateActive)
	m.mu.Lock()
	m.active++
	m.mu.Unlock()
	return s, nil
}

// Release returns a session to the pool. Expired sessions are destroyed
// and their identity's expiry count advanced; cooling-down sessions are
// parked until their cooldown elapses.
func (m *Manager) Release(s *Session) {
	st := s.State()

	switch st {
	case StateExpired:
		m.destroy(s)
	case StateCoolingDown:
		m.park(s)
	default:
		s.setState(StateIdle)
		m.park(s)
	}

	m.mu.Lock()
	m.active--
	m.mu.Unlock()
	m.permits <- struct{}{}
}

// MarkCoolingDown suspends reuse of the session for d. The caller still
// owns the session and must Release it; the pool will not hand it out
// again until the cooldown passes.
func (m *Manager) MarkCoolingDown(s *Session, d time.Duration) {
	s.startCooldown(d)
	slog.Info("session cooling down",
		"session_id", s.ID,
		"until", s.coolingDeadline().Format(time.RFC3339),
	)
}

// Stats returns a snapshot of the pool for the status API.
func (m *Manager) Stats() models.SessionPoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	idle, cooling := 0, 0
	for _, s := range m.parked {
		if s.State() == StateCoolingDown {
			cooling++
		} else {
			idle++
		}
	}
	return models.SessionPoolStats{
		Capacity:    m.cfg.PoolSize,
		Active:      m.active,
		Idle:        idle,
		CoolingDown: cooling,
		Rotations:   m.identities.Rotations(),
	}
}

// Close destroys all parked sessions. In-flight sessions are destroyed
// as they are released.
func (m *Manager) Close() {
	m.mu.Lock()
	parked := m.parked
	m.parked = nil
	m.closed = true
	m.mu.Unlock()

	for _, s := range parked {
		if err := s.visitor.Close(); err != nil {
			slog.Warn("session close failed", "session_id", s.ID, "error", err)
		}
	}
}

// takeOrCreate pops a reusable parked session or builds a fresh one.
func (m *Manager) takeOrCreate() (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, models.NewPipelineError(
			models.ErrCodeSessionUnavailable,
			"session pool is closed",
			nil,
		)
	}
	for i, s := range m.parked {
		if s.State() != StateIdle {
			continue
		}
		m.parked = append(m.parked[:i], m.parked[i+1:]...)
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	id := m.identities.Current()
	visitor, err := m.newVisitor(id)
	if err != nil {
		return nil, models.NewPipelineError(
			models.ErrCodeSessionUnavailable,
			"failed to create a browser session",
			err,
		)
	}

	s := &Session{
		ID:        uuid.NewString(),
		Identity:  id,
		visitor:   visitor,
		state:     StateIdle,
		createdAt: time.Now(),
	}
	slog.Debug("session created", "session_id", s.ID, "identity", id.ID)
	return s, nil
}

func (m *Manager) park(s *Session) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.destroySilently(s)
		return
	}
	m.parked = append(m.parked, s)
	m.mu.Unlock()
}

func (m *Manager) destroy(s *Session) {
	rotated := m.identities.RecordExpiry(s.Identity)
	if rotated {
		slog.Info("identity rotated after repeated session expiry",
			"identity", s.Identity.ID,
		)
	}
	m.destroySilently(s)
}

func (m *Manager) destroySilently(s *Session) {
	if err := s.visitor.Close(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("session visitor close failed", "session_id", s.ID, "error", err)
	}
	slog.Debug("session destroyed", "session_id", s.ID)
}
