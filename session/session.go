// Package session owns headless-browser identities: a capped pool of
// sessions, each a private browser context with its own user agent,
// cookies, and optional proxy, plus the cooldown and rotation lifecycle
// that keeps blocked identities out of circulation.
package session

import (
	"context"
	"sync"
	"time"
)

// State is the lifecycle state of a session.
type State int

const (
	StateIdle State = iota
	StateActive
	StateCoolingDown
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCoolingDown:
		return "cooling-down"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// VisitOptions tune a single page load.
type VisitOptions struct {
	// ScrollRounds scrolls the page down this many viewports after load,
	// waiting for lazy content between rounds.
	ScrollRounds int

	// WaitSelector, when set, waits for at least one matching element
	// before capture.
	WaitSelector string

	// Stealth injects the stealth JS before navigation.
	Stealth bool

	// Timeout bounds the whole visit.
	Timeout time.Duration
}

// VisitResult is the raw outcome of a page load.
type VisitResult struct {
	HTML       string
	FinalURL   string
	StatusCode int
}

// Visitor performs page loads. The production implementation drives a
// rod browser context; tests substitute fakes.
type Visitor interface {
	Visit(ctx context.Context, url string, opts VisitOptions) (*VisitResult, error)
	Close() error
}

// Session is one logical browser identity. It is owned by exactly one
// worker between Acquire and Release; the manager is the only other
// writer (cooldown, destruction).
type Session struct {
	ID       string
	Identity Identity

	visitor Visitor

	mu             sync.Mutex
	state          State
	coolingUntil   time.Time
	blockedCount   int
	transientCount int
	createdAt      time.Time
	lastUsedAt     time.Time
}

// Visit loads a page through the session's browser context.
func (s *Session) Visit(ctx context.Context, url string, opts VisitOptions) (*VisitResult, error) {
	s.mu.Lock()
	s.lastUsedAt = time.Now()
	s.mu.Unlock()
	return s.visitor.Visit(ctx, url, opts)
}

// State returns the current lifecycle state. A cooling-down session
// whose cooldown elapsed reports idle.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCoolingDown && time.Now().After(s.coolingUntil) {
		s.state = StateIdle
	}
	return s.state
}

// MarkExpired flags the session for destruction on release. Fatal
// navigation failures (browser crash, dead context) land here.
func (s *Session) MarkExpired() {
	s.mu.Lock()
	s.state = StateExpired
	s.mu.Unlock()
}

// RecordBlocked counts one Blocked navigation and reports whether the
// count reached the threshold that demands a cooldown.
func (s *Session) RecordBlocked(threshold int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockedCount++
	return s.blockedCount >= threshold
}

// RecordTransient counts one transient network failure and reports
// whether the consecutive count reached the threshold that demands a
// cooldown. A session stuck behind a flaky proxy or a throttled exit
// fails transiently on every target without ever being Blocked.
func (s *Session) RecordTransient(threshold int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transientCount++
	return s.transientCount >= threshold
}

// ResetFailures clears the blocked and transient counters after a
// successful load.
func (s *Session) ResetFailures() {
	s.mu.Lock()
	s.blockedCount = 0
	s.transientCount = 0
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) startCooldown(d time.Duration) {
	s.mu.Lock()
	s.state = StateCoolingDown
	s.coolingUntil = time.Now().Add(d)
	s.blockedCount = 0
	s.transientCount = 0
	s.mu.Unlock()
}

func (s *Session) coolingDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coolingUntil
}
