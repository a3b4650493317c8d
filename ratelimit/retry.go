package ratelimit

import (
	"time"

	"github.com/tokwatch/tokwatch/config"
	"github.com/tokwatch/tokwatch/models"
)

// Decision is the outcome of consulting the retry policy after a failed
// attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// GiveUp is the terminal decision.
var GiveUp = Decision{}

// Policy maps (error kind, attempt number) to a retry decision. It holds
// no mutable state: identical inputs always produce identical decisions,
// and delays never decrease with the attempt number. Jitter is applied
// by callers at sleep time (SleepWithJitter), never here.
type Policy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewPolicy creates a Policy from the retry configuration.
func NewPolicy(cfg config.RetryConfig) Policy {
	return Policy{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
	}
}

// Decide returns the decision for the given failed attempt. attempt is
// 1-based: Decide(kind, 1) judges the first failure. Only timeout and
// transient-network kinds are ever retried; blocked and not-found are
// handled by session cooldown and target termination respectively.
func (p Policy) Decide(errKind string, attempt int) Decision {
	if attempt < 1 || attempt >= p.maxAttempts {
		return GiveUp
	}
	if !models.IsRetryable(errKind) {
		return GiveUp
	}
	return Decision{Retry: true, Delay: p.backoff(attempt)}
}

// backoff is baseDelay doubled per prior attempt, capped at maxDelay.
func (p Policy) backoff(attempt int) time.Duration {
	d := p.baseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.maxDelay {
			return p.maxDelay
		}
	}
	if d > p.maxDelay {
		return p.maxDelay
	}
	return d
}

// MaxAttempts exposes the attempt cap for run summaries and logging.
func (p Policy) MaxAttempts() int {
	return p.maxAttempts
}
