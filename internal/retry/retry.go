// Package retry decides whether and when a failed fetch is retried within a cycle.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kickradar/kickradar/config"
	"github.com/kickradar/kickradar/internal/schema"
)

// Policy is the per-source retry tuning. Only transient transport failures
// are retried in-cycle; rate limiting and blocking feed pacing and the
// circuit breaker instead, since retrying into a block is counterproductive.
type Policy struct {
	cfg config.RetrySettings
}

// NewPolicy builds a policy from source settings.
func NewPolicy(cfg config.RetrySettings) Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	return Policy{cfg: cfg}
}

// Retryable reports whether the outcome category is retryable at all.
func Retryable(outcome schema.Outcome) bool {
	switch outcome {
	case schema.OutcomeTimeout, schema.OutcomeTransportError:
		return true
	default:
		return false
	}
}

// Sequence tracks backoff state across the attempts for one target within
// one cycle. Sequences are cycle-scoped and never shared between targets.
type Sequence struct {
	policy  Policy
	backoff *backoff.ExponentialBackOff
	attempt int
}

// Start begins a fresh attempt sequence for one target.
func (p Policy) Start() *Sequence {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.InitialDelay
	bo.MaxInterval = p.cfg.MaxDelay
	return &Sequence{policy: p, backoff: bo, attempt: 0}
}

// Next consumes one attempt outcome and decides retry-now-after(delay) or
// give-up. The returned delay carries exponential growth with jitter, capped
// at the per-source maximum.
func (s *Sequence) Next(outcome schema.Outcome) (time.Duration, bool) {
	s.attempt++
	if !Retryable(outcome) {
		return 0, false
	}
	if s.attempt >= s.policy.cfg.MaxAttempts {
		return 0, false
	}
	delay := s.backoff.NextBackOff()
	if delay > s.policy.cfg.MaxDelay {
		delay = s.policy.cfg.MaxDelay
	}
	return delay, true
}

// Attempts returns the number of attempts consumed so far.
func (s *Sequence) Attempts() int {
	return s.attempt
}
