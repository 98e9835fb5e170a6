// Package breaker implements the per-source circuit breaker gating fetch admission.
package breaker

import (
	"sync"
	"time"

	"github.com/kickradar/kickradar/config"
	"github.com/kickradar/kickradar/internal/schema"
)

// State enumerates circuit positions.
type State string

const (
	// Closed permits attempts; the initial state.
	Closed State = "closed"
	// Open rejects attempts until the cooldown elapses.
	Open State = "open"
	// HalfOpen permits exactly one trial attempt.
	HalfOpen State = "half_open"
)

// StateValue maps states to gauge-friendly numbers.
func StateValue(s State) float64 {
	switch s {
	case Closed:
		return 0
	case HalfOpen:
		return 1
	case Open:
		return 2
	default:
		return -1
	}
}

// Breaker is the failure state machine for a single source. It is purely
// reactive: it never performs network activity, only reacts to outcome reports.
type Breaker struct {
	mu sync.Mutex

	cfg   config.BreakerSettings
	clock func() time.Time

	state          State
	failures       int
	cooldown       time.Duration
	lastTransition time.Time
	trialInFlight  bool
}

// New constructs a closed breaker with the provided tuning.
func New(cfg config.BreakerSettings) *Breaker {
	b := new(Breaker)
	b.cfg = cfg
	b.clock = time.Now
	b.state = Closed
	b.cooldown = cfg.BaseCooldown
	return b
}

// WithClock overrides the breaker clock, primarily for testing.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if clock != nil {
		b.clock = clock
	}
	return b
}

// Allow reports whether a fetch attempt may proceed right now. While Open it
// transitions to HalfOpen once the cooldown has elapsed and then admits a
// single trial; concurrent callers see false until the trial reports back.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return true
	case Open:
		if b.clock().Sub(b.lastTransition) < b.cooldown {
			return false
		}
		b.transition(HalfOpen)
		b.trialInFlight = true
		return true
	case HalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return false
	}
}

// Report feeds one terminal attempt outcome into the state machine.
// ParseFailed signals layout drift, not fetch inviability, so it neither
// trips nor resets the circuit.
func (b *Breaker) Report(outcome schema.Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if outcome == schema.OutcomeParseFailed {
		if b.state == HalfOpen {
			// The trial fetch itself worked; close on network evidence.
			b.close()
		}
		return
	}

	success := outcome == schema.OutcomeSuccess || outcome == schema.OutcomeNotFound
	switch b.state {
	case Closed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.trialInFlight = false
		if success {
			b.close()
			return
		}
		b.growCooldown()
		b.transition(Open)
	case Open:
		// Late report from a fetch admitted before the trip; cooldown already runs.
	}
}

// Snapshot exposes the current position for status surfaces.
func (b *Breaker) Snapshot() (State, int, time.Duration, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.failures, b.cooldown, b.lastTransition
}

// OpenSince returns the transition time when the breaker is currently Open.
func (b *Breaker) OpenSince() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return time.Time{}, false
	}
	return b.lastTransition, true
}

func (b *Breaker) trip() {
	b.growCooldownFrom(b.cfg.BaseCooldown)
	b.transition(Open)
}

func (b *Breaker) close() {
	b.failures = 0
	b.cooldown = b.cfg.BaseCooldown
	b.trialInFlight = false
	b.transition(Closed)
}

// growCooldown applies the exponential factor, bounded by the maximum.
func (b *Breaker) growCooldown() {
	b.growCooldownFrom(time.Duration(float64(b.cooldown) * b.cfg.CooldownFactor))
}

func (b *Breaker) growCooldownFrom(next time.Duration) {
	if next < b.cfg.BaseCooldown {
		next = b.cfg.BaseCooldown
	}
	if b.cfg.MaxCooldown > 0 && next > b.cfg.MaxCooldown {
		next = b.cfg.MaxCooldown
	}
	b.cooldown = next
}

func (b *Breaker) transition(next State) {
	b.state = next
	b.lastTransition = b.clock()
}
