package breaker

import (
	"sync"
	"time"

	"github.com/kickradar/kickradar/config"
	"github.com/kickradar/kickradar/internal/observability"
	"github.com/kickradar/kickradar/internal/schema"
)

// Registry keys breakers by source identifier. Each source carries its own
// lock inside its breaker, so reporting for one source never contends with
// another.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	settings func(source string) config.BreakerSettings
	clock    func() time.Time
}

// NewRegistry constructs a registry resolving per-source tuning via settings.
func NewRegistry(settings func(source string) config.BreakerSettings) *Registry {
	r := new(Registry)
	r.breakers = make(map[string]*Breaker)
	r.settings = settings
	r.clock = time.Now
	return r
}

// WithClock overrides the clock applied to newly created breakers.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if clock != nil {
		r.clock = clock
	}
	return r
}

// For returns the breaker for source, creating it on first use.
func (r *Registry) For(source string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[source]
	r.mu.RUnlock()
	if ok {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[source]; ok {
		return b
	}
	b = New(r.settings(source)).WithClock(r.clock)
	r.breakers[source] = b
	return b
}

// Allow reports whether a fetch for source may proceed.
func (r *Registry) Allow(source string) bool {
	return r.For(source).Allow()
}

// Report records a terminal outcome and publishes the resulting state gauge.
func (r *Registry) Report(source string, outcome schema.Outcome) {
	b := r.For(source)
	b.Report(outcome)
	state, _, _, _ := b.Snapshot()
	observability.Telemetry().SetGauge(observability.MetricCircuitState,
		StateValue(state), map[string]string{"source": source})
}

// OpenSince reports when the source's breaker entered Open, if it is open.
func (r *Registry) OpenSince(source string) (time.Time, bool) {
	r.mu.RLock()
	b := r.breakers[source]
	r.mu.RUnlock()
	if b == nil {
		return time.Time{}, false
	}
	return b.OpenSince()
}

// States snapshots every known breaker position.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for source, b := range r.breakers {
		state, _, _, _ := b.Snapshot()
		out[source] = state
	}
	return out
}
