// Package health aggregates per-source fetch outcomes into rolling
// windows, derives a health class, and raises alerts on degradation.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kickradar/kickradar/config"
	"github.com/kickradar/kickradar/internal/observability"
	"github.com/kickradar/kickradar/internal/schema"
)

// Class is the derived health state of one source.
type Class string

const (
	ClassHealthy  Class = "healthy"
	ClassWarning  Class = "warning"
	ClassCritical Class = "critical"
	ClassDown     Class = "down"
)

// GaugeValue maps the class onto a numeric gauge for metric export.
func (c Class) GaugeValue() float64 {
	switch c {
	case ClassHealthy:
		return 0
	case ClassWarning:
		return 1
	case ClassCritical:
		return 2
	case ClassDown:
		return 3
	default:
		return -1
	}
}

// Snapshot summarizes one source's rolling window.
type Snapshot struct {
	Source          string
	Class           Class
	SuccessRate     float64
	MeanLatency     time.Duration
	P95Latency      time.Duration
	DominantFailure schema.Outcome
	Attempts        int
	DownSince       time.Time
}

// Alert reports a degradation or recovery transition for one source.
type Alert struct {
	ID        uuid.UUID
	Source    string
	Class     Class
	Previous  Class
	Dominant  schema.Outcome
	Guidance  string
	Recovered bool
	At        time.Time
}

// CircuitView is the read-side of the breaker registry the monitor needs
// to detect sources held open past the down threshold.
type CircuitView interface {
	OpenSince(source string) (time.Time, bool)
}

type sample struct {
	outcome schema.Outcome
	latency time.Duration
}

type window struct {
	samples []sample
	next    int
	filled  bool

	class       Class
	downSince   time.Time
	lastAlertAt time.Time
	alerted     bool
}

// Monitor tracks rolling windows per source. All methods are safe for
// concurrent use; recording serializes per source through one lock, which
// is cheap relative to the network work producing the samples.
type Monitor struct {
	lookup   func(source string) config.HealthSettings
	circuits CircuitView
	clock    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// NewMonitor builds a monitor resolving thresholds through lookup. circuits
// may be nil when breaker-driven down detection is not wanted.
func NewMonitor(lookup func(source string) config.HealthSettings, circuits CircuitView) *Monitor {
	return &Monitor{
		lookup:   lookup,
		circuits: circuits,
		clock:    time.Now,
		windows:  make(map[string]*window),
	}
}

// WithClock overrides the time source for tests.
func (m *Monitor) WithClock(clock func() time.Time) *Monitor {
	m.clock = clock
	return m
}

// Record appends one terminal outcome to the source's window and
// recomputes its class.
func (m *Monitor) Record(source string, outcome schema.Outcome, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.windows[source]
	if w == nil {
		size := m.lookup(source).WindowSize
		if size <= 0 {
			size = 50
		}
		w = &window{samples: make([]sample, size), class: ClassHealthy}
		m.windows[source] = w
	}
	w.samples[w.next] = sample{outcome: outcome, latency: latency}
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}

	snap := m.computeLocked(source, w)
	w.class = snap.Class
	if snap.Class == ClassDown {
		if w.downSince.IsZero() {
			w.downSince = m.clock()
		}
	} else {
		w.downSince = time.Time{}
	}

	observability.Telemetry().SetGauge(observability.MetricHealthClass, snap.Class.GaugeValue(),
		map[string]string{"source": source})
}

// Snapshot returns the current window summary for one source. An
// unknown source reports healthy with zero attempts.
func (m *Monitor) Snapshot(source string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.windows[source]
	if w == nil {
		return Snapshot{Source: source, Class: ClassHealthy}
	}
	snap := m.computeLocked(source, w)
	snap.DownSince = w.downSince
	return snap
}

// Snapshots returns summaries for every source seen so far, ordered by
// source name.
func (m *Monitor) Snapshots() []Snapshot {
	m.mu.Lock()
	names := make([]string, 0, len(m.windows))
	for name := range m.windows {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)

	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		out = append(out, m.Snapshot(name))
	}
	return out
}

// Evaluate compares each source's class against its last evaluated state
// and returns the transitions worth notifying: degradations into
// warning/critical/down, suppressed within the per-source cooldown, and a
// single recovery notice when a degraded source returns to healthy.
func (m *Monitor) Evaluate() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	var alerts []Alert
	now := m.clock()
	for source, w := range m.windows {
		snap := m.computeLocked(source, w)
		cooldown := m.lookup(source).AlertCooldown

		switch {
		case snap.Class == ClassHealthy:
			if w.alerted {
				w.alerted = false
				w.lastAlertAt = time.Time{}
				alerts = append(alerts, Alert{
					ID:        uuid.New(),
					Source:    source,
					Class:     ClassHealthy,
					Previous:  w.class,
					Recovered: true,
					At:        now,
				})
			}
		default:
			if w.alerted && now.Sub(w.lastAlertAt) < cooldown {
				break
			}
			alerts = append(alerts, Alert{
				ID:       uuid.New(),
				Source:   source,
				Class:    snap.Class,
				Previous: w.class,
				Dominant: snap.DominantFailure,
				Guidance: guidance(snap.DominantFailure),
				At:       now,
			})
			w.alerted = true
			w.lastAlertAt = now
		}
		w.class = snap.Class
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Source < alerts[j].Source })
	return alerts
}

// ProbeCandidates lists sources down continuously for at least persist,
// eligible for a one-off trial fetch outside the normal cycle.
func (m *Monitor) ProbeCandidates(persist time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	var out []string
	for source, w := range m.windows {
		if !w.downSince.IsZero() && now.Sub(w.downSince) >= persist {
			out = append(out, source)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Monitor) computeLocked(source string, w *window) Snapshot {
	cfg := m.lookup(source)
	minRate := cfg.MinSuccessRate
	if minRate <= 0 {
		minRate = 0.8
	}

	count := w.next
	if w.filled {
		count = len(w.samples)
	}
	snap := Snapshot{Source: source, Class: ClassHealthy, Attempts: count}
	if count == 0 {
		snap.SuccessRate = 1.0
		return snap
	}

	var successes int
	var totalLatency time.Duration
	latencies := make([]time.Duration, 0, count)
	failures := make(map[schema.Outcome]int)
	for i := 0; i < count; i++ {
		s := w.samples[i]
		if s.outcome == schema.OutcomeSuccess || s.outcome == schema.OutcomeNotFound {
			successes++
		} else {
			failures[s.outcome]++
		}
		totalLatency += s.latency
		latencies = append(latencies, s.latency)
	}
	snap.SuccessRate = float64(successes) / float64(count)
	snap.MeanLatency = totalLatency / time.Duration(count)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	idx := (count * 95) / 100
	if idx >= count {
		idx = count - 1
	}
	snap.P95Latency = latencies[idx]
	snap.DominantFailure = dominant(failures)

	switch {
	case m.circuitDownLocked(source, cfg):
		snap.Class = ClassDown
	case snap.SuccessRate < 0.2:
		snap.Class = ClassDown
	case snap.SuccessRate < 0.5:
		snap.Class = ClassCritical
	case cfg.LatencyCeiling > 0 && snap.MeanLatency > cfg.LatencyCeiling:
		snap.Class = ClassCritical
	case snap.SuccessRate < minRate:
		snap.Class = ClassWarning
	default:
		snap.Class = ClassHealthy
	}
	return snap
}

func (m *Monitor) circuitDownLocked(source string, cfg config.HealthSettings) bool {
	if m.circuits == nil || cfg.DownAfter <= 0 {
		return false
	}
	since, open := m.circuits.OpenSince(source)
	return open && m.clock().Sub(since) >= cfg.DownAfter
}

func dominant(failures map[schema.Outcome]int) schema.Outcome {
	var best schema.Outcome
	bestCount := 0
	for outcome, n := range failures {
		if n > bestCount || (n == bestCount && outcome < best) {
			best = outcome
			bestCount = n
		}
	}
	return best
}

func guidance(dominant schema.Outcome) string {
	switch dominant {
	case schema.OutcomeRateLimited:
		return "origin is rate limiting; pacing has been slowed, consider lowering per-minute budget"
	case schema.OutcomeBlocked:
		return "requests are being blocked; rotate identity or switch the source to the browser fetcher"
	case schema.OutcomeParseFailed:
		return "fetches succeed but extraction fails; likely layout drift, review parser strategies"
	case schema.OutcomeTimeout, schema.OutcomeTransportError:
		return "network instability toward origin; verify connectivity and response-time ceiling"
	default:
		return ""
	}
}
