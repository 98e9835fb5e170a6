package observability

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// Metric names emitted by the engine, labelled by source where relevant.
const (
	// MetricFetchOutcomes counts terminal fetch outcomes per source and category.
	MetricFetchOutcomes = "engine.fetch.outcomes"
	// MetricFetchLatency records fetch round-trip latency in seconds.
	MetricFetchLatency = "engine.fetch.latency"
	// MetricHealthClass exposes the numeric health class per source.
	MetricHealthClass = "engine.health.class"
	// MetricCircuitState exposes the numeric breaker state per source.
	MetricCircuitState = "engine.circuit.state"
	// MetricChangeEvents counts emitted change events per kind.
	MetricChangeEvents = "engine.change.events"
	// MetricCycleDuration records wall-clock cycle duration in seconds.
	MetricCycleDuration = "engine.cycle.duration"
)
