package telemetry

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kickradar/kickradar/internal/observability"
)

// Metrics exports engine metrics through an otel meter. Instruments are
// created lazily and cached per name so hot paths avoid repeated lookups.
type Metrics struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

// NewMetrics builds an otel-backed sink for the observability hooks.
func NewMetrics(meter metric.Meter) *Metrics {
	return &Metrics{
		meter:      meter,
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

var _ observability.Metrics = (*Metrics)(nil)

// IncCounter adds value to the named counter.
func (m *Metrics) IncCounter(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	counter, ok := m.counters[name]
	if !ok {
		var err error
		counter, err = m.meter.Float64Counter(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.counters[name] = counter
	}
	m.mu.Unlock()
	counter.Add(context.Background(), value, metric.WithAttributes(attrs(labels)...))
}

// ObserveHistogram records value into the named histogram.
func (m *Metrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	histogram, ok := m.histograms[name]
	if !ok {
		var err error
		histogram, err = m.meter.Float64Histogram(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.histograms[name] = histogram
	}
	m.mu.Unlock()
	histogram.Record(context.Background(), value, metric.WithAttributes(attrs(labels)...))
}

// SetGauge records the latest value of the named gauge.
func (m *Metrics) SetGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	gauge, ok := m.gauges[name]
	if !ok {
		var err error
		gauge, err = m.meter.Float64Gauge(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.gauges[name] = gauge
	}
	m.mu.Unlock()
	gauge.Record(context.Background(), value, metric.WithAttributes(attrs(labels)...))
}

func attrs(labels map[string]string) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(labels)+1)
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, attribute.String(k, labels[k]))
	}
	out = append(out, attribute.String("environment", Environment()))
	return out
}
