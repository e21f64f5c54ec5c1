package observability

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricsClient records counters, gauges, and timings for engine
// operations. The default implementation keeps everything in memory;
// deployments that scrape metrics swap in an exporter-backed client.
type MetricsClient interface {
	IncrementCounter(name string, value float64)
	IncrementCounterWithLabels(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordDuration(name string, d time.Duration)
	// StartTimer returns a stop function that records the elapsed time.
	StartTimer(name string, labels map[string]string) func()
	Close() error
}

// InMemoryMetrics is a thread-safe MetricsClient good enough for tests
// and single-process deployments.
type InMemoryMetrics struct {
	mu        sync.Mutex
	counters  map[string]float64
	gauges    map[string]float64
	durations map[string][]time.Duration
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		counters:  make(map[string]float64),
		gauges:    make(map[string]float64),
		durations: make(map[string][]time.Duration),
	}
}

func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("," + k + "=" + labels[k])
	}
	return b.String()
}

func (m *InMemoryMetrics) IncrementCounter(name string, value float64) {
	m.IncrementCounterWithLabels(name, value, nil)
}

func (m *InMemoryMetrics) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[metricKey(name, labels)] += value
}

func (m *InMemoryMetrics) RecordGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[metricKey(name, labels)] = value
}

func (m *InMemoryMetrics) RecordDuration(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations[name] = append(m.durations[name], d)
}

func (m *InMemoryMetrics) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	key := metricKey(name, labels)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.durations[key] = append(m.durations[key], time.Since(start))
	}
}

// Counter returns the current value of a counter, for tests.
func (m *InMemoryMetrics) Counter(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[metricKey(name, labels)]
}

func (m *InMemoryMetrics) Close() error { return nil }

// NoopMetrics discards everything.
type NoopMetrics struct{}

func NewNoopMetrics() MetricsClient { return NoopMetrics{} }

func (NoopMetrics) IncrementCounter(string, float64)                              {}
func (NoopMetrics) IncrementCounterWithLabels(string, float64, map[string]string) {}
func (NoopMetrics) RecordGauge(string, float64, map[string]string)                {}
func (NoopMetrics) RecordDuration(string, time.Duration)                          {}
func (NoopMetrics) StartTimer(string, map[string]string) func()                   { return func() {} }
func (NoopMetrics) Close() error                                                  { return nil }
