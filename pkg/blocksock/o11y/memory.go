package o11y

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryMetrics is a MetricsProvider that keeps every series in memory.
// The CLI uses it to print a summary on exit; tests use it to assert on
// what a component recorded.
type MemoryMetrics struct {
	mu         sync.Mutex
	counters   map[string]int64
	gauges     map[string]float64
	histograms map[string][]float64
}

func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		counters:   make(map[string]int64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (m *MemoryMetrics) Counter(name string) Counter {
	return memoryCounter{m: m, name: name}
}

func (m *MemoryMetrics) Histogram(name string) Histogram {
	return memoryHistogram{m: m, name: name}
}

func (m *MemoryMetrics) Gauge(name string) Gauge {
	return memoryGauge{m: m, name: name}
}

// CounterValue returns the current value of a counter series, e.g.
// CounterValue("websockets_events_total", Label{"type", "open"}).
func (m *MemoryMetrics) CounterValue(name string, labels ...Label) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[SeriesKey(name, labels...)]
}

// GaugeValue returns the last value set on a gauge series.
func (m *MemoryMetrics) GaugeValue(name string, labels ...Label) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[SeriesKey(name, labels...)]
}

// HistogramValues returns a copy of the values recorded on a histogram series.
func (m *MemoryMetrics) HistogramValues(name string, labels ...Label) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	values := m.histograms[SeriesKey(name, labels...)]
	out := make([]float64, len(values))
	copy(out, values)
	return out
}

// Counters returns a snapshot of all counter series.
func (m *MemoryMetrics) Counters() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out
}

// SeriesKey renders a metric name and its labels as name{k=v,...} with
// labels sorted by key.
func SeriesKey(name string, labels ...Label) string {
	if len(labels) == 0 {
		return name
	}

	sorted := make([]Label, len(labels))
	copy(sorted, labels)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('{')
	for i, l := range sorted {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(l.Key)
		sb.WriteByte('=')
		sb.WriteString(l.Value)
	}
	sb.WriteByte('}')
	return sb.String()
}

type memoryCounter struct {
	m    *MemoryMetrics
	name string
}

func (c memoryCounter) Add(ctx context.Context, value int64, labels ...Label) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	c.m.counters[SeriesKey(c.name, labels...)] += value
}

type memoryHistogram struct {
	m    *MemoryMetrics
	name string
}

func (h memoryHistogram) Record(ctx context.Context, value float64, labels ...Label) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	key := SeriesKey(h.name, labels...)
	h.m.histograms[key] = append(h.m.histograms[key], value)
}

type memoryGauge struct {
	m    *MemoryMetrics
	name string
}

func (g memoryGauge) Set(ctx context.Context, value float64, labels ...Label) {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	g.m.gauges[SeriesKey(g.name, labels...)] = value
}
