package o11y

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemoryMetrics(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMetrics()

	counter := m.Counter("events_total")
	counter.Add(ctx, 1, Label{Key: "type", Value: "open"})
	counter.Add(ctx, 2, Label{Key: "type", Value: "open"})
	counter.Add(ctx, 1, Label{Key: "type", Value: "close"})
	counter.Add(ctx, 5)

	assert.Equal(t, int64(3), m.CounterValue("events_total", Label{Key: "type", Value: "open"}))
	assert.Equal(t, int64(1), m.CounterValue("events_total", Label{Key: "type", Value: "close"}))
	assert.Equal(t, int64(5), m.CounterValue("events_total"))
	assert.Equal(t, int64(0), m.CounterValue("missing"))
	assert.Len(t, m.Counters(), 3)

	m.Gauge("subscribers").Set(ctx, 4)
	m.Gauge("subscribers").Set(ctx, 2)
	assert.Equal(t, 2.0, m.GaugeValue("subscribers"))

	m.Histogram("latency").Record(ctx, 0.5)
	m.Histogram("latency").Record(ctx, 1.5)
	values := m.HistogramValues("latency")
	assert.Equal(t, []float64{0.5, 1.5}, values)

	values[0] = 99
	assert.Equal(t, 0.5, m.HistogramValues("latency")[0])
}

func TestSeriesKey(t *testing.T) {
	assert.Equal(t, "name", SeriesKey("name"))
	assert.Equal(t, "name{a=1,b=2}", SeriesKey("name", Label{Key: "b", Value: "2"}, Label{Key: "a", Value: "1"}))
}
