// Package otel implements the o11y interfaces with OpenTelemetry.
package otel

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tsarna/blocksock/pkg/blocksock/o11y"
)

// Provider implements both o11y.MetricsProvider and o11y.TracingProvider
// using the globally registered OpenTelemetry meter and tracer providers.
// Instruments that cannot be created are reported to the global OpenTelemetry
// error handler and record nothing.
type Provider struct {
	meter  metric.Meter
	tracer trace.Tracer
}

func NewProvider(serviceName, serviceVersion string) *Provider {
	return &Provider{
		meter:  otel.Meter(serviceName, metric.WithInstrumentationVersion(serviceVersion)),
		tracer: otel.Tracer(serviceName, trace.WithInstrumentationVersion(serviceVersion)),
	}
}

// unitFor derives the UCUM unit from the metric name's suffix.
func unitFor(name string) string {
	switch {
	case strings.HasSuffix(name, "_seconds"):
		return "s"
	case strings.HasSuffix(name, "_bytes"):
		return "By"
	default:
		return ""
	}
}

func (p *Provider) Counter(name string) o11y.Counter {
	counter, err := p.meter.Int64Counter(name, metric.WithUnit(unitFor(name)))
	if err != nil {
		otel.Handle(err)
	}
	return &otelCounter{counter: counter}
}

func (p *Provider) Histogram(name string) o11y.Histogram {
	histogram, err := p.meter.Float64Histogram(name, metric.WithUnit(unitFor(name)))
	if err != nil {
		otel.Handle(err)
	}
	return &otelHistogram{histogram: histogram}
}

// Gauge reports the last value set for each label set. It is backed by an
// UpDownCounter that is moved by the difference from the previous value.
func (p *Provider) Gauge(name string) o11y.Gauge {
	gauge, err := p.meter.Float64UpDownCounter(name, metric.WithUnit(unitFor(name)))
	if err != nil {
		otel.Handle(err)
	}
	return &otelGauge{gauge: gauge, last: make(map[attribute.Distinct]float64)}
}

func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, o11y.Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

func attributes(labels []o11y.Label) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, len(labels))
	for i, label := range labels {
		attrs[i] = attribute.String(label.Key, label.Value)
	}
	return attrs
}

type otelCounter struct {
	counter metric.Int64Counter
}

func (c *otelCounter) Add(ctx context.Context, value int64, labels ...o11y.Label) {
	if c.counter == nil {
		return
	}
	c.counter.Add(ctx, value, metric.WithAttributes(attributes(labels)...))
}

type otelHistogram struct {
	histogram metric.Float64Histogram
}

func (h *otelHistogram) Record(ctx context.Context, value float64, labels ...o11y.Label) {
	if h.histogram == nil {
		return
	}
	h.histogram.Record(ctx, value, metric.WithAttributes(attributes(labels)...))
}

type otelGauge struct {
	gauge metric.Float64UpDownCounter

	mu   sync.Mutex
	last map[attribute.Distinct]float64
}

func (g *otelGauge) Set(ctx context.Context, value float64, labels ...o11y.Label) {
	set := attribute.NewSet(attributes(labels)...)
	delta := g.delta(set, value)
	if delta == 0 || g.gauge == nil {
		return
	}
	g.gauge.Add(ctx, delta, metric.WithAttributeSet(set))
}

// delta records value as the current one for set and returns how far it
// moved.
func (g *otelGauge) delta(set attribute.Set, value float64) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := set.Equivalent()
	delta := value - g.last[key]
	g.last[key] = value
	return delta
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) SetAttributes(labels ...o11y.Label) {
	s.span.SetAttributes(attributes(labels)...)
}

func (s *otelSpan) SetStatus(code o11y.SpanStatusCode, description string) {
	switch code {
	case o11y.SpanStatusOK:
		s.span.SetStatus(codes.Ok, description)
	case o11y.SpanStatusError:
		s.span.SetStatus(codes.Error, description)
	default:
		s.span.SetStatus(codes.Unset, description)
	}
}

func (s *otelSpan) End() {
	s.span.End()
}
