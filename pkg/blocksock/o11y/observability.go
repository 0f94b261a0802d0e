// Package o11y defines the metrics and tracing hooks used across blocksock.
//
// Components accept these interfaces and treat nil as "not configured", so
// observability never has to be wired for the adapters to work.
package o11y

import (
	"context"
)

// MetricsProvider abstracts metrics collection.
type MetricsProvider interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
	Gauge(name string) Gauge
}

// TracingProvider abstracts distributed tracing.
type TracingProvider interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// Counter is a monotonically increasing metric.
type Counter interface {
	Add(ctx context.Context, value int64, labels ...Label)
}

// Histogram records a distribution of values.
type Histogram interface {
	Record(ctx context.Context, value float64, labels ...Label)
}

// Gauge is a value that can go up and down.
type Gauge interface {
	Set(ctx context.Context, value float64, labels ...Label)
}

// Span is a unit of work in a trace.
type Span interface {
	SetAttributes(labels ...Label)
	SetStatus(code SpanStatusCode, description string)
	End()
}

// Label is a key-value pair attached to a metric or span.
type Label struct {
	Key   string
	Value string
}

type SpanStatusCode int

const (
	SpanStatusUnset SpanStatusCode = iota
	SpanStatusOK
	SpanStatusError
)
