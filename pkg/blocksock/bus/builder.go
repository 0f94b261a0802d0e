package bus

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tsarna/blocksock/pkg/blocksock/o11y"
)

// EventBusBuilder provides a fluent interface for creating EventBus instances
type EventBusBuilder struct {
	logger          *zap.Logger
	bufferSize      int
	busName         string
	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider
}

// NewEventBus creates a new EventBusBuilder
func NewEventBus() *EventBusBuilder {
	return &EventBusBuilder{
		bufferSize: 1000,
		busName:    "main",
	}
}

// WithLogger sets the logger for the EventBus
func (b *EventBusBuilder) WithLogger(logger *zap.Logger) *EventBusBuilder {
	b.logger = logger
	return b
}

// WithName sets the name used in log entries
func (b *EventBusBuilder) WithName(name string) *EventBusBuilder {
	b.busName = name
	return b
}

// WithBufferSize sets the channel buffer size for the EventBus
func (b *EventBusBuilder) WithBufferSize(size int) *EventBusBuilder {
	b.bufferSize = size
	return b
}

// WithMetrics sets the metrics provider for the EventBus
func (b *EventBusBuilder) WithMetrics(provider o11y.MetricsProvider) *EventBusBuilder {
	b.metricsProvider = provider
	return b
}

// WithTracing sets the tracing provider for the EventBus
func (b *EventBusBuilder) WithTracing(provider o11y.TracingProvider) *EventBusBuilder {
	b.tracingProvider = provider
	return b
}

// IsValid validates the builder configuration
func (b *EventBusBuilder) IsValid() error {
	if b.bufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive, got %d", b.bufferSize)
	}
	return nil
}

// Build creates the EventBus. It still has to be started.
func (b *EventBusBuilder) Build() (EventBus, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	eb := &basicEventBus{
		ch:              make(chan busMessage, b.bufferSize),
		ctx:             ctx,
		cancel:          cancel,
		name:            b.busName,
		logger:          logger,
		metricsProvider: b.metricsProvider,
		tracingProvider: b.tracingProvider,
	}
	eb.setupObservability()

	return eb, nil
}
