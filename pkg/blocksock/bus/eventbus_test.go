package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tsarna/blocksock/pkg/blocksock/o11y"
)

type received struct {
	topic   string
	payload any
}

type recordingSubscriber struct {
	BaseSubscriber
	name   string
	mu     sync.Mutex
	events []received
	order  *[]string
	err    error
}

func (r *recordingSubscriber) OnEvent(ctx context.Context, topic string, message any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, received{topic: topic, payload: message})
	if r.order != nil {
		*r.order = append(*r.order, r.name)
	}
	return r.err
}

func (r *recordingSubscriber) Events() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]received, len(r.events))
	copy(out, r.events)
	return out
}

func startedBus(t *testing.T, metrics o11y.MetricsProvider) EventBus {
	t.Helper()

	b, err := NewEventBus().WithLogger(zap.NewNop()).WithMetrics(metrics).Build()
	require.NoError(t, err)
	require.NoError(t, b.Start())
	t.Cleanup(func() { b.Stop() })
	return b
}

func TestEventBusLifecycle(t *testing.T) {
	b, err := NewEventBus().Build()
	require.NoError(t, err)

	assert.Error(t, b.Publish(context.Background(), "a", nil), "publish before start")
	assert.Error(t, b.Stop(), "stop before start")

	require.NoError(t, b.Start())
	assert.Error(t, b.Start(), "double start")

	require.NoError(t, b.Stop())
	assert.Error(t, b.PublishSync(context.Background(), "a", nil), "publish after stop")
}

func TestEventBusMatching(t *testing.T) {
	ctx := context.Background()
	b := startedBus(t, nil)

	exact := &recordingSubscriber{name: "exact"}
	single := &recordingSubscriber{name: "single"}
	multi := &recordingSubscriber{name: "multi"}

	require.NoError(t, b.Subscribe(ctx, exact, "hats/websockets_whenEvent/open"))
	require.NoError(t, b.Subscribe(ctx, single, "hats/websockets_whenEvent/+"))
	require.NoError(t, b.Subscribe(ctx, multi, "hats/#"))

	require.NoError(t, b.PublishSync(ctx, "hats/websockets_whenEvent/open", "o"))
	require.NoError(t, b.PublishSync(ctx, "hats/websockets_whenEvent/close", "c"))
	require.NoError(t, b.PublishSync(ctx, "hats/other/x/y", "z"))

	assert.Equal(t, []received{{"hats/websockets_whenEvent/open", "o"}}, exact.Events())
	assert.Equal(t, []received{
		{"hats/websockets_whenEvent/open", "o"},
		{"hats/websockets_whenEvent/close", "c"},
	}, single.Events())
	assert.Len(t, multi.Events(), 3)
}

func TestEventBusDeliversInSubscriptionOrder(t *testing.T) {
	ctx := context.Background()
	b := startedBus(t, nil)

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		require.NoError(t, b.Subscribe(ctx, &recordingSubscriber{name: name, order: &order}, "t"))
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, b.PublishSync(ctx, "t", i))
	}

	assert.Equal(t, []string{
		"first", "second", "third",
		"first", "second", "third",
		"first", "second", "third",
	}, order)
}

func TestEventBusSubscribeTwiceDeliversOnce(t *testing.T) {
	ctx := context.Background()
	b := startedBus(t, nil)

	sub := &recordingSubscriber{}
	require.NoError(t, b.Subscribe(ctx, sub, "a/+"))
	require.NoError(t, b.Subscribe(ctx, sub, "a/b"))
	require.NoError(t, b.Subscribe(ctx, sub, "a/b"))

	require.NoError(t, b.PublishSync(ctx, "a/b", 1))
	assert.Len(t, sub.Events(), 1)
}

func TestEventBusUnsubscribe(t *testing.T) {
	ctx := context.Background()
	b := startedBus(t, nil)

	sub := &recordingSubscriber{}
	require.NoError(t, b.Subscribe(ctx, sub, "a"))
	require.NoError(t, b.Subscribe(ctx, sub, "b"))

	require.NoError(t, b.Unsubscribe(ctx, sub, "a"))
	require.NoError(t, b.Unsubscribe(ctx, sub, "never-subscribed"))
	require.NoError(t, b.PublishSync(ctx, "a", 1))
	require.NoError(t, b.PublishSync(ctx, "b", 2))
	assert.Equal(t, []received{{"b", 2}}, sub.Events())

	require.NoError(t, b.UnsubscribeAll(ctx, sub))
	require.NoError(t, b.UnsubscribeAll(ctx, &recordingSubscriber{}))
	require.NoError(t, b.PublishSync(ctx, "b", 3))
	assert.Len(t, sub.Events(), 1)
}

func TestEventBusPublishSyncReturnsFirstError(t *testing.T) {
	ctx := context.Background()
	metrics := o11y.NewMemoryMetrics()
	b := startedBus(t, metrics)

	boom := errors.New("boom")
	failing := &recordingSubscriber{err: boom}
	ok := &recordingSubscriber{}
	require.NoError(t, b.Subscribe(ctx, failing, "t"))
	require.NoError(t, b.Subscribe(ctx, ok, "t"))

	assert.ErrorIs(t, b.PublishSync(ctx, "t", nil), boom)
	assert.Len(t, ok.Events(), 1, "later subscribers still run")

	topic := o11y.Label{Key: "topic", Value: "t"}
	assert.Equal(t, int64(2), metrics.CounterValue("eventbus_messages_delivered_total", topic))
	assert.Equal(t, int64(1), metrics.CounterValue("eventbus_errors_total", o11y.Label{Key: "operation", Value: "on_event"}, topic))
	assert.Equal(t, 2.0, metrics.GaugeValue("eventbus_active_subscribers"))
	assert.Len(t, metrics.HistogramValues("eventbus_publish_sync_duration_seconds", topic), 1)
}

func TestEventBusAsyncPublish(t *testing.T) {
	ctx := context.Background()
	b := startedBus(t, nil)

	sub := &recordingSubscriber{}
	require.NoError(t, b.Subscribe(ctx, sub, "t"))

	require.NoError(t, b.Publish(ctx, "t", "async"))
	// A sync publish queued behind the async one proves it was delivered.
	require.NoError(t, b.PublishSync(ctx, "t", "sync"))

	assert.Equal(t, []received{{"t", "async"}, {"t", "sync"}}, sub.Events())
}

type gatedSubscriber struct {
	BaseSubscriber
	entered chan struct{}
	gate    chan struct{}

	mu       sync.Mutex
	payloads []any
}

func (g *gatedSubscriber) OnEvent(ctx context.Context, topic string, message any) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.gate

	g.mu.Lock()
	defer g.mu.Unlock()
	g.payloads = append(g.payloads, message)
	return nil
}

func (g *gatedSubscriber) Payloads() []any {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]any, len(g.payloads))
	copy(out, g.payloads)
	return out
}

func TestEventBusPublishWaitWhenFull(t *testing.T) {
	ctx := context.Background()
	b, err := NewEventBus().WithLogger(zap.NewNop()).WithBufferSize(1).Build()
	require.NoError(t, err)
	require.NoError(t, b.Start())
	defer b.Stop()

	sub := &gatedSubscriber{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	require.NoError(t, b.Subscribe(ctx, sub, "t"))

	require.NoError(t, b.Publish(ctx, "t", 1))
	<-sub.entered
	require.NoError(t, b.Publish(ctx, "t", 2))

	assert.ErrorContains(t, b.Publish(ctx, "t", "dropped"), "full")

	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.PublishWait(timeoutCtx, "t", "timed out"), context.DeadlineExceeded)

	waited := make(chan error, 1)
	go func() {
		waited <- b.PublishWait(ctx, "t", 3)
	}()

	select {
	case err := <-waited:
		t.Fatalf("PublishWait returned %v while the queue was full", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(sub.gate)
	require.NoError(t, <-waited)

	require.Eventually(t, func() bool { return len(sub.Payloads()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []any{1, 2, 3}, sub.Payloads())
}

func TestEventBusPublishWaitAfterStop(t *testing.T) {
	b, err := NewEventBus().Build()
	require.NoError(t, err)
	require.NoError(t, b.Start())
	require.NoError(t, b.Stop())

	assert.Error(t, b.PublishWait(context.Background(), "t", nil))
}

func TestEventBusBuilder(t *testing.T) {
	_, err := NewEventBus().WithBufferSize(0).Build()
	assert.Error(t, err)

	builder := NewEventBus()
	assert.Same(t, builder, builder.WithName("hats"))
	assert.Same(t, builder, builder.WithLogger(zap.NewNop()))
	assert.Same(t, builder, builder.WithBufferSize(10))
	assert.Same(t, builder, builder.WithMetrics(nil))
	assert.Same(t, builder, builder.WithTracing(nil))
}
