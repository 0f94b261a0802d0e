// Package bus provides the host's event bus: a single goroutine that
// delivers published events to subscribers whose MQTT-style topic patterns
// match.
//
// All subscriber callbacks run on that one goroutine, in subscription order,
// which is what gives hat scripts the host's single-threaded execution
// model.
package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amir-yaghoubi/mqttpattern"
	"go.uber.org/zap"

	"github.com/tsarna/blocksock/pkg/blocksock/o11y"
)

// EventBus delivers events to subscribers. Subscribers run on the bus
// goroutine and must not call Subscribe, Unsubscribe, UnsubscribeAll,
// PublishSync or PublishWait from OnEvent, as those wait for that same
// goroutine.
type EventBus interface {
	Start() error
	Stop() error

	Subscribe(ctx context.Context, subscriber Subscriber, topic string) error
	Unsubscribe(ctx context.Context, subscriber Subscriber, topic string) error
	UnsubscribeAll(ctx context.Context, subscriber Subscriber) error

	// Publish queues an event and returns immediately. The event is dropped
	// with an error if the queue is full.
	Publish(ctx context.Context, topic string, payload any) error
	// PublishWait queues an event, waiting for room in the queue until ctx
	// is done or the bus stops. It does not wait for delivery.
	PublishWait(ctx context.Context, topic string, payload any) error
	// PublishSync returns once every matching subscriber has run, with the
	// first error any of them returned.
	PublishSync(ctx context.Context, topic string, payload any) error
}

type Subscriber interface {
	OnSubscribe(ctx context.Context, topic string) error
	OnUnsubscribe(ctx context.Context, topic string) error
	OnEvent(ctx context.Context, topic string, message any) error
}

// BaseSubscriber implements Subscriber with no-ops, for embedding.
type BaseSubscriber struct{}

func (b *BaseSubscriber) OnSubscribe(ctx context.Context, topic string) error {
	return nil
}

func (b *BaseSubscriber) OnUnsubscribe(ctx context.Context, topic string) error {
	return nil
}

func (b *BaseSubscriber) OnEvent(ctx context.Context, topic string, message any) error {
	return nil
}

type messageType int

const (
	messageTypeEvent messageType = iota
	messageTypeEventSync
	messageTypeSubscribe
	messageTypeUnsubscribe
	messageTypeUnsubscribeAll
)

type busMessage struct {
	ctx        context.Context
	msgType    messageType
	topic      string
	payload    any
	subscriber Subscriber
	responseCh chan error
}

type matcher func(topic string) bool

func makeMatcher(pattern string) matcher {
	if !strings.ContainsAny(pattern, "+#") {
		return func(topic string) bool {
			return topic == pattern
		}
	}

	return func(topic string) bool {
		return mqttpattern.Matches(pattern, topic)
	}
}

type subscription struct {
	subscriber Subscriber
	patterns   []string
	matchers   map[string]matcher
}

func (s *subscription) matches(topic string) bool {
	for _, pattern := range s.patterns {
		if s.matchers[pattern](topic) {
			return true
		}
	}
	return false
}

// basicEventBus only touches subscriptions from its processing goroutine,
// so no lock protects them.
type basicEventBus struct {
	ch      chan busMessage
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started int32
	name    string
	logger  *zap.Logger

	subscriptions []*subscription

	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider

	publishCounter   o11y.Counter
	deliveredCounter o11y.Counter
	errorCounter     o11y.Counter
	latencyHistogram o11y.Histogram
	subscriberGauge  o11y.Gauge
}

func (b *basicEventBus) setupObservability() {
	if b.metricsProvider == nil {
		return
	}

	b.publishCounter = b.metricsProvider.Counter("eventbus_messages_published_total")
	b.deliveredCounter = b.metricsProvider.Counter("eventbus_messages_delivered_total")
	b.errorCounter = b.metricsProvider.Counter("eventbus_errors_total")
	b.latencyHistogram = b.metricsProvider.Histogram("eventbus_publish_sync_duration_seconds")
	b.subscriberGauge = b.metricsProvider.Gauge("eventbus_active_subscribers")
}

// Start begins the bus's processing goroutine.
func (b *basicEventBus) Start() error {
	if !atomic.CompareAndSwapInt32(&b.started, 0, 1) {
		return fmt.Errorf("event bus already started")
	}

	b.wg.Add(1)
	go b.loop()

	return nil
}

func (b *basicEventBus) loop() {
	defer b.wg.Done()
	b.logger.Debug("EventBus started", zap.String("bus", b.name))

	for {
		select {
		case msg := <-b.ch:
			var err error
			switch msg.msgType {
			case messageTypeEvent, messageTypeEventSync:
				err = b.deliver(msg)
			case messageTypeSubscribe:
				err = b.doSubscribe(msg)
			case messageTypeUnsubscribe:
				err = b.doUnsubscribe(msg)
			case messageTypeUnsubscribeAll:
				err = b.doUnsubscribeAll(msg)
			}

			if msg.responseCh != nil {
				msg.responseCh <- err
			}
		case <-b.ctx.Done():
			b.logger.Debug("EventBus stopping", zap.String("bus", b.name))
			return
		}
	}
}

func (b *basicEventBus) deliver(msg busMessage) error {
	var firstErr error

	for _, sub := range b.subscriptions {
		if !sub.matches(msg.topic) {
			continue
		}

		if b.deliveredCounter != nil {
			b.deliveredCounter.Add(msg.ctx, 1, o11y.Label{Key: "topic", Value: msg.topic})
		}

		if err := sub.subscriber.OnEvent(msg.ctx, msg.topic, msg.payload); err != nil {
			b.logger.Error("Error in OnEvent", zap.String("bus", b.name), zap.String("topic", msg.topic), zap.Error(err))
			if b.errorCounter != nil {
				b.errorCounter.Add(msg.ctx, 1,
					o11y.Label{Key: "operation", Value: "on_event"},
					o11y.Label{Key: "topic", Value: msg.topic},
				)
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

func (b *basicEventBus) find(subscriber Subscriber) (int, *subscription) {
	for i, sub := range b.subscriptions {
		if sub.subscriber == subscriber {
			return i, sub
		}
	}
	return -1, nil
}

func (b *basicEventBus) updateGauge(ctx context.Context) {
	if b.subscriberGauge != nil {
		b.subscriberGauge.Set(ctx, float64(len(b.subscriptions)))
	}
}

func (b *basicEventBus) doSubscribe(msg busMessage) error {
	_, sub := b.find(msg.subscriber)
	if sub == nil {
		sub = &subscription{
			subscriber: msg.subscriber,
			matchers:   make(map[string]matcher),
		}
		b.subscriptions = append(b.subscriptions, sub)
	}

	if _, ok := sub.matchers[msg.topic]; !ok {
		sub.patterns = append(sub.patterns, msg.topic)
	}
	sub.matchers[msg.topic] = makeMatcher(msg.topic)

	b.updateGauge(msg.ctx)

	return msg.subscriber.OnSubscribe(msg.ctx, msg.topic)
}

func (b *basicEventBus) doUnsubscribe(msg busMessage) error {
	i, sub := b.find(msg.subscriber)
	if sub == nil {
		return nil // not subscribed - not an error
	}

	if _, ok := sub.matchers[msg.topic]; !ok {
		return nil
	}

	delete(sub.matchers, msg.topic)
	for j, pattern := range sub.patterns {
		if pattern == msg.topic {
			sub.patterns = append(sub.patterns[:j], sub.patterns[j+1:]...)
			break
		}
	}

	if len(sub.patterns) == 0 {
		b.subscriptions = append(b.subscriptions[:i], b.subscriptions[i+1:]...)
	}

	b.updateGauge(msg.ctx)

	return msg.subscriber.OnUnsubscribe(msg.ctx, msg.topic)
}

func (b *basicEventBus) doUnsubscribeAll(msg busMessage) error {
	i, sub := b.find(msg.subscriber)
	if sub == nil {
		return nil
	}

	b.subscriptions = append(b.subscriptions[:i], b.subscriptions[i+1:]...)
	b.updateGauge(msg.ctx)

	return msg.subscriber.OnUnsubscribe(msg.ctx, "")
}

func (b *basicEventBus) Publish(ctx context.Context, topic string, payload any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if b.tracingProvider != nil {
		var span o11y.Span
		ctx, span = b.tracingProvider.StartSpan(ctx, "eventbus.publish")
		defer span.End()
		span.SetAttributes(o11y.Label{Key: "topic", Value: topic})
	}

	if b.publishCounter != nil {
		b.publishCounter.Add(ctx, 1, o11y.Label{Key: "topic", Value: topic})
	}

	return b.accept(busMessage{ctx: ctx, msgType: messageTypeEvent, topic: topic, payload: payload})
}

func (b *basicEventBus) PublishWait(ctx context.Context, topic string, payload any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if b.tracingProvider != nil {
		var span o11y.Span
		ctx, span = b.tracingProvider.StartSpan(ctx, "eventbus.publish_wait")
		defer span.End()
		span.SetAttributes(o11y.Label{Key: "topic", Value: topic})
	}

	if b.publishCounter != nil {
		b.publishCounter.Add(ctx, 1, o11y.Label{Key: "topic", Value: topic})
	}

	return b.enqueue(busMessage{ctx: ctx, msgType: messageTypeEvent, topic: topic, payload: payload})
}

func (b *basicEventBus) PublishSync(ctx context.Context, topic string, payload any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	var span o11y.Span
	if b.tracingProvider != nil {
		ctx, span = b.tracingProvider.StartSpan(ctx, "eventbus.publish_sync")
		defer span.End()
		span.SetAttributes(o11y.Label{Key: "topic", Value: topic})
	}

	err := b.request(busMessage{ctx: ctx, msgType: messageTypeEventSync, topic: topic, payload: payload})

	if b.latencyHistogram != nil {
		b.latencyHistogram.Record(ctx, time.Since(start).Seconds(), o11y.Label{Key: "topic", Value: topic})
	}

	if span != nil {
		if err != nil {
			span.SetStatus(o11y.SpanStatusError, err.Error())
		} else {
			span.SetStatus(o11y.SpanStatusOK, "")
		}
	}

	return err
}

func (b *basicEventBus) Subscribe(ctx context.Context, subscriber Subscriber, topic string) error {
	return b.request(busMessage{ctx: ctx, msgType: messageTypeSubscribe, topic: topic, subscriber: subscriber})
}

func (b *basicEventBus) Unsubscribe(ctx context.Context, subscriber Subscriber, topic string) error {
	return b.request(busMessage{ctx: ctx, msgType: messageTypeUnsubscribe, topic: topic, subscriber: subscriber})
}

func (b *basicEventBus) UnsubscribeAll(ctx context.Context, subscriber Subscriber) error {
	return b.request(busMessage{ctx: ctx, msgType: messageTypeUnsubscribeAll, subscriber: subscriber})
}

// accept queues a message without waiting for it to be processed.
func (b *basicEventBus) accept(msg busMessage) error {
	if atomic.LoadInt32(&b.started) == 0 {
		b.logger.Warn("Event bus not started, message ignored", zap.String("topic", msg.topic))
		return fmt.Errorf("event bus not started")
	}

	select {
	case b.ch <- msg:
		return nil
	case <-b.ctx.Done():
		return fmt.Errorf("event bus stopped")
	default:
		b.logger.Warn("Event bus channel full, message dropped", zap.String("topic", msg.topic))
		return fmt.Errorf("event bus channel full")
	}
}

// enqueue queues a message, waiting while the queue is full.
func (b *basicEventBus) enqueue(msg busMessage) error {
	if atomic.LoadInt32(&b.started) == 0 {
		b.logger.Warn("Event bus not started, message ignored", zap.String("topic", msg.topic))
		return fmt.Errorf("event bus not started")
	}

	select {
	case b.ch <- msg:
		return nil
	case <-b.ctx.Done():
		return fmt.Errorf("event bus stopped")
	case <-msg.ctx.Done():
		return msg.ctx.Err()
	}
}

// request queues a message and waits for the processing goroutine to answer.
func (b *basicEventBus) request(msg busMessage) error {
	if msg.ctx == nil {
		msg.ctx = context.Background()
	}
	msg.responseCh = make(chan error, 1)

	if err := b.enqueue(msg); err != nil {
		return err
	}

	select {
	case err := <-msg.responseCh:
		return err
	case <-b.ctx.Done():
		return fmt.Errorf("event bus stopped")
	case <-msg.ctx.Done():
		return msg.ctx.Err()
	}
}

// Stop shuts down the processing goroutine. Queued messages are discarded.
func (b *basicEventBus) Stop() error {
	if !atomic.CompareAndSwapInt32(&b.started, 1, 0) {
		return fmt.Errorf("event bus not started")
	}

	b.cancel()
	b.wg.Wait()

	b.logger.Debug("EventBus stopped", zap.String("bus", b.name))
	return nil
}
