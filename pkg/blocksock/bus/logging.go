package bus

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingSubscriber logs every call it receives and forwards it to the
// wrapped subscriber, if there is one.
type LoggingSubscriber struct {
	wrapped Subscriber
	logger  *zap.Logger
	level   zapcore.Level
	name    string
}

// NewLoggingSubscriber returns a LoggingSubscriber named name. wrapped may
// be nil.
func NewLoggingSubscriber(wrapped Subscriber, logger *zap.Logger, level zapcore.Level, name string) *LoggingSubscriber {
	return &LoggingSubscriber{
		wrapped: wrapped,
		logger:  logger,
		level:   level,
		name:    name,
	}
}

func (l *LoggingSubscriber) OnSubscribe(ctx context.Context, topic string) error {
	l.logger.Log(l.level, "Subscribed", zap.String("subscriber", l.name), zap.String("topic", topic))

	if l.wrapped != nil {
		return l.wrapped.OnSubscribe(ctx, topic)
	}
	return nil
}

func (l *LoggingSubscriber) OnUnsubscribe(ctx context.Context, topic string) error {
	l.logger.Log(l.level, "Unsubscribed", zap.String("subscriber", l.name), zap.String("topic", topic))

	if l.wrapped != nil {
		return l.wrapped.OnUnsubscribe(ctx, topic)
	}
	return nil
}

func (l *LoggingSubscriber) OnEvent(ctx context.Context, topic string, message any) error {
	l.logger.Log(l.level, "Event",
		zap.String("subscriber", l.name),
		zap.String("topic", topic),
		zap.String("message", describe(message)),
	)

	if l.wrapped != nil {
		return l.wrapped.OnEvent(ctx, topic, message)
	}
	return nil
}

func describe(message any) string {
	switch v := message.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return "<nil>"
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%+v", v)
	}
}
