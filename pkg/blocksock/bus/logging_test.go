package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type failingSubscriber struct {
	BaseSubscriber
}

func (f *failingSubscriber) OnEvent(ctx context.Context, topic string, message any) error {
	return errors.New("rejected")
}

func TestLoggingSubscriberStandalone(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sub := NewLoggingSubscriber(nil, zap.New(core), zapcore.InfoLevel, "hats")

	ctx := context.Background()
	require.NoError(t, sub.OnSubscribe(ctx, "hats/#"))
	require.NoError(t, sub.OnEvent(ctx, "hats/websockets_whenEvent/open", []byte("payload")))
	require.NoError(t, sub.OnUnsubscribe(ctx, "hats/#"))

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)
	assert.Equal(t, "Subscribed", entries[0].Message)
	assert.Equal(t, "Event", entries[1].Message)
	assert.Equal(t, "payload", entries[1].ContextMap()["message"])
	assert.Equal(t, "hats", entries[1].ContextMap()["subscriber"])
	assert.Equal(t, zapcore.InfoLevel, entries[2].Level)
}

func TestLoggingSubscriberForwards(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sub := NewLoggingSubscriber(&failingSubscriber{}, zap.New(core), zapcore.DebugLevel, "wrapper")

	err := sub.OnEvent(context.Background(), "t", nil)
	assert.EqualError(t, err, "rejected")
	assert.Equal(t, "<nil>", logs.All()[0].ContextMap()["message"])
}
