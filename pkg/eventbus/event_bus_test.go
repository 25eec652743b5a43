package eventbus_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nornlabs/norn/pkg/channels/gochannel"
	"github.com/nornlabs/norn/pkg/eventbus"
	"github.com/nornlabs/norn/pkg/events"
)

func newTestBus(t *testing.T) eventbus.EventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_PublishAndHandle(t *testing.T) {
	bus := newTestBus(t)
	received := make(chan any, 1)

	err := bus.Handle(events.WorkflowStartedEvent, func(ctx context.Context, event any) error {
		received <- event

		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Subscribe(t.Context()))

	published := &events.WorkflowStarted{
		BaseEvent:  events.NewBaseEvent(events.WorkflowStartedEvent, 42, "def-1"),
		ExternalID: "order-42",
		Variables:  map[string]any{"region": "eu"},
	}

	require.NoError(t, bus.Publish(t.Context(), "order-42", published))

	select {
	case event := <-received:
		started, ok := event.(*events.WorkflowStarted)
		require.True(t, ok, "expected typed event, got %T", event)
		assert.Equal(t, int64(42), started.InstanceID)
		assert.Equal(t, "order-42", started.ExternalID)
		assert.Equal(t, "eu", started.Variables["region"])
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestWatermillEventBus_UnhandledTypesAreSkipped(t *testing.T) {
	bus := newTestBus(t)
	received := make(chan any, 2)

	err := bus.Handle(events.NodeCompletedEvent, func(ctx context.Context, event any) error {
		received <- event

		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Subscribe(t.Context()))

	// No handler registered for this one.
	unhandled := &events.NodeStarted{
		BaseEvent: events.NewBaseEvent(events.NodeStartedEvent, 1, "def-1"),
		NodeID:    "a",
	}
	require.NoError(t, bus.Publish(t.Context(), "1", unhandled))

	handled := &events.NodeCompleted{
		BaseEvent: events.NewBaseEvent(events.NodeCompletedEvent, 1, "def-1"),
		NodeID:    "a",
	}
	require.NoError(t, bus.Publish(t.Context(), "1", handled))

	select {
	case event := <-received:
		completed, ok := event.(*events.NodeCompleted)
		require.True(t, ok, "expected NodeCompleted, got %T", event)
		assert.Equal(t, "a", completed.NodeID)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}

	select {
	case event := <-received:
		t.Fatalf("unexpected second delivery: %T", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatermillEventBus_NackRedelivers(t *testing.T) {
	bus := newTestBus(t)

	var calls atomic.Int32

	done := make(chan struct{})

	err := bus.Handle(events.WorkflowFailedEvent, func(ctx context.Context, event any) error {
		if calls.Add(1) == 1 {
			return assert.AnError
		}

		close(done)

		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Subscribe(t.Context()))

	failed := &events.WorkflowFailed{
		BaseEvent: events.NewBaseEvent(events.WorkflowFailedEvent, 9, "def-1"),
		Error:     events.WorkflowError{Message: "boom"},
	}
	require.NoError(t, bus.Publish(t.Context(), "9", failed))

	select {
	case <-done:
		assert.GreaterOrEqual(t, calls.Load(), int32(2))
	case <-time.After(5 * time.Second):
		t.Fatal("event was not redelivered after nack")
	}
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newTestBus(t)

	first := bus.GenerateID()
	second := bus.GenerateID()

	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}
