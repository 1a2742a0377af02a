package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/operion-engine/pkg/channels/gochannel"
	"github.com/dukex/operion-engine/pkg/eventbus"
	"github.com/dukex/operion-engine/pkg/events"
	"github.com/dukex/operion-engine/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBus(t *testing.T) eventbus.EventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func completedState() *models.ExecutionState {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	def := &models.FlowDefinition{ID: "orders", Name: "orders", Entry: "A", Steps: map[string]*models.StepDefinition{
		"A": {ID: "A", Type: "pass"},
	}}

	state := models.NewExecutionState("i-1", def, map[string]any{"total": 10}, now)
	state.Status = models.ExecutionStatusCompleted

	return state
}

func TestWatermillEventBus_PublishAndHandle(t *testing.T) {
	bus := newBus(t)
	received := make(chan *events.InstanceCompleted, 1)

	require.NoError(t, bus.Handle(events.InstanceCompletedEvent, func(_ context.Context, event eventbus.Event) error {
		received <- event.(*events.InstanceCompleted)

		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	event, ok := events.FromState(completedState(), "worker-1", time.Now())
	require.True(t, ok)
	require.NoError(t, bus.Publish(ctx, "i-1", event))

	select {
	case got := <-received:
		assert.Equal(t, "i-1", got.InstanceID)
		assert.Equal(t, "worker-1", got.WorkerID)
		assert.EqualValues(t, 10, got.Context["total"])
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestWatermillEventBus_IgnoresUnhandledTypes(t *testing.T) {
	bus := newBus(t)
	received := make(chan eventbus.Event, 2)

	require.NoError(t, bus.Handle(events.InstanceFailedEvent, func(_ context.Context, event eventbus.Event) error {
		received <- event

		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	completed, _ := events.FromState(completedState(), "w", time.Now())
	require.NoError(t, bus.Publish(ctx, "i-1", completed))

	failedState := completedState()
	failedState.Status = models.ExecutionStatusFailed
	failedState.LastError = "boom"
	failed, _ := events.FromState(failedState, "w", time.Now())
	require.NoError(t, bus.Publish(ctx, "i-1", failed))

	select {
	case got := <-received:
		assert.Equal(t, events.InstanceFailedEvent, got.GetType())
		assert.Equal(t, "boom", got.(*events.InstanceFailed).Error)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}
}
