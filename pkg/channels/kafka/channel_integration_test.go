//go:build integration

package kafka_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/operion-engine/pkg/channels/kafka"
	"github.com/dukex/operion-engine/pkg/eventbus"
	"github.com/dukex/operion-engine/pkg/events"
	"github.com/dukex/operion-engine/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
)

func setupKafka(t *testing.T) []string {
	t.Helper()

	ctx := context.Background()

	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("test-cluster"))
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, container.Terminate(context.Background()))
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	return brokers
}

func TestKafkaEventBus_RoundTrip(t *testing.T) {
	brokers := setupKafka(t)

	pub, sub, err := kafka.CreateChannel(watermill.NopLogger{}, brokers, "integration")
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	received := make(chan *events.InstanceCompleted, 1)

	require.NoError(t, bus.Handle(events.InstanceCompletedEvent, func(_ context.Context, event eventbus.Event) error {
		completed, ok := event.(*events.InstanceCompleted)
		if !ok {
			return nil
		}

		select {
		case received <- completed:
		default:
		}

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	state := models.NewExecutionState("instance-1", &models.FlowDefinition{ID: "greet", Name: "greet", Entry: "a"}, map[string]any{"x": 1}, time.Now())
	state.Status = models.ExecutionStatusCompleted

	event, ok := events.FromState(state, "worker-1", time.Now())
	require.True(t, ok)

	// the topic is created by the first publish, so keep publishing until
	// the subscriber has joined
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		require.NoError(t, bus.Publish(ctx, state.ID, event))

		select {
		case completed := <-received:
			assert.Equal(t, "instance-1", completed.InstanceID)
			assert.Equal(t, "worker-1", completed.WorkerID)

			return
		case <-ticker.C:
		case <-ctx.Done():
			t.Fatal("event not received")
		}
	}
}
