package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dukex/operion-engine/pkg/cmd"
	"github.com/dukex/operion-engine/pkg/events"
	"github.com/dukex/operion-engine/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

func TestLogEvents(t *testing.T) {
	bus, err := cmd.NewEventBus("gochannel", "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &lockedBuffer{}
	require.NoError(t, logEvents(ctx, bus, slog.New(slog.NewTextHandler(out, nil))))

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	def := &models.FlowDefinition{ID: "greet", Name: "greet", Entry: "A", Steps: map[string]*models.StepDefinition{
		"A": {ID: "A", Type: "pass"},
	}}
	state := models.NewExecutionState("i-1", def, nil, now)

	entry := &models.CronJobEntry{ID: "hourly", FlowID: "greet"}

	require.NoError(t, bus.Publish(ctx, state.ID, events.NewInstanceCreated(state, now)))
	require.NoError(t, bus.Publish(ctx, state.ID, events.NewCronFired(entry, state, "worker-1", now)))

	assert.Eventually(t, func() bool {
		logged := out.String()

		return strings.Contains(logged, "event_type=instance.created") &&
			strings.Contains(logged, "event_type=cron.fired") &&
			strings.Contains(logged, "cron_entry_id=hourly")
	}, 5*time.Second, 10*time.Millisecond)

	assert.Contains(t, out.String(), "instance_id=i-1")
	assert.Contains(t, out.String(), "flow_id=greet")
}
