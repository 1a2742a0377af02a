package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/operion-engine/pkg/eventbus"
	"github.com/dukex/operion-engine/pkg/events"
)

// logEvents subscribes to every lifecycle event on bus and writes one log
// line per event.
func logEvents(ctx context.Context, bus eventbus.EventSubscriber, logger *slog.Logger) error {
	logger = logger.With(slog.String("module", "event_log"))

	handler := func(ctx context.Context, event eventbus.Event) error {
		attrs := []any{"event_type", event.GetType()}

		if e, ok := event.(interface{ Base() events.BaseEvent }); ok {
			base := e.Base()
			attrs = append(attrs, "instance_id", base.InstanceID, "flow_id", base.FlowID, "worker_id", base.WorkerID)
		}

		if fired, ok := event.(*events.CronFired); ok {
			attrs = append(attrs, "cron_entry_id", fired.CronEntryID)
		}

		logger.InfoContext(ctx, "Lifecycle event", attrs...)

		return nil
	}

	for _, eventType := range events.Types {
		if err := bus.Handle(eventType, handler); err != nil {
			return fmt.Errorf("failed to handle %s: %w", eventType, err)
		}
	}

	if err := bus.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to lifecycle events: %w", err)
	}

	return nil
}
