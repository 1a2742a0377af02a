// Package cron fires recurring cron entries by creating flow instances.
// Several nodes may run a Manager against the same store; each firing is
// claimed through a version-checked lease on the entry, so it happens once.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/operion-engine/pkg/clock"
	"github.com/dukex/operion-engine/pkg/eventbus"
	"github.com/dukex/operion-engine/pkg/events"
	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/otelhelper"
	"github.com/dukex/operion-engine/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const TriggerType = "cron"

// InstanceCreator starts flow instances.
type InstanceCreator interface {
	CreateInstance(ctx context.Context, flowID string, input, trigger map[string]any) (*models.ExecutionState, error)
}

type Config struct {
	NodeID       string        `validate:"required"`
	LeaseTTL     time.Duration `validate:"gt=0"`
	TickInterval time.Duration `validate:"gt=0"`
}

func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID:       nodeID,
		LeaseTTL:     30 * time.Second,
		TickInterval: time.Second,
	}
}

func (c Config) Validate() error {
	return validator.New().Struct(c)
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) {
		m.tracer = otelhelper.OrNoop(tracer)
	}
}

func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(m *Manager) {
		m.publisher = publisher
	}
}

type Manager struct {
	config    Config
	logger    *slog.Logger
	store     persistence.CronRepository
	creator   InstanceCreator
	clock     clock.Clock
	tracer    trace.Tracer
	publisher eventbus.EventPublisher
}

func New(config Config, logger *slog.Logger, store persistence.CronRepository, creator InstanceCreator, opts ...Option) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cron config: %w", err)
	}

	m := &Manager{
		config:  config,
		logger:  logger.With(slog.String("module", "cron"), slog.String("node_id", config.NodeID)),
		store:   store,
		creator: creator,
		clock:   clock.System{},
		tracer:  otelhelper.NoopTracer(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Register creates or updates entry. The first due time is computed from
// now; an update keeps the firing history and only reschedules when the
// expression or timezone changed.
func (m *Manager) Register(ctx context.Context, entry *models.CronJobEntry) (*models.CronJobEntry, error) {
	if err := entry.Validate(); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	next := entry.Clone()

	existing, err := m.store.CronEntry(ctx, entry.ID)

	switch {
	case err == nil:
		next.Version = existing.Version
		next.CreatedAt = existing.CreatedAt
		next.LastFiredAt = existing.LastFiredAt
		next.LastInstanceID = existing.LastInstanceID
		next.LeaseOwner = existing.LeaseOwner
		next.LeaseExpiresAt = existing.LeaseExpiresAt
		next.NextDueAt = existing.NextDueAt

		if existing.CronExpression != entry.CronExpression || existing.Timezone != entry.Timezone || existing.NextDueAt.IsZero() {
			next.NextDueAt = time.Time{}
		}
	case persistence.IsNotFound(err):
		next.Version = 0
		next.CreatedAt = now
		next.NextDueAt = time.Time{}
	default:
		return nil, err
	}

	if next.NextDueAt.IsZero() {
		due, err := m.clock.NextOccurrence(entry.CronExpression, entry.Timezone, now)
		if err != nil {
			return nil, err
		}

		next.NextDueAt = due
	}

	next.UpdatedAt = now

	if err := m.store.SaveCron(ctx, next, next.Version); err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "Cron entry registered",
		"cron_entry_id", next.ID,
		"flow_id", next.FlowID,
		"cron_expression", next.CronExpression,
		"next_due_at", next.NextDueAt,
	)

	return next, nil
}

func (m *Manager) Entries(ctx context.Context) ([]*models.CronJobEntry, error) {
	return m.store.CronEntries(ctx)
}

// Run ticks every TickInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "Cron manager started", "tick_interval", m.config.TickInterval)

	ticker := time.NewTicker(m.config.TickInterval)
	defer ticker.Stop()

	for {
		if _, err := m.Tick(ctx); err != nil && ctx.Err() == nil {
			m.logger.ErrorContext(ctx, "Cron tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			m.logger.InfoContext(context.WithoutCancel(ctx), "Cron manager stopped")

			return nil
		case <-ticker.C:
		}
	}
}

// Tick fires every due entry this node manages to lease and returns how
// many fired.
func (m *Manager) Tick(ctx context.Context) (int, error) {
	now := m.clock.Now()

	due, err := m.store.ListDueCron(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list due cron entries: %w", err)
	}

	fired := 0

	for _, entry := range due {
		if ctx.Err() != nil {
			break
		}

		if entry.LeasedByOther(m.config.NodeID, now) {
			continue
		}

		ok, err := m.fire(ctx, entry, now)
		if err != nil {
			m.logger.ErrorContext(ctx, "Failed to fire cron entry", "cron_entry_id", entry.ID, "error", err)

			continue
		}

		if ok {
			fired++
		}
	}

	return fired, nil
}

// fire leases entry, creates its instance and schedules the next firing.
// Missed occurrences collapse into this one: the next due time is computed
// from now, not from the stale due time.
func (m *Manager) fire(ctx context.Context, entry *models.CronJobEntry, now time.Time) (bool, error) {
	ctx, span := otelhelper.StartSpan(ctx, m.tracer, "cron.fire",
		attribute.String(otelhelper.CronEntryIDKey, entry.ID),
		attribute.String(otelhelper.FlowIDKey, entry.FlowID),
	)
	defer span.End()

	expires := now.Add(m.config.LeaseTTL)
	entry.LeaseOwner = m.config.NodeID
	entry.LeaseExpiresAt = &expires

	if err := m.store.SaveCron(ctx, entry, entry.Version); err != nil {
		if persistence.IsConflict(err) {
			return false, nil
		}

		return false, err
	}

	dueAt := entry.NextDueAt
	trigger := map[string]any{
		"type":          TriggerType,
		"cron_entry_id": entry.ID,
		"due_at":        dueAt.Format(time.RFC3339),
	}

	instance, createErr := m.creator.CreateInstance(ctx, entry.FlowID, entry.Input, trigger)
	if createErr != nil {
		otelhelper.SetError(span, createErr)
	}

	next, err := m.clock.NextOccurrence(entry.CronExpression, entry.Timezone, latest(now, dueAt))
	if err != nil {
		// nothing left to fire
		entry.Active = false
	} else {
		entry.NextDueAt = next
	}

	fired := now
	entry.LastFiredAt = &fired
	entry.LeaseOwner = ""
	entry.LeaseExpiresAt = nil
	entry.UpdatedAt = now

	if instance != nil {
		entry.LastInstanceID = instance.ID
	}

	if err := m.store.SaveCron(ctx, entry, entry.Version); err != nil {
		return false, fmt.Errorf("failed to reschedule: %w", err)
	}

	if createErr != nil {
		return false, fmt.Errorf("failed to create instance of flow %s: %w", entry.FlowID, createErr)
	}

	m.logger.InfoContext(ctx, "Cron entry fired",
		"cron_entry_id", entry.ID,
		"instance_id", instance.ID,
		"due_at", dueAt,
		"next_due_at", entry.NextDueAt,
	)

	if m.publisher != nil {
		event := events.NewCronFired(entry, instance, m.config.NodeID, now)
		event.DueAt = dueAt

		if err := m.publisher.Publish(ctx, instance.ID, event); err != nil {
			m.logger.WarnContext(ctx, "Failed to publish event", "cron_entry_id", entry.ID, "error", err)
		}
	}

	return true, nil
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}

	return b
}
