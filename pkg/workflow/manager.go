package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/operion-engine/pkg/clock"
	"github.com/dukex/operion-engine/pkg/eventbus"
	"github.com/dukex/operion-engine/pkg/events"
	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/persistence"
	"github.com/google/uuid"
)

// maxWriteRetries bounds the re-read and retry loop of a conflicting write.
const maxWriteRetries = 5

var (
	// ErrAlreadyTerminal is returned when cancelling a finished instance.
	ErrAlreadyTerminal = errors.New("instance already finished")

	ErrFlowRequired = errors.New("flow definition is required")
)

type ManagerOption func(*Manager)

func WithManagerClock(c clock.Clock) ManagerOption {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithPublisher makes the manager publish lifecycle events.
func WithPublisher(publisher eventbus.EventPublisher) ManagerOption {
	return func(m *Manager) {
		m.publisher = publisher
	}
}

// Manager registers flows and creates, inspects and cancels instances.
type Manager struct {
	logger    *slog.Logger
	store     persistence.Persistence
	validator *Validator
	clock     clock.Clock
	publisher eventbus.EventPublisher
}

func NewManager(logger *slog.Logger, store persistence.Persistence, validator *Validator, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:    logger.With(slog.String("module", "flow_manager")),
		store:     store,
		validator: validator,
		clock:     clock.System{},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Validate checks def without storing it.
func (m *Manager) Validate(def *models.FlowDefinition) models.ValidationErrors {
	return m.validator.Validate(def)
}

// RegisterFlow validates def and stores it. A validation failure is returned
// as models.ValidationErrors. Registering an existing id replaces the stored
// definition; running instances keep their snapshot.
func (m *Manager) RegisterFlow(ctx context.Context, def *models.FlowDefinition) error {
	if def == nil {
		return ErrFlowRequired
	}

	fillStepIDs(def)

	if errs := m.validator.Validate(def); len(errs) > 0 {
		return errs
	}

	if def.CreatedAt.IsZero() {
		def.CreatedAt = m.clock.Now()
	}

	if err := m.store.SaveFlow(ctx, def); err != nil {
		return fmt.Errorf("failed to save flow %s: %w", def.ID, err)
	}

	m.logger.InfoContext(ctx, "Flow registered", "flow_id", def.ID, "steps", len(def.Steps))

	return nil
}

func (m *Manager) Flow(ctx context.Context, id string) (*models.FlowDefinition, error) {
	return m.store.FlowByID(ctx, id)
}

func (m *Manager) Flows(ctx context.Context) ([]*models.FlowDefinition, error) {
	return m.store.Flows(ctx)
}

// CreateInstance starts a new Scheduled instance of flowID holding a
// snapshot of the current definition. It is immediately due.
func (m *Manager) CreateInstance(ctx context.Context, flowID string, input, trigger map[string]any) (*models.ExecutionState, error) {
	def, err := m.store.FlowByID(ctx, flowID)
	if err != nil {
		return nil, err
	}

	state := models.NewExecutionState(uuid.NewString(), def, input, m.clock.Now())
	state.Trigger = models.CloneBag(trigger)

	if err := m.store.Create(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to create instance of flow %s: %w", flowID, err)
	}

	m.logger.InfoContext(ctx, "Instance created", "instance_id", state.ID, "flow_id", flowID)
	m.publish(ctx, state.ID, events.NewInstanceCreated(state, m.clock.Now()))

	return state, nil
}

func (m *Manager) Instance(ctx context.Context, id string) (*models.ExecutionState, error) {
	return m.store.Load(ctx, id)
}

// Cancel stops an instance. Scheduled and Waiting instances are cancelled at
// once; a Running instance is flagged and its current worker cancels it
// before the next step. Cancelling a terminal instance returns
// ErrAlreadyTerminal.
func (m *Manager) Cancel(ctx context.Context, id string) (*models.ExecutionState, error) {
	for attempt := 0; ; attempt++ {
		state, err := m.store.Load(ctx, id)
		if err != nil {
			return nil, err
		}

		if state.Status.IsTerminal() {
			return state, fmt.Errorf("instance %s is %s: %w", id, state.Status, ErrAlreadyTerminal)
		}

		now := m.clock.Now()
		version := state.Version

		if state.Status == models.ExecutionStatusRunning {
			state.CancelRequested = true
		} else {
			completed := now
			state.Status = models.ExecutionStatusCancelled
			state.CompletedAt = &completed
			state.ClaimedBy = ""
		}

		state.UpdatedAt = now

		err = m.store.Save(ctx, state, version)
		if err == nil {
			m.logger.InfoContext(ctx, "Instance cancellation recorded", "instance_id", id, "status", state.Status)

			if event, ok := events.FromState(state, "", now); ok && state.Status == models.ExecutionStatusCancelled {
				m.publish(ctx, id, event)
			}

			return state, nil
		}

		if !persistence.IsConflict(err) || attempt >= maxWriteRetries {
			return nil, err
		}
	}
}

func (m *Manager) publish(ctx context.Context, key string, event eventbus.Event) {
	if m.publisher == nil {
		return
	}

	if err := m.publisher.Publish(ctx, key, event); err != nil {
		m.logger.WarnContext(ctx, "Failed to publish event", "event_type", event.GetType(), "instance_id", key, "error", err)
	}
}

// fillStepIDs copies map keys into step definitions that omit their id.
func fillStepIDs(def *models.FlowDefinition) {
	for id, step := range def.Steps {
		if step != nil && step.ID == "" {
			step.ID = id
		}
	}
}
