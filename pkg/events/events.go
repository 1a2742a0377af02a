// Package events defines the instance lifecycle notifications published by
// the engine.
package events

import (
	"time"

	"github.com/dukex/operion-engine/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topic carries every lifecycle event.
const Topic = "operion.instances"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	InstanceCreatedEvent   EventType = "instance.created"
	InstanceWaitingEvent   EventType = "instance.waiting"
	InstanceYieldedEvent   EventType = "instance.yielded"
	InstanceCompletedEvent EventType = "instance.completed"
	InstanceFailedEvent    EventType = "instance.failed"
	InstanceCancelledEvent EventType = "instance.cancelled"

	CronFiredEvent EventType = "cron.fired"
)

// Types lists every lifecycle event type.
var Types = []EventType{
	InstanceCreatedEvent,
	InstanceWaitingEvent,
	InstanceYieldedEvent,
	InstanceCompletedEvent,
	InstanceFailedEvent,
	InstanceCancelledEvent,
	CronFiredEvent,
}

// Event is implemented by every lifecycle event.
type Event interface {
	GetType() EventType
}

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	InstanceID string         `json:"instance_id"`
	FlowID     string         `json:"flow_id"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Base returns the fields shared by every event.
func (e BaseEvent) Base() BaseEvent {
	return e
}

func newBase(eventType EventType, state *models.ExecutionState, workerID string, now time.Time) BaseEvent {
	return BaseEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		Timestamp:  now,
		InstanceID: state.ID,
		FlowID:     state.FlowID,
		WorkerID:   workerID,
	}
}

type InstanceCreated struct {
	BaseEvent

	Input   map[string]any `json:"input,omitempty"`
	Trigger map[string]any `json:"trigger,omitempty"`
}

func (e InstanceCreated) GetType() EventType {
	return InstanceCreatedEvent
}

type InstanceWaiting struct {
	BaseEvent

	CurrentStep string    `json:"current_step"`
	NextDueAt   time.Time `json:"next_due_at"`
	Retrying    bool      `json:"retrying"`
}

func (e InstanceWaiting) GetType() EventType {
	return InstanceWaitingEvent
}

type InstanceYielded struct {
	BaseEvent

	CurrentStep string `json:"current_step"`
}

func (e InstanceYielded) GetType() EventType {
	return InstanceYieldedEvent
}

type InstanceCompleted struct {
	BaseEvent

	Context map[string]any `json:"context,omitempty"`
}

func (e InstanceCompleted) GetType() EventType {
	return InstanceCompletedEvent
}

type InstanceFailed struct {
	BaseEvent

	StepID string `json:"step_id,omitempty"`
	Error  string `json:"error"`
}

func (e InstanceFailed) GetType() EventType {
	return InstanceFailedEvent
}

type InstanceCancelled struct {
	BaseEvent
}

func (e InstanceCancelled) GetType() EventType {
	return InstanceCancelledEvent
}

type CronFired struct {
	BaseEvent

	CronEntryID string    `json:"cron_entry_id"`
	DueAt       time.Time `json:"due_at"`
}

func (e CronFired) GetType() EventType {
	return CronFiredEvent
}

// NewInstanceCreated builds the event for a freshly created instance.
func NewInstanceCreated(state *models.ExecutionState, now time.Time) InstanceCreated {
	return InstanceCreated{
		BaseEvent: newBase(InstanceCreatedEvent, state, "", now),
		Input:     state.Context,
		Trigger:   state.Trigger,
	}
}

// NewCronFired builds the event for a cron firing that created instance.
func NewCronFired(entry *models.CronJobEntry, instance *models.ExecutionState, nodeID string, now time.Time) CronFired {
	return CronFired{
		BaseEvent:   newBase(CronFiredEvent, instance, nodeID, now),
		CronEntryID: entry.ID,
		DueAt:       entry.NextDueAt,
	}
}

// FromState returns the event describing where an invocation left state.
// ok is false for statuses that have no event (Scheduled).
func FromState(state *models.ExecutionState, workerID string, now time.Time) (Event, bool) {
	switch state.Status {
	case models.ExecutionStatusCompleted:
		return InstanceCompleted{BaseEvent: newBase(InstanceCompletedEvent, state, workerID, now), Context: state.Context}, true
	case models.ExecutionStatusFailed:
		return InstanceFailed{BaseEvent: newBase(InstanceFailedEvent, state, workerID, now), StepID: state.CurrentStep, Error: state.LastError}, true
	case models.ExecutionStatusCancelled:
		return InstanceCancelled{BaseEvent: newBase(InstanceCancelledEvent, state, workerID, now)}, true
	case models.ExecutionStatusWaiting:
		h, _ := state.CurrentHistory()

		return InstanceWaiting{
			BaseEvent:   newBase(InstanceWaitingEvent, state, workerID, now),
			CurrentStep: state.CurrentStep,
			NextDueAt:   state.NextDueAt,
			Retrying:    h != nil && !h.Suspended,
		}, true
	case models.ExecutionStatusRunning:
		return InstanceYielded{BaseEvent: newBase(InstanceYieldedEvent, state, workerID, now), CurrentStep: state.CurrentStep}, true
	default:
		return nil, false
	}
}

// New returns an empty event value for eventType, for decoding.
func New(eventType EventType) (Event, bool) {
	switch eventType {
	case InstanceCreatedEvent:
		return &InstanceCreated{}, true
	case InstanceWaitingEvent:
		return &InstanceWaiting{}, true
	case InstanceYieldedEvent:
		return &InstanceYielded{}, true
	case InstanceCompletedEvent:
		return &InstanceCompleted{}, true
	case InstanceFailedEvent:
		return &InstanceFailed{}, true
	case InstanceCancelledEvent:
		return &InstanceCancelled{}, true
	case CronFiredEvent:
		return &CronFired{}, true
	default:
		return nil, false
	}
}
