package models

import (
	"fmt"
	"time"
)

// ExecutionStatus is the overall status of a flow instance.
type ExecutionStatus string

const (
	ExecutionStatusScheduled ExecutionStatus = "scheduled"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusWaiting   ExecutionStatus = "waiting"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the status of one step visit.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusWaiting   StepStatus = "waiting"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
)

// ExecutionState is the persisted record of one flow instance.
type ExecutionState struct {
	ID              string                         `json:"id"`
	FlowID          string                         `json:"flow_id"`
	Definition      FlowDefinition                 `json:"definition"`
	CurrentStep     string                         `json:"current_step,omitempty"`
	Visit           int                            `json:"visit,omitempty"`
	Status          ExecutionStatus                `json:"status"`
	Context         map[string]any                 `json:"context"`
	History         map[string]*StepExecutionState `json:"history"`
	Visits          map[string]int                 `json:"visits,omitempty"`
	Trigger         map[string]any                 `json:"trigger,omitempty"`
	NextDueAt       time.Time                      `json:"next_due_at"`
	Version         int64                          `json:"version"`
	CancelRequested bool                           `json:"cancel_requested,omitempty"`
	ClaimedBy       string                         `json:"claimed_by,omitempty"`
	LastError       string                         `json:"last_error,omitempty"`
	CreatedAt       time.Time                      `json:"created_at"`
	UpdatedAt       time.Time                      `json:"updated_at"`
	CompletedAt     *time.Time                     `json:"completed_at,omitempty"`
}

// StepExecutionState tracks one visit of one step.
type StepExecutionState struct {
	StepID         string     `json:"step_id"`
	Visit          int        `json:"visit"`
	Status         StepStatus `json:"status"`
	Attempts       int        `json:"attempts"`
	FirstAttemptAt *time.Time `json:"first_attempt_at,omitempty"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	ErrorKind      ErrorKind  `json:"error_kind,omitempty"`
	Output         any        `json:"output,omitempty"`
	Suspended      bool       `json:"suspended,omitempty"`
	ResumeAt       *time.Time `json:"resume_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// HistoryKey builds the history map key of a step visit. The first visit is
// keyed by the bare step id, revisits append their ordinal ("B#2").
func HistoryKey(stepID string, visit int) string {
	if visit <= 1 {
		return stepID
	}

	return fmt.Sprintf("%s#%d", stepID, visit)
}

// NewExecutionState creates a Scheduled instance holding a snapshot of def.
func NewExecutionState(id string, def *FlowDefinition, input map[string]any, now time.Time) *ExecutionState {
	return &ExecutionState{
		ID:         id,
		FlowID:     def.ID,
		Definition: def.Clone(),
		Status:     ExecutionStatusScheduled,
		Context:    CloneBag(input),
		History:    make(map[string]*StepExecutionState),
		Visits:     make(map[string]int),
		NextDueAt:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// CurrentHistory returns the history entry of the current step visit.
func (e *ExecutionState) CurrentHistory() (*StepExecutionState, bool) {
	if e.CurrentStep == "" {
		return nil, false
	}

	h, ok := e.History[HistoryKey(e.CurrentStep, e.Visit)]

	return h, ok
}

// StepHistory returns the history entry of the latest visit of stepID.
func (e *ExecutionState) StepHistory(stepID string) (*StepExecutionState, bool) {
	visit := e.Visits[stepID]
	if visit == 0 {
		return nil, false
	}

	h, ok := e.History[HistoryKey(stepID, visit)]

	return h, ok
}

// IsDue reports whether a scheduler should pick the instance up at now.
func (e *ExecutionState) IsDue(now time.Time) bool {
	if e.Status.IsTerminal() {
		return false
	}

	return !e.NextDueAt.After(now)
}

// Clone returns a deep copy. The definition snapshot is shared because it is
// never mutated after the instance is created.
func (e *ExecutionState) Clone() *ExecutionState {
	clone := *e
	clone.Context = CloneBag(e.Context)
	clone.Trigger = cloneMap(e.Trigger)

	clone.History = make(map[string]*StepExecutionState, len(e.History))
	for k, v := range e.History {
		h := *v
		h.Output = cloneValue(v.Output)
		clone.History[k] = &h
	}

	clone.Visits = make(map[string]int, len(e.Visits))
	for k, v := range e.Visits {
		clone.Visits[k] = v
	}

	if e.CompletedAt != nil {
		t := *e.CompletedAt
		clone.CompletedAt = &t
	}

	return &clone
}
