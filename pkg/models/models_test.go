package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const requiredTag = "required"

func validFlow() *FlowDefinition {
	return &FlowDefinition{
		ID:    "flow-1",
		Name:  "orders",
		Entry: "A",
		Steps: map[string]*StepDefinition{
			"A": {ID: "A", Type: "pass", Transitions: []Transition{{To: "B"}}},
			"B": {ID: "B", Type: "pass", Config: map[string]any{"nested": map[string]any{"k": "v"}}},
		},
	}
}

func TestFlowDefinition_Validation_Valid(t *testing.T) {
	err := validator.New().Struct(validFlow())
	assert.NoError(t, err)
}

func TestFlowDefinition_Validation_MissingEntry(t *testing.T) {
	flow := validFlow()
	flow.Entry = ""

	err := validator.New().Struct(flow)
	require.Error(t, err)

	var validationErrors validator.ValidationErrors
	require.True(t, errors.As(err, &validationErrors))
	assert.Equal(t, "Entry", validationErrors[0].Field())
	assert.Equal(t, requiredTag, validationErrors[0].Tag())
}

func TestPolicyConfig_Validation_JitterOutOfRange(t *testing.T) {
	flow := validFlow()
	flow.ErrorPolicy = &PolicyConfig{Kind: PolicyDefault, JitterFactor: 1.5}

	err := validator.New().Struct(flow)
	assert.Error(t, err)
}

func TestTransition_Kind(t *testing.T) {
	tests := []struct {
		name       string
		transition Transition
		expected   TransitionKind
	}{
		{"unconditional", Transition{To: "B"}, TransitionUnconditional},
		{"named", Transition{To: "B", Name: "true"}, TransitionNamed},
		{"guarded", Transition{To: "B", When: "ctx.x > 0"}, TransitionGuarded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.transition.Kind())
		})
	}
}

func TestFlowDefinition_Clone_IsDeep(t *testing.T) {
	flow := validFlow()
	clone := flow.Clone()

	flow.Steps["A"].Transitions[0].To = "Z"
	flow.Steps["B"].Config["nested"].(map[string]any)["k"] = "changed"

	assert.Equal(t, "B", clone.Steps["A"].Transitions[0].To)
	assert.Equal(t, "v", clone.Steps["B"].Config["nested"].(map[string]any)["k"])
}

func TestHistoryKey(t *testing.T) {
	assert.Equal(t, "B", HistoryKey("B", 0))
	assert.Equal(t, "B", HistoryKey("B", 1))
	assert.Equal(t, "B#2", HistoryKey("B", 2))
	assert.Equal(t, "B#10", HistoryKey("B", 10))
}

func TestExecutionState_Clone_IsDeep(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	state := NewExecutionState("i-1", validFlow(), map[string]any{"x": 1}, now)
	state.History["A"] = &StepExecutionState{StepID: "A", Visit: 1, Output: map[string]any{"y": 2}}
	state.Visits["A"] = 1

	clone := state.Clone()
	clone.Context["x"] = 99
	clone.History["A"].Attempts = 5
	clone.History["A"].Output.(map[string]any)["y"] = 3
	clone.Visits["A"] = 2

	assert.Equal(t, 1, state.Context["x"])
	assert.Equal(t, 0, state.History["A"].Attempts)
	assert.Equal(t, 2, state.History["A"].Output.(map[string]any)["y"])
	assert.Equal(t, 1, state.Visits["A"])
}

func TestExecutionState_IsDue(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	state := NewExecutionState("i-1", validFlow(), nil, now)

	assert.True(t, state.IsDue(now))
	assert.False(t, state.IsDue(now.Add(-time.Second)))

	state.Status = ExecutionStatusCompleted
	assert.False(t, state.IsDue(now.Add(time.Hour)))
}

func TestExecutionStatus_IsTerminal(t *testing.T) {
	assert.False(t, ExecutionStatusScheduled.IsTerminal())
	assert.False(t, ExecutionStatusRunning.IsTerminal())
	assert.False(t, ExecutionStatusWaiting.IsTerminal())
	assert.True(t, ExecutionStatusCompleted.IsTerminal())
	assert.True(t, ExecutionStatusFailed.IsTerminal())
	assert.True(t, ExecutionStatusCancelled.IsTerminal())
}

func TestStepResult_ResumeTime(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, now.Add(5*time.Second), SuspendFor(5*time.Second).ResumeTime(now))

	at := now.Add(time.Hour)
	assert.Equal(t, at, SuspendUntil(at).ResumeTime(now))
}

func TestDuration_JSON(t *testing.T) {
	var step StepDefinition

	err := json.Unmarshal([]byte(`{"id":"A","type":"pass","timeout":"1m30s"}`), &step)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, step.Timeout.Std())

	err = json.Unmarshal([]byte(`{"id":"A","type":"pass","timeout":2}`), &step)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, step.Timeout.Std())

	err = json.Unmarshal([]byte(`{"id":"A","type":"pass","timeout":"soon"}`), &step)
	assert.Error(t, err)
}

func TestDuration_YAML(t *testing.T) {
	var policy PolicyConfig

	err := yaml.Unmarshal([]byte("kind: default\nbase_delay: 250ms\nmax_delay: 1m\n"), &policy)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, policy.BaseDelay.Std())
	assert.Equal(t, time.Minute, policy.MaxDelay.Std())
}

func TestRuntimeErrors_Classification(t *testing.T) {
	base := errors.New("boom")

	retryable := NewStepError("A", base, true)
	assert.True(t, IsRetryable(retryable))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", retryable)))
	assert.ErrorIs(t, retryable, base)

	permanent := NewStepError("A", base, false)
	assert.False(t, IsRetryable(permanent))
	assert.False(t, IsRetryable(base))

	timeout := NewTimeoutError("A", nil)
	assert.True(t, IsRetryable(timeout))
	assert.True(t, IsTimeout(timeout))
	assert.ErrorIs(t, timeout, ErrStepTimeout)
}

func TestValidationErrors_Error(t *testing.T) {
	errs := ValidationErrors{
		{StepID: "A", Field: "type", Message: "unknown step type"},
		{Message: "entry step missing"},
	}

	assert.Equal(t, "invalid flow definition: step A: type: unknown step type; entry step missing", errs.Error())
}

func TestCronJobEntry_Validate(t *testing.T) {
	tests := []struct {
		name    string
		entry   CronJobEntry
		wantErr bool
	}{
		{"five fields", CronJobEntry{ID: "c", FlowID: "f", CronExpression: "*/5 * * * *"}, false},
		{"descriptor", CronJobEntry{ID: "c", FlowID: "f", CronExpression: "@hourly"}, false},
		{"timezone", CronJobEntry{ID: "c", FlowID: "f", CronExpression: "0 9 * * *", Timezone: "Europe/Berlin"}, false},
		{"bad expression", CronJobEntry{ID: "c", FlowID: "f", CronExpression: "every minute"}, true},
		{"bad timezone", CronJobEntry{ID: "c", FlowID: "f", CronExpression: "@daily", Timezone: "Mars/Olympus"}, true},
		{"missing flow", CronJobEntry{ID: "c", CronExpression: "@daily"}, true},
		{"missing id", CronJobEntry{FlowID: "f", CronExpression: "@daily"}, true},
		{"missing expression", CronJobEntry{ID: "c", FlowID: "f"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCronEntry)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCronJobEntry_ValidateReportsFields(t *testing.T) {
	entry := CronJobEntry{ID: "c", CronExpression: "@daily"}

	err := entry.Validate()
	require.ErrorIs(t, err, ErrInvalidCronEntry)

	var fieldErrors validator.ValidationErrors
	require.ErrorAs(t, err, &fieldErrors)
	require.Len(t, fieldErrors, 1)
	assert.Equal(t, "FlowID", fieldErrors[0].Field())
}

func TestCronJobEntry_LeasedByOther(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	entry := CronJobEntry{LeaseOwner: "node-a", LeaseExpiresAt: &future}
	assert.True(t, entry.LeasedByOther("node-b", now))
	assert.False(t, entry.LeasedByOther("node-a", now))

	entry.LeaseExpiresAt = &past
	assert.False(t, entry.LeasedByOther("node-b", now))
}

func TestPartition_Deterministic(t *testing.T) {
	for _, id := range []string{"a", "instance-42", "0b9d3a0e-6a1c-4bd3-a1c4-70b2a2c1e5f1"} {
		first := Partition(id, 16)
		assert.Equal(t, first, Partition(id, 16))
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 16)
		assert.GreaterOrEqual(t, PartitionHash(id), int64(0))
	}

	assert.Equal(t, 0, Partition("anything", 1))
}
