package fail

import (
	"context"
	"testing"

	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/protocol"
	"github.com/stretchr/testify/assert"
)

func TestFail_Always(t *testing.T) {
	result := NewStep().Execute(context.Background(), protocol.StepInput{
		Config:  map[string]any{"message": "boom"},
		Attempt: 3,
	})

	assert.Equal(t, models.StepOutcomeFailure, result.Outcome)
	assert.False(t, result.Retryable)
	assert.EqualError(t, result.Err, "boom (attempt 3)")
}

func TestFail_Times(t *testing.T) {
	step := NewStep()
	config := map[string]any{"times": float64(2), "retryable": true}

	for attempt := 1; attempt <= 2; attempt++ {
		result := step.Execute(context.Background(), protocol.StepInput{Config: config, Attempt: attempt})
		assert.Equal(t, models.StepOutcomeFailure, result.Outcome)
		assert.True(t, result.Retryable)
	}

	result := step.Execute(context.Background(), protocol.StepInput{Config: config, Attempt: 3})
	assert.Equal(t, models.StepOutcomeSuccess, result.Outcome)
}

func TestFail_Validate(t *testing.T) {
	step := NewStep()

	assert.NoError(t, step.Validate(map[string]any{}))
	assert.NoError(t, step.Validate(map[string]any{"times": 2}))
	assert.ErrorIs(t, step.Validate(map[string]any{"times": -1}), ErrInvalidTimes)
	assert.ErrorIs(t, step.Validate(map[string]any{"times": 1.5}), ErrInvalidTimes)
}
