package transform

import (
	"context"
	"testing"

	"github.com/dukex/operion-engine/pkg/expression"
	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransform_Execute(t *testing.T) {
	config := map[string]any{
		"output": map[string]any{
			"total":    "{{ ctx.price * ctx.quantity }}",
			"greeting": "Hello {{ ctx.name }}",
		},
	}
	env := map[string]any{"ctx": map[string]any{"price": 3, "quantity": 4, "name": "ana"}}

	resolved, err := expression.Resolve(expression.NewExprEngine(), config, env)
	require.NoError(t, err)

	result := NewStep().Execute(context.Background(), protocol.StepInput{Config: resolved})

	assert.Equal(t, models.StepOutcomeSuccess, result.Outcome)
	assert.Equal(t, map[string]any{"total": 12, "greeting": "Hello ana"}, result.Output)
}

func TestTransform_Validate(t *testing.T) {
	assert.NoError(t, NewStep().Validate(map[string]any{"output": 1}))
	assert.ErrorIs(t, NewStep().Validate(map[string]any{}), ErrMissingOutput)
}
