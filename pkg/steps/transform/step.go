// Package transform provides a step whose output is its resolved "output"
// configuration, used to compute values into the context bag.
package transform

import (
	"context"
	"errors"

	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/protocol"
)

const Type = "transform"

var ErrMissingOutput = errors.New("missing required field 'output'")

type Step struct{}

func NewStep() *Step {
	return &Step{}
}

func (s *Step) Type() string {
	return Type
}

func (s *Step) Name() string {
	return "Transform"
}

func (s *Step) Description() string {
	return "Evaluates the output configuration and merges the result into the context"
}

func (s *Step) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"output": map[string]any{
				"description": "Value to emit. Objects are merged key by key into the context.",
				"examples": []map[string]any{
					{"total": "{{ ctx.price * ctx.quantity }}"},
					{"greeting": "Hello {{ ctx.name }}"},
				},
			},
		},
		"required": []string{"output"},
	}
}

func (s *Step) Validate(config map[string]any) error {
	if _, ok := config["output"]; !ok {
		return ErrMissingOutput
	}

	return nil
}

func (s *Step) Execute(_ context.Context, in protocol.StepInput) models.StepResult {
	output, ok := in.Config["output"]
	if !ok {
		return models.Failure(ErrMissingOutput, false)
	}

	return models.Success(output)
}
