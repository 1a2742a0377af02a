// Package pass provides a step that does nothing but optionally emit a
// static output.
package pass

import (
	"context"

	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/protocol"
)

const Type = "pass"

type Step struct{}

func NewStep() *Step {
	return &Step{}
}

func (s *Step) Type() string {
	return Type
}

func (s *Step) Name() string {
	return "Pass"
}

func (s *Step) Description() string {
	return "Completes immediately, emitting the configured output if any"
}

func (s *Step) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"output": map[string]any{
				"description": "Value emitted as the step output. Objects are merged into the context.",
			},
		},
	}
}

func (s *Step) Validate(map[string]any) error {
	return nil
}

func (s *Step) Execute(_ context.Context, in protocol.StepInput) models.StepResult {
	return models.Success(in.Config["output"])
}
